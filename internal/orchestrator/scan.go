package orchestrator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/portscope/internal/adaptive"
	"github.com/anstrom/portscope/internal/scanning"
)

// scanContext is the state of one scan. Results are written by worker
// goroutines under mu; the completed counter is atomic so progress can be
// computed without the lock.
type scanContext struct {
	id        string
	req       scanning.Request
	ports     []int
	createdAt time.Time
	hub       *hub
	cancel    context.CancelFunc
	done      chan struct{}

	stopped   atomic.Bool
	completed atomic.Int64
	retries   atomic.Int64

	mu        sync.RWMutex
	status    Status
	startTime time.Time
	endTime   time.Time
	errMsg    string
	results   map[int]scanning.ServiceInfo
	anomalies []AnomalyRecord
	strategy  *adaptive.Strategy
}

func newScanContext(id string, req scanning.Request, ports []int, h *hub, cancel context.CancelFunc) *scanContext {
	return &scanContext{
		id:        id,
		req:       req,
		ports:     ports,
		createdAt: time.Now(),
		hub:       h,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusPending,
		results:   make(map[int]scanning.ServiceInfo, len(ports)),
	}
}

// record stores info under its port. A port is stored at most once; a
// later result for the same port replaces the earlier one.
func (sc *scanContext) record(info scanning.ServiceInfo) {
	sc.mu.Lock()
	sc.results[info.Port] = info
	sc.mu.Unlock()
}

func (sc *scanContext) addAnomaly(rec AnomalyRecord) {
	sc.mu.Lock()
	sc.anomalies = append(sc.anomalies, rec)
	sc.mu.Unlock()
}

func (sc *scanContext) setStrategy(s adaptive.Strategy) {
	sc.mu.Lock()
	sc.strategy = &s
	sc.mu.Unlock()
}

// markRunning moves a pending scan to RUNNING. It fails if the scan was
// stopped while waiting.
func (sc *scanContext) markRunning() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.status != StatusPending {
		return false
	}
	sc.status = StatusRunning
	sc.startTime = time.Now()
	return true
}

// finish moves the scan to a terminal status. The first terminal status
// wins; it returns false if the scan had already finished.
func (sc *scanContext) finish(status Status, errMsg string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.status.Terminal() {
		return false
	}
	sc.status = status
	sc.errMsg = errMsg
	sc.endTime = time.Now()
	return true
}

func (sc *scanContext) progress() int {
	total := len(sc.ports)
	if total == 0 {
		return 100
	}
	return int(sc.completed.Load() * 100 / int64(total))
}

func (sc *scanContext) snapshot() StatusSnapshot {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	completed := int(sc.completed.Load())
	total := len(sc.ports)
	snap := StatusSnapshot{
		ID:          sc.id,
		Host:        sc.req.Host,
		Protocol:    sc.req.Protocol,
		Profile:     sc.req.Profile,
		Status:      sc.status,
		Progress:    sc.progress(),
		Completed:   completed,
		Total:       total,
		ResultCount: len(sc.results),
		CreatedAt:   sc.createdAt,
		Error:       sc.errMsg,
	}

	if !sc.startTime.IsZero() {
		start := sc.startTime
		snap.StartTime = &start

		end := time.Now()
		if !sc.endTime.IsZero() {
			end = sc.endTime
		}
		if elapsed := end.Sub(start).Seconds(); elapsed > 0 && completed > 0 {
			snap.Rate = float64(completed) / elapsed
			if !sc.status.Terminal() {
				remaining := float64(total - completed)
				snap.ETA = time.Duration(remaining / snap.Rate * float64(time.Second))
			}
		}
	}
	if !sc.endTime.IsZero() {
		end := sc.endTime
		snap.EndTime = &end
	}
	return snap
}

// resultList returns the results sorted by port.
func (sc *scanContext) resultList() []scanning.ServiceInfo {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	out := make([]scanning.ServiceInfo, 0, len(sc.results))
	for _, info := range sc.results {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

func (sc *scanContext) resultMap() map[int]scanning.ServiceInfo {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	out := make(map[int]scanning.ServiceInfo, len(sc.results))
	for port, info := range sc.results {
		out[port] = info
	}
	return out
}

func (sc *scanContext) anomalyList() []AnomalyRecord {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	out := make([]AnomalyRecord, len(sc.anomalies))
	copy(out, sc.anomalies)
	return out
}

func (sc *scanContext) terminalEvent() ProgressEvent {
	sc.mu.RLock()
	status := sc.status
	sc.mu.RUnlock()
	return ProgressEvent{
		ScanID:    sc.id,
		Type:      EventComplete,
		Status:    status,
		Progress:  sc.progress(),
		Completed: int(sc.completed.Load()),
		Total:     len(sc.ports),
		Timestamp: time.Now(),
	}
}
