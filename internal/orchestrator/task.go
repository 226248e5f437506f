package orchestrator

import (
	"fmt"
	"time"

	"github.com/anstrom/portscope/internal/adaptive"
	"github.com/anstrom/portscope/internal/anomaly"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/scanning"
)

// portTask probes single ports of one scan.
type portTask struct {
	manager  *Manager
	scan     *scanContext
	prober   scanning.Prober
	detector *anomaly.Detector
	log      *logging.Logger
}

// run probes port, retrying ambiguous failures, and records the outcome.
// Ports dispatched before a stop but not yet started are skipped. A panic
// is recorded as an ERROR result for the port.
func (t *portTask) run(port int, strategy adaptive.Strategy) (err error) {
	if t.scan.stopped.Load() {
		return nil
	}

	stored := false
	defer func() {
		if r := recover(); r != nil {
			t.manager.metrics.IncrementTaskPanics()
			t.log.Error("Port task panicked", "port", port, "panic", r)
			if !stored {
				info := scanning.NewServiceInfo(port, t.scan.req.Protocol)
				info.State = scanning.StateError
				info.Error = fmt.Sprintf("internal error: %v", r)
				t.store(info)
			}
			err = fmt.Errorf("port %d: %v", port, r)
		}
	}()

	host := t.scan.req.Host
	t.manager.plugins.BeforeScan(host, port)

	info := t.probe(port, strategy)
	t.store(info)
	stored = true
	t.checkAnomaly(info)
	t.manager.plugins.AfterScan(host, port, info)
	return nil
}

// probe runs the first attempt plus up to min(strategy, request) retries
// while the outcome is FILTERED or ERROR. Every attempt feeds the engine.
func (t *portTask) probe(port int, strategy adaptive.Strategy) scanning.ServiceInfo {
	req := t.scan.req
	retries := strategy.Retries
	if req.MaxRetries < retries {
		retries = req.MaxRetries
	}

	info := t.attempt(port, strategy.Timeout)
	for i := 0; i < retries && info.State.Retryable() && !t.scan.stopped.Load(); i++ {
		if delay := t.manager.config.RetryDelay; delay > 0 {
			time.Sleep(delay)
		}
		t.scan.retries.Add(1)
		t.manager.metrics.IncrementProbeRetries(string(req.Protocol))
		info = t.attempt(port, strategy.Timeout)
	}

	if info.State == scanning.StateError {
		t.log.Debug("Probe failed", "port", port, "error", info.Error)
	}
	return info
}

func (t *portTask) attempt(port int, timeout time.Duration) scanning.ServiceInfo {
	req := t.scan.req
	start := time.Now()
	info := t.prober.Probe(t.manager.probeCtx, req.Host, port, timeout)
	t.manager.metrics.RecordProbeDuration(string(req.Protocol), time.Since(start))

	if obs, ok := observation(info); ok {
		t.manager.engine.Update(req.Host, obs)
	}
	return info
}

// observation maps a result onto the engine's success/timeout inputs.
// OPEN_OR_FILTERED says nothing about the network and is not fed back.
func observation(info scanning.ServiceInfo) (adaptive.Observation, bool) {
	obs := adaptive.Observation{ResponseTime: info.ResponseTime()}
	switch info.State {
	case scanning.StateOpen, scanning.StateClosed:
		obs.Success = true
	case scanning.StateFiltered:
		obs.TimedOut = true
	case scanning.StateError:
	default:
		return obs, false
	}
	return obs, true
}

// store records the result, advances progress and notifies subscribers.
func (t *portTask) store(info scanning.ServiceInfo) {
	sc := t.scan
	sc.record(info)
	completed := sc.completed.Add(1)

	result := info
	sc.hub.publish(ProgressEvent{
		ScanID:    sc.id,
		Type:      EventProgress,
		Status:    StatusRunning,
		Progress:  int(completed * 100 / int64(len(sc.ports))),
		Completed: int(completed),
		Total:     len(sc.ports),
		Port:      info.Port,
		Result:    &result,
		Timestamp: time.Now(),
	})
}

// checkAnomaly evaluates the result against the port's history and then
// appends it. ERROR results carry no reliable timing and are ignored.
func (t *portTask) checkAnomaly(info scanning.ServiceInfo) {
	if info.State == scanning.StateError {
		return
	}

	obs := anomaly.Observation{
		Timestamp:    time.Now(),
		ResponseTime: info.ResponseTime(),
		IsOpen:       info.IsOpen(),
		Banner:       info.Banner,
	}
	res := t.detector.Check(info.Port, obs)
	t.detector.Record(info.Port, obs)
	if !res.Anomalous {
		return
	}

	t.scan.addAnomaly(AnomalyRecord{
		Port:         info.Port,
		Kinds:        res.Kinds,
		ResponseTime: obs.ResponseTime,
		Mean:         res.Mean,
		StdDev:       res.StdDev,
		IsOpen:       obs.IsOpen,
		Banner:       obs.Banner,
		Timestamp:    obs.Timestamp,
	})
	for _, kind := range res.Kinds {
		t.manager.metrics.IncrementAnomalies(string(kind))
	}
	t.log.Warn("Anomalous port behavior",
		"port", info.Port,
		"kinds", res.Kinds,
		"response_time", obs.ResponseTime,
		"mean", res.Mean,
		"stddev", res.StdDev)
}
