// Package scheduler runs recurring scans of single targets ("watches") on
// cron schedules.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/orchestrator"
	"github.com/anstrom/portscope/internal/profiles"
	"github.com/anstrom/portscope/internal/scanning"
)

// Runner executes a scan to completion and releases finished scans.
type Runner interface {
	Scan(ctx context.Context, req scanning.Request) (string, orchestrator.StatusSnapshot, error)
	Remove(id string) error
}

// Resolver turns watch options into a scan request.
type Resolver interface {
	Resolve(opts profiles.Options) (scanning.Request, error)
}

// Watch is a scheduled scan of one target.
type Watch struct {
	ID         uuid.UUID        `json:"id"`
	Schedule   string           `json:"schedule"`
	Options    profiles.Options `json:"options"`
	CreatedAt  time.Time        `json:"created_at"`
	LastRun    time.Time        `json:"last_run,omitempty"`
	NextRun    time.Time        `json:"next_run,omitempty"`
	LastScanID string           `json:"last_scan_id,omitempty"`
	LastStatus string           `json:"last_status,omitempty"`
	LastError  string           `json:"last_error,omitempty"`
	Runs       int              `json:"runs"`
	Running    bool             `json:"running"`

	cronID   cron.EntryID
	schedule cron.Schedule
}

// Scheduler manages watches.
type Scheduler struct {
	runner   Runner
	resolver Resolver
	logger   *logging.Logger
	cron     *cron.Cron

	mu      sync.RWMutex
	watches map[uuid.UUID]*Watch
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. Watches only fire after Start.
func New(runner Runner, resolver Resolver, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		resolver: resolver,
		logger:   logger.WithComponent("scheduler"),
		cron:     cron.New(),
		watches:  make(map[uuid.UUID]*Watch),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins firing watches.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.Orchestrator("scheduler is already running", nil)
	}
	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "watches", len(s.watches))
	return nil
}

// Stop halts the schedule, cancels running watch scans and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// AddWatch schedules opts on expr, a standard five-field cron expression or
// a descriptor such as @hourly. The options are resolved once up front so a
// broken watch is rejected here rather than at its first run.
func (s *Scheduler) AddWatch(expr string, opts profiles.Options) (uuid.UUID, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return uuid.Nil, errors.Wrap(errors.KindValidation, "invalid cron expression "+expr, err)
	}
	if _, err := s.resolver.Resolve(opts); err != nil {
		return uuid.Nil, err
	}

	w := &Watch{
		ID:        uuid.New(),
		Schedule:  expr,
		Options:   opts,
		CreatedAt: time.Now(),
		NextRun:   schedule.Next(time.Now()),
		schedule:  schedule,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := w.ID
	w.cronID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.execute(id) }))
	s.watches[id] = w

	s.logger.Info("Added watch", "watch_id", id, "schedule", expr, "target", opts.Host, "profile", opts.Profile)
	return id, nil
}

// RemoveWatch unschedules a watch. A run in progress is not interrupted.
func (s *Scheduler) RemoveWatch(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watches[id]
	if !ok {
		return watchNotFound(id)
	}
	s.cron.Remove(w.cronID)
	delete(s.watches, id)
	if !w.Running {
		s.release(w.LastScanID)
	}

	s.logger.Info("Removed watch", "watch_id", id, "target", w.Options.Host)
	return nil
}

// Watches returns copies of every watch, oldest first.
func (s *Scheduler) Watches() []Watch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Watch, 0, len(s.watches))
	for _, w := range s.watches {
		out = append(out, s.snapshot(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a copy of one watch.
func (s *Scheduler) Get(id uuid.UUID) (Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.watches[id]
	if !ok {
		return Watch{}, watchNotFound(id)
	}
	return s.snapshot(w), nil
}

// Trigger runs a watch now, outside its schedule, and waits for the scan.
func (s *Scheduler) Trigger(id uuid.UUID) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	s.execute(id)
	return nil
}

func (s *Scheduler) snapshot(w *Watch) Watch {
	c := *w
	if s.running {
		if entry := s.cron.Entry(w.cronID); entry.Valid() {
			c.NextRun = entry.Next
		}
	}
	return c
}

// execute runs one scan for the watch. Overlapping runs of the same watch
// are skipped.
func (s *Scheduler) execute(id uuid.UUID) {
	s.mu.Lock()
	w, ok := s.watches[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	log := s.logger.WithTarget(w.Options.Host).WithFields("watch_id", id)
	if w.Running {
		s.mu.Unlock()
		log.Warn("Watch is already running, skipping")
		return
	}
	w.Running = true
	w.LastRun = time.Now()
	w.Runs++
	opts := w.Options
	s.mu.Unlock()

	scanID, status, err := s.run(opts)

	// Only the latest run of a watch stays in the scan manager; a watch
	// removed mid-run keeps none.
	stale := scanID
	s.mu.Lock()
	if w, ok := s.watches[id]; ok {
		stale = w.LastScanID
		w.Running = false
		w.LastScanID = scanID
		w.LastStatus = status
		w.LastError = ""
		if err != nil {
			w.LastError = err.Error()
		}
		w.NextRun = w.schedule.Next(time.Now())
	}
	s.mu.Unlock()

	s.release(stale)

	if err != nil {
		log.Error("Watch scan failed", "scan_id", scanID, "error", err)
		return
	}
	log.Info("Watch scan finished", "scan_id", scanID, "status", status)
}

func (s *Scheduler) run(opts profiles.Options) (string, string, error) {
	req, err := s.resolver.Resolve(opts)
	if err != nil {
		return "", "", err
	}
	scanID, snap, err := s.runner.Scan(s.ctx, req)
	if err != nil {
		return scanID, string(snap.Status), err
	}
	if snap.Status == orchestrator.StatusFailed {
		return scanID, string(snap.Status), errors.Orchestrator(snap.Error, nil)
	}
	return scanID, string(snap.Status), nil
}

// release drops a finished watch scan from the runner.
func (s *Scheduler) release(scanID string) {
	if scanID == "" {
		return
	}
	if err := s.runner.Remove(scanID); err != nil {
		s.logger.Debug("Could not release watch scan", "scan_id", scanID, "error", err)
	}
}

func watchNotFound(id uuid.UUID) error {
	return errors.Wrap(errors.KindValidation, "unknown watch id "+id.String(), errors.ErrWatchNotFound)
}
