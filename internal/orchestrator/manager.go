// Package orchestrator runs scans. A Manager owns every scan's state,
// dispatches one task per port to a bounded worker pool in batches tuned by
// the adaptive engine, feeds each outcome to the anomaly detector, streams
// progress to subscribers and builds reports on request.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portscope/internal/adaptive"
	"github.com/anstrom/portscope/internal/anomaly"
	"github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
	"github.com/anstrom/portscope/internal/plugin"
	"github.com/anstrom/portscope/internal/scanning"
	"github.com/anstrom/portscope/internal/security"
	"github.com/anstrom/portscope/internal/workers"
)

// Config holds the orchestrator's tuning knobs.
type Config struct {
	// Ports dispatched per batch; the strategy is re-derived between batches
	BatchSize int
	// Bound on banner reads for open TCP ports
	BannerTimeout time.Duration
	// Receive buffer for UDP replies
	UDPReadSize int
	// Events buffered per subscriber before the oldest is dropped
	SubscriberBuffer int
	// Scans allowed to run at once when no resource manager is supplied
	MaxConcurrentScans int
	// Pause before each re-probe of a port
	RetryDelay time.Duration
	// Port tasks started per second across a scan (0 = no limit)
	RateLimit float64
	// History window and sensitivity of the per-host anomaly detectors
	Anomaly anomaly.Config
}

// DefaultConfig returns the stock orchestrator settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:          256,
		BannerTimeout:      2 * time.Second,
		UDPReadSize:        4096,
		SubscriberBuffer:   256,
		MaxConcurrentScans: 4,
		Anomaly:            anomaly.DefaultConfig(),
	}
}

// ProberFactory builds the prober for a scan.
type ProberFactory func(protocol scanning.Protocol, opts scanning.ProbeOptions) scanning.Prober

// Dependencies are the collaborators a Manager uses. Nil fields get
// defaults.
type Dependencies struct {
	Engine    *adaptive.Engine
	Assessor  *security.Assessor
	Plugins   *plugin.Registry
	Resources scanning.ResourceManager
	Metrics   *metrics.PrometheusMetrics
	Logger    *logging.Logger
	NewProber ProberFactory
}

// Manager runs and tracks scans. It is safe for concurrent use.
type Manager struct {
	config    Config
	engine    *adaptive.Engine
	assessor  *security.Assessor
	plugins   *plugin.Registry
	resources scanning.ResourceManager
	metrics   *metrics.PrometheusMetrics
	logger    *logging.Logger
	newProber ProberFactory

	// Probes run under this context so a stop never interrupts them.
	probeCtx    context.Context
	probeCancel context.CancelFunc

	mu        sync.RWMutex
	scans     map[string]*scanContext
	detectors map[string]*anomaly.Detector
	closed    bool
}

// New creates a manager.
func New(cfg Config, deps Dependencies) *Manager {
	defaults := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaults.SubscriberBuffer
	}
	if cfg.MaxConcurrentScans <= 0 {
		cfg.MaxConcurrentScans = defaults.MaxConcurrentScans
	}
	if cfg.Anomaly.Window <= 0 {
		cfg.Anomaly = defaults.Anomaly
	}

	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.GetGlobalMetrics()
	}
	if deps.Engine == nil {
		deps.Engine = adaptive.NewEngine(adaptive.DefaultPolicy())
	}
	if deps.Assessor == nil {
		assessor, err := security.NewAssessor(nil, nil, deps.Logger, deps.Metrics)
		if err != nil {
			panic(fmt.Sprintf("default assessor: %v", err))
		}
		deps.Assessor = assessor
	}
	if deps.Plugins == nil {
		deps.Plugins = plugin.DefaultRegistry(deps.Logger, deps.Metrics)
	}
	if deps.Resources == nil {
		deps.Resources = scanning.NewFixedResourceManager(cfg.MaxConcurrentScans)
	}
	if deps.NewProber == nil {
		deps.NewProber = scanning.NewProber
	}

	probeCtx, probeCancel := context.WithCancel(context.Background())
	return &Manager{
		config:      cfg,
		engine:      deps.Engine,
		assessor:    deps.Assessor,
		plugins:     deps.Plugins,
		resources:   deps.Resources,
		metrics:     deps.Metrics,
		logger:      deps.Logger.WithComponent("orchestrator"),
		newProber:   deps.NewProber,
		probeCtx:    probeCtx,
		probeCancel: probeCancel,
		scans:       make(map[string]*scanContext),
		detectors:   make(map[string]*anomaly.Detector),
	}
}

// Engine returns the adaptive engine shared by all scans.
func (m *Manager) Engine() *adaptive.Engine {
	return m.engine
}

// Detector returns the anomaly detector for host, creating it on first use.
func (m *Manager) Detector(host string) *anomaly.Detector {
	m.mu.RLock()
	d, ok := m.detectors[host]
	m.mu.RUnlock()
	if ok {
		return d
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok = m.detectors[host]; !ok {
		d = anomaly.NewDetector(m.config.Anomaly)
		m.detectors[host] = d
	}
	return d
}

// Start validates req and launches the scan in the background. Invalid
// requests are rejected before anything is dispatched.
func (m *Manager) Start(ctx context.Context, req scanning.Request) (string, error) {
	if req.Protocol == "" {
		req.Protocol = scanning.ProtocolTCP
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	id := uuid.New().String()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := newHub(id, m.config.SubscriberBuffer, m.metrics.IncrementDroppedEvents)
	sc := newScanContext(id, req, req.TargetPorts(), h, cancel)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", errors.Orchestrator("scan manager is closed", nil)
	}
	m.scans[id] = sc
	m.mu.Unlock()

	m.logger.WithScanID(id).Info("Scan queued",
		"target", req.Host,
		"protocol", req.Protocol,
		"ports", len(sc.ports),
		"profile", req.Profile)

	go m.run(runCtx, sc)
	return id, nil
}

// Wait blocks until the scan's tasks have all finished or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (StatusSnapshot, error) {
	sc, err := m.get(id)
	if err != nil {
		return StatusSnapshot{}, err
	}
	select {
	case <-sc.done:
		return sc.snapshot(), nil
	case <-ctx.Done():
		return sc.snapshot(), ctx.Err()
	}
}

// Scan starts a scan and waits for it. Cancelling ctx stops the scan.
func (m *Manager) Scan(ctx context.Context, req scanning.Request) (string, StatusSnapshot, error) {
	id, err := m.Start(ctx, req)
	if err != nil {
		return "", StatusSnapshot{}, err
	}

	snap, err := m.Wait(ctx, id)
	if err != nil {
		_ = m.Stop(id)
		snap, _ = m.Wait(context.Background(), id)
		return id, snap, err
	}
	return id, snap, nil
}

// Status returns a snapshot of the scan.
func (m *Manager) Status(id string) (StatusSnapshot, error) {
	sc, err := m.get(id)
	if err != nil {
		return StatusSnapshot{}, err
	}
	return sc.snapshot(), nil
}

// List returns snapshots of every tracked scan, oldest first.
func (m *Manager) List() []StatusSnapshot {
	m.mu.RLock()
	scans := make([]*scanContext, 0, len(m.scans))
	for _, sc := range m.scans {
		scans = append(scans, sc)
	}
	m.mu.RUnlock()

	out := make([]StatusSnapshot, 0, len(scans))
	for _, sc := range scans {
		out = append(out, sc.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Subscribe attaches to the scan's progress stream. Only events published
// after this call are delivered.
func (m *Manager) Subscribe(id string) (*Subscription, error) {
	sc, err := m.get(id)
	if err != nil {
		return nil, err
	}
	sub := sc.hub.subscribe()
	m.metrics.AddSubscribers(1)
	return sub, nil
}

// Unsubscribe detaches a subscription. It is safe to call after the stream
// has ended.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.metrics.AddSubscribers(-1)
	if sc, err := m.get(sub.ScanID); err == nil {
		sc.hub.unsubscribe(sub.ID)
	}
}

// Stop requests cancellation. Tasks not yet started are skipped; in-flight
// probes finish and their results are kept. The status becomes STOPPED
// immediately. Stopping a finished scan does nothing.
func (m *Manager) Stop(id string) error {
	sc, err := m.get(id)
	if err != nil {
		return err
	}

	sc.stopped.Store(true)
	if sc.finish(StatusStopped, "") {
		sc.cancel()
		sc.hub.close(sc.terminalEvent())
		m.logger.WithScanID(id).Info("Scan stopped", "completed", sc.completed.Load(), "total", len(sc.ports))
	}
	return nil
}

// Remove forgets a finished scan. Running scans cannot be removed.
func (m *Manager) Remove(id string) error {
	sc, err := m.get(id)
	if err != nil {
		return err
	}
	if !sc.snapshot().Status.Terminal() {
		return errors.Validation("scan %s is still running", id)
	}

	m.mu.Lock()
	delete(m.scans, id)
	m.mu.Unlock()
	return nil
}

// Close stops every scan, waits for their tasks and rejects new scans.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	scans := make([]*scanContext, 0, len(m.scans))
	for _, sc := range m.scans {
		scans = append(scans, sc)
	}
	m.mu.Unlock()

	for _, sc := range scans {
		_ = m.Stop(sc.id)
	}
	for _, sc := range scans {
		<-sc.done
	}
	m.probeCancel()
	return m.resources.Close()
}

func (m *Manager) get(id string) (*scanContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.scans[id]
	if !ok {
		return nil, errors.NotFound(id)
	}
	return sc, nil
}

// run drives one scan from PENDING to a terminal status.
func (m *Manager) run(ctx context.Context, sc *scanContext) {
	defer close(sc.done)
	log := m.logger.WithScanID(sc.id).WithTarget(sc.req.Host)

	if err := m.resources.Acquire(ctx, sc.id); err != nil {
		if !sc.stopped.Load() {
			m.fail(sc, errors.Orchestrator("failed to acquire scan slot", err), log)
		}
		return
	}
	defer m.resources.Release(sc.id)

	if !sc.markRunning() {
		return
	}
	m.metrics.AddActiveScans(1)
	defer m.metrics.AddActiveScans(-1)
	log.Info("Scan started", "ports", len(sc.ports))

	prober := m.newProber(sc.req.Protocol, scanning.ProbeOptions{
		ServiceDetection: sc.req.ServiceDetection,
		BannerTimeout:    m.config.BannerTimeout,
		UDPReadSize:      m.config.UDPReadSize,
	})
	if prober == nil {
		m.fail(sc, errors.Orchestrator("no prober for protocol "+string(sc.req.Protocol), nil), log)
		return
	}

	task := &portTask{
		manager:  m,
		scan:     sc,
		prober:   prober,
		detector: m.Detector(sc.req.Host),
		log:      log,
	}

	for offset := 0; offset < len(sc.ports) && !sc.stopped.Load(); offset += m.config.BatchSize {
		end := offset + m.config.BatchSize
		if end > len(sc.ports) {
			end = len(sc.ports)
		}
		if err := m.runBatch(ctx, task, sc.ports[offset:end], offset > 0); err != nil {
			if sc.stopped.Load() {
				break
			}
			m.fail(sc, errors.Orchestrator("batch dispatch failed", err), log)
			return
		}
	}

	m.complete(sc, log)
}

// runBatch probes ports with a pool sized by the current strategy, capped at
// the request's worker count, and waits for every dispatched task.
func (m *Manager) runBatch(ctx context.Context, task *portTask, ports []int, pause bool) error {
	sc := task.scan
	strategy := m.engine.OptimalStrategy(sc.req.Host, adaptive.Strategy{
		Timeout: sc.req.Timeout,
		Workers: sc.req.Workers,
	})
	sc.setStrategy(strategy)

	if pause && strategy.Delay > 0 {
		timer := time.NewTimer(strategy.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	size := strategy.Workers
	if size > len(ports) {
		size = len(ports)
	}
	pool := workers.New(workers.Config{
		Size:      size,
		QueueSize: size,
		RateLimit: m.config.RateLimit,
	}, task.log, m.metrics)
	pool.Start()
	defer func() {
		pool.Shutdown()
		stats := pool.Stats()
		task.log.Debug("Batch finished",
			"ports", len(ports),
			"completed", stats.Completed,
			"failed", stats.Failed,
			"panicked", stats.Panicked)
	}()

	task.log.Debug("Dispatching batch",
		"ports", len(ports),
		"workers", size,
		"timeout", strategy.Timeout,
		"retries", strategy.Retries,
		"delay", strategy.Delay)

	for _, port := range ports {
		if sc.stopped.Load() {
			return nil
		}
		port := port
		job := workers.NewFuncJob(fmt.Sprintf("%s:%d", sc.id, port), "port", func(context.Context) error {
			return task.run(port, strategy)
		})
		if err := pool.Submit(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) complete(sc *scanContext, log *logging.Logger) {
	if sc.finish(StatusCompleted, "") {
		sc.hub.close(sc.terminalEvent())
	}
	snap := sc.snapshot()

	m.plugins.OnComplete(sc.req.Host, sc.resultMap())
	m.metrics.IncrementScansTotal(string(sc.req.Protocol), string(snap.Status))
	if snap.StartTime != nil && snap.EndTime != nil {
		m.metrics.RecordScanDuration(string(sc.req.Protocol), snap.EndTime.Sub(*snap.StartTime))
	}
	log.Info("Scan finished",
		"status", snap.Status,
		"completed", snap.Completed,
		"total", snap.Total,
		"results", snap.ResultCount)
}

func (m *Manager) fail(sc *scanContext, err error, log *logging.Logger) {
	if sc.finish(StatusFailed, err.Error()) {
		sc.hub.close(sc.terminalEvent())
	}
	m.metrics.IncrementScansTotal(string(sc.req.Protocol), string(StatusFailed))
	log.Error("Scan failed", "error", err)
}
