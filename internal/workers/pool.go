// Package workers provides the bounded worker pool that runs port tasks.
// It supports queuing with backpressure, optional rate limiting, per-job
// panic recovery and graceful shutdown that drains queued jobs.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for logging.
	Type() string
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the maximum number of jobs that can be queued.
	QueueSize int
	// ShutdownTimeout is how long Shutdown waits before warning that
	// workers are still busy.
	ShutdownTimeout time.Duration
	// RateLimit is the maximum number of jobs started per second (0 = no limit).
	RateLimit float64
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            10,
		QueueSize:       100,
		ShutdownTimeout: 30 * time.Second,
		RateLimit:       0,
	}
}

// Stats counts finished jobs.
type Stats struct {
	Completed int64
	Failed    int64
	Panicked  int64
}

// Pool manages a pool of worker goroutines for concurrent job execution.
type Pool struct {
	config  Config
	jobs    chan Job
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics

	mu       sync.RWMutex
	closed   bool
	started  bool
	stopOnce sync.Once

	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
}

// New creates a new worker pool. Zero sizes fall back to the defaults.
// logger and m may be nil.
func New(config Config, logger *logging.Logger, m *metrics.PrometheusMetrics) *Pool {
	defaults := DefaultConfig()
	if config.Size <= 0 {
		config.Size = defaults.Size
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.Size
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		config:  config,
		jobs:    make(chan Job, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.WithComponent("workers"),
		metrics: m,
	}

	if config.RateLimit > 0 {
		burst := int(config.RateLimit)
		if burst < 1 {
			burst = 1
		}
		pool.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return pool
}

// Start launches the workers. Calling Start more than once has no effect.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	p.logger.Debug("Starting worker pool",
		"worker_count", p.config.Size,
		"queue_size", p.config.QueueSize,
		"rate_limit", p.config.RateLimit)

	for i := 0; i < p.config.Size; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Submit queues job, blocking while the queue is full. It fails if ctx is
// done or the pool is shut down.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("worker pool is shut down")
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Shutdown stops accepting jobs and waits until every queued job has run.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		started := p.started
		p.mu.Unlock()

		if !started {
			p.cancel()
			return
		}

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(p.config.ShutdownTimeout):
			p.logger.Warn("Worker pool shutdown timeout, waiting for in-flight jobs")
			<-done
		}
		p.cancel()

		p.logger.Debug("Worker pool shutdown completed",
			"completed", p.completed.Load(),
			"failed", p.failed.Load())
	})
}

// Stats returns the counts of finished jobs.
func (p *Pool) Stats() Stats {
	return Stats{
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		if p.limiter != nil {
			if err := p.limiter.Wait(p.ctx); err != nil {
				p.failed.Add(1)
				continue
			}
		}
		p.execute(id, job)
	}
}

// execute runs one job. A panic fails only that job.
func (p *Pool) execute(workerID int, job Job) {
	start := time.Now()
	err := p.safeExecute(job)
	duration := time.Since(start)

	if err != nil {
		p.failed.Add(1)
		p.logger.Debug("Job failed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"worker_id", workerID,
			"duration", duration,
			"error", err)
		return
	}
	p.completed.Add(1)
}

func (p *Pool) safeExecute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			if p.metrics != nil {
				p.metrics.IncrementTaskPanics()
			}
			p.logger.Error("Job panicked",
				"job_id", job.ID(),
				"job_type", job.Type(),
				"panic", r)
			err = fmt.Errorf("job %s panicked: %v", job.ID(), r)
		}
	}()
	return job.Execute(p.ctx)
}

// FuncJob adapts a function to the Job interface.
type FuncJob struct {
	id      string
	jobType string
	fn      func(ctx context.Context) error
}

// NewFuncJob creates a job that runs fn.
func NewFuncJob(id, jobType string, fn func(ctx context.Context) error) *FuncJob {
	return &FuncJob{id: id, jobType: jobType, fn: fn}
}

// Execute implements the Job interface.
func (j *FuncJob) Execute(ctx context.Context) error {
	return j.fn(ctx)
}

// ID implements the Job interface.
func (j *FuncJob) ID() string {
	return j.id
}

// Type implements the Job interface.
func (j *FuncJob) Type() string {
	return j.jobType
}
