package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
)

// MockJob implements the Job interface for testing
type MockJob struct {
	id       string
	jobType  string
	duration time.Duration
	err      error
	executed int32
}

func NewMockJob(id, jobType string, duration time.Duration, err error) *MockJob {
	return &MockJob{
		id:       id,
		jobType:  jobType,
		duration: duration,
		err:      err,
	}
}

func (m *MockJob) Execute(ctx context.Context) error {
	atomic.AddInt32(&m.executed, 1)
	if m.duration > 0 {
		select {
		case <-time.After(m.duration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func (m *MockJob) ID() string {
	return m.id
}

func (m *MockJob) Type() string {
	return m.jobType
}

func (m *MockJob) ExecutedCount() int32 {
	return atomic.LoadInt32(&m.executed)
}

func newTestPool(cfg Config) *Pool {
	return New(cfg, logging.NewNop(), nil)
}

func TestNewPool(t *testing.T) {
	t.Run("creates pool with valid configuration", func(t *testing.T) {
		pool := newTestPool(Config{Size: 5, QueueSize: 100, ShutdownTimeout: time.Second, RateLimit: 10})

		assert.NotNil(t, pool)
		assert.Equal(t, 5, pool.config.Size)
		assert.Equal(t, 100, cap(pool.jobs))
		assert.NotNil(t, pool.limiter)
	})

	t.Run("creates pool with default values", func(t *testing.T) {
		pool := newTestPool(Config{})

		assert.Equal(t, DefaultConfig().Size, pool.config.Size)
		assert.Equal(t, pool.config.Size, cap(pool.jobs))
		assert.Nil(t, pool.limiter)
	})
}

func TestPoolLifecycle(t *testing.T) {
	pool := newTestPool(Config{Size: 2, QueueSize: 4})
	pool.Start()
	pool.Start()

	job := NewMockJob("job-1", "test", 0, nil)
	require.NoError(t, pool.Submit(context.Background(), job))

	pool.Shutdown()
	pool.Shutdown()

	assert.Equal(t, int32(1), job.ExecutedCount())
	assert.Equal(t, int64(1), pool.Stats().Completed)

	err := pool.Submit(context.Background(), NewMockJob("late", "test", 0, nil))
	assert.Error(t, err)
}

func TestShutdownDrainsQueue(t *testing.T) {
	pool := newTestPool(Config{Size: 2, QueueSize: 50})
	pool.Start()

	jobs := make([]*MockJob, 50)
	for i := range jobs {
		jobs[i] = NewMockJob(fmt.Sprintf("job-%d", i), "test", time.Millisecond, nil)
		require.NoError(t, pool.Submit(context.Background(), jobs[i]))
	}
	pool.Shutdown()

	for _, j := range jobs {
		assert.Equal(t, int32(1), j.ExecutedCount(), j.ID())
	}
	assert.Equal(t, int64(50), pool.Stats().Completed)
}

func TestSubmitBlocksUntilContextDone(t *testing.T) {
	pool := newTestPool(Config{Size: 1, QueueSize: 1})
	// Not started: the single queue slot fills and the next submit blocks.
	require.NoError(t, pool.Submit(context.Background(), NewMockJob("a", "test", 0, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, NewMockJob("b", "test", 0, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pool.Start()
	pool.Shutdown()
}

func TestErrorHandling(t *testing.T) {
	pool := newTestPool(Config{Size: 2, QueueSize: 10})
	pool.Start()

	require.NoError(t, pool.Submit(context.Background(), NewMockJob("ok", "test", 0, nil)))
	require.NoError(t, pool.Submit(context.Background(), NewMockJob("bad", "test", 0, errors.New("boom"))))
	pool.Shutdown()

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestPanicRecovery(t *testing.T) {
	m := metrics.NewPrometheusMetrics()
	pool := New(Config{Size: 1, QueueSize: 4}, logging.NewNop(), m)
	pool.Start()

	var ran atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), NewFuncJob("panics", "port", func(ctx context.Context) error {
		panic("unexpected")
	})))
	require.NoError(t, pool.Submit(context.Background(), NewFuncJob("after", "port", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})))
	pool.Shutdown()

	assert.True(t, ran.Load(), "worker survives a panicking job")
	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Panicked)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)

	count, err := testutil.GatherAndCount(m.GetRegistry(), "portscope_probe_task_panics_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConcurrentJobProcessing(t *testing.T) {
	const size = 4
	pool := newTestPool(Config{Size: size, QueueSize: 20})
	pool.Start()

	var running, peak int32
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(context.Background(), NewFuncJob(fmt.Sprintf("j%d", i), "port", func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})))
	}
	pool.Shutdown()

	assert.LessOrEqual(t, peak, int32(size))
	assert.Greater(t, peak, int32(1))
}

func TestConcurrentSubmission(t *testing.T) {
	pool := newTestPool(Config{Size: 4, QueueSize: 8})
	pool.Start()

	var wg sync.WaitGroup
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_ = pool.Submit(context.Background(), NewMockJob(fmt.Sprintf("%d-%d", g, i), "test", 0, nil))
			}
		}(g)
	}
	wg.Wait()
	pool.Shutdown()

	assert.Equal(t, int64(100), pool.Stats().Completed)
}

func TestRateLimiting(t *testing.T) {
	pool := newTestPool(Config{Size: 4, QueueSize: 10, RateLimit: 50})
	pool.Start()

	start := time.Now()
	for i := 0; i < 60; i++ {
		require.NoError(t, pool.Submit(context.Background(), NewMockJob(fmt.Sprintf("j%d", i), "test", 0, nil)))
	}
	pool.Shutdown()

	// A burst of 50 runs immediately; the remaining 10 need about 200ms.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, int64(60), pool.Stats().Completed)
}

func TestShutdownWithoutStart(t *testing.T) {
	pool := newTestPool(Config{Size: 1})
	pool.Shutdown()
	assert.Error(t, pool.Submit(context.Background(), NewMockJob("x", "test", 0, nil)))
}

func BenchmarkPoolThroughput(b *testing.B) {
	pool := newTestPool(Config{Size: 8, QueueSize: 256})
	pool.Start()
	defer pool.Shutdown()

	job := NewMockJob("bench", "bench", 0, nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(context.Background(), job)
	}
}
