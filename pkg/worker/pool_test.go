package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/metric"
)

type testJob struct {
	id    int
	delay time.Duration
	fail  bool
	panic bool
}

func runJob(ctx context.Context, job testJob) error {
	if job.panic {
		panic("boom")
	}
	if job.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(job.delay):
		}
	}
	if job.fail {
		return errors.New("simulated failure")
	}
	return nil
}

func startPool(t *testing.T, workers, queue int, fn func(context.Context, testJob) error, opts ...Option[testJob]) *Pool[testJob] {
	t.Helper()
	pool := NewPool(workers, queue, fn, opts...)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Stop(5 * time.Second) })
	return pool
}

func TestNewPool_Defaults(t *testing.T) {
	pool := NewPool(0, 0, runJob)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)

	pool = NewPool(3, 7, runJob)
	assert.Equal(t, 3, pool.workers)
	assert.Equal(t, 7, pool.queueSize)
}

func TestNewPool_NilProcessorPanics(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewPool[testJob](1, 1, nil)
	})
}

func TestPool_Lifecycle(t *testing.T) {
	var count atomic.Int64
	pool := NewPool(2, 10, func(_ context.Context, _ testJob) error {
		count.Add(1)
		return nil
	})

	assert.ErrorIs(t, pool.Submit(testJob{}), ErrPoolNotStarted)
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(testJob{id: i}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	assert.Equal(t, int64(5), count.Load(), "stop drains queued work")
	assert.ErrorIs(t, pool.Submit(testJob{}), ErrPoolStopped)
	assert.ErrorIs(t, pool.SubmitWait(context.Background(), testJob{}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second), "second stop is a no-op")
}

func TestPool_SubmitRejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	pool := startPool(t, 1, 2, func(_ context.Context, _ testJob) error {
		<-release
		return nil
	})
	defer close(release)

	var accepted, rejected int
	for i := 0; i < 6; i++ {
		err := pool.Submit(testJob{id: i})
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrQueueFull):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.LessOrEqual(t, accepted, 3)
	assert.GreaterOrEqual(t, rejected, 3)
	assert.Equal(t, int64(rejected), pool.Stats().Dropped)
}

func TestPool_SubmitWaitBlocksUntilRoom(t *testing.T) {
	release := make(chan struct{})
	var done atomic.Int64
	pool := startPool(t, 1, 1, func(_ context.Context, _ testJob) error {
		<-release
		done.Add(1)
		return nil
	})

	require.NoError(t, pool.SubmitWait(context.Background(), testJob{id: 1}))
	require.NoError(t, pool.SubmitWait(context.Background(), testJob{id: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := pool.SubmitWait(ctx, testJob{id: 3})
	if err != nil {
		// The worker may not have picked up job 1 yet; then the queue is full.
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}

	close(release)
	require.Eventually(t, func() bool {
		return done.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestPool_FailuresAndPanicsAreCounted(t *testing.T) {
	pool := startPool(t, 2, 20, runJob)

	jobs := []testJob{{id: 1}, {id: 2, fail: true}, {id: 3, panic: true}, {id: 4}}
	for _, job := range jobs {
		require.NoError(t, pool.Submit(job))
	}

	require.Eventually(t, func() bool {
		return pool.Stats().Processed == int64(len(jobs))
	}, time.Second, 5*time.Millisecond)

	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Failed)

	// The pool survives the panic.
	require.NoError(t, pool.Submit(testJob{id: 5}))
	require.Eventually(t, func() bool {
		return pool.Stats().Processed == int64(len(jobs)+1)
	}, time.Second, 5*time.Millisecond)
}

func TestPool_PanicSurfacesAsError(t *testing.T) {
	pool := NewPool(1, 1, runJob)
	err := pool.safeProcess(context.Background(), testJob{panic: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessorPanic)
	assert.Contains(t, err.Error(), "boom")
}

func TestPool_ConcurrentSubmitters(t *testing.T) {
	var count atomic.Int64
	pool := startPool(t, 4, 200, func(_ context.Context, _ testJob) error {
		count.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, pool.SubmitWait(context.Background(), testJob{id: s*20 + j}))
			}
		}(s)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return count.Load() == 160
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(160), pool.Stats().Submitted)
}

func TestPool_StartContextCancelsProcessors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var cancelled atomic.Int64
	pool := NewPool(2, 10, func(ctx context.Context, _ testJob) error {
		<-ctx.Done()
		cancelled.Add(1)
		return ctx.Err()
	})
	require.NoError(t, pool.Start(ctx))

	require.NoError(t, pool.Submit(testJob{id: 1}))
	require.NoError(t, pool.Submit(testJob{id: 2}))
	time.Sleep(20 * time.Millisecond)
	cancel()

	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(2), cancelled.Load())
}

func TestPool_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	pool := NewPool(1, 1, func(_ context.Context, _ testJob) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testJob{}))
	time.Sleep(10 * time.Millisecond)

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := startPool(t, 1, 4, runJob, WithMetricsRegistry[testJob](registry, "test_pool"))

	require.NoError(t, pool.Submit(testJob{}))
	require.NoError(t, pool.Submit(testJob{fail: true}))
	require.Eventually(t, func() bool {
		return pool.Stats().Processed == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(pool.metrics.submitted))
	assert.Equal(t, float64(1), testutil.ToFloat64(pool.metrics.failed))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["test_pool_submitted_total"])
	assert.True(t, names["test_pool_processing_duration_seconds"])
}

func TestPoolErrors_Classified(t *testing.T) {
	assert.ErrorIs(t, ErrQueueFull, errors.ErrResourceExhausted)
	assert.ErrorIs(t, ErrPoolStopped, errors.ErrShuttingDown)
	assert.ErrorIs(t, ErrPoolNotStarted, errors.ErrShuttingDown)
	assert.True(t, errors.IsTransient(ErrQueueFull))
}
