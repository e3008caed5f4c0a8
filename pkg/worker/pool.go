package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/termstream/metric"
)

// Pool processes work items of type T on a fixed set of goroutines.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error
	onDrop    func(T)

	workChan chan T
	quit     chan struct{}
	metrics  *Metrics
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     atomic.Bool
	stopped     atomic.Bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for worker pool monitoring
type Metrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics under prefix.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithDropHandler is called for items still queued when the pool stops, so
// owners can fail whatever is waiting on them.
func WithDropHandler[T any](fn func(T)) Option[T] {
	return func(p *Pool[T]) {
		p.onDrop = fn
	}
}

// NewPool creates a new worker pool. Non-positive sizes fall back to 10
// workers and a queue of 1000.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
		quit:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		pool.initializeMetrics()
	}

	return pool
}

func (p *Pool[T]) initializeMetrics() {
	prefix := p.metricsPrefix

	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Current worker pool queue depth",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Total work items submitted",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Total work items that failed processing",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Total work items rejected by a full queue or dropped at stop",
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent processing work items",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"status"}),
	}

	service := "worker_pool"
	_ = p.metricsRegistry.RegisterGauge(service, prefix+"_queue_depth", m.queueDepth)
	_ = p.metricsRegistry.RegisterCounter(service, prefix+"_submitted_total", m.submitted)
	_ = p.metricsRegistry.RegisterCounter(service, prefix+"_failed_total", m.failed)
	_ = p.metricsRegistry.RegisterCounter(service, prefix+"_dropped_total", m.dropped)
	_ = p.metricsRegistry.RegisterHistogramVec(service, prefix+"_processing_duration_seconds", m.processingTime)

	p.metrics = m
}

func (p *Pool[T]) accepting() error {
	if !p.started.Load() {
		return ErrPoolNotStarted
	}
	if p.stopped.Load() {
		return ErrPoolStopped
	}
	return nil
}

func (p *Pool[T]) recordSubmit() {
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

func (p *Pool[T]) recordDrop() {
	p.dropped.Add(1)
	if p.metrics != nil {
		p.metrics.dropped.Inc()
	}
}

// Submit enqueues work without blocking. Returns ErrQueueFull when at capacity.
func (p *Pool[T]) Submit(work T) error {
	if err := p.accepting(); err != nil {
		return err
	}

	select {
	case p.workChan <- work:
		p.recordSubmit()
		return nil
	case <-p.quit:
		return ErrPoolStopped
	default:
		p.recordDrop()
		return ErrQueueFull
	}
}

// SubmitWait enqueues work, blocking until there is room, the pool stops or
// ctx is done.
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	if err := p.accepting(); err != nil {
		return err
	}

	select {
	case p.workChan <- work:
		p.recordSubmit()
		return nil
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the workers. ctx bounds the lifetime of every processor call.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started.Load() {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started.Store(true)
	return nil
}

// Stop refuses new work, lets the workers drain the queue and waits up to
// timeout for them to exit. Items that raced in after the drain go to the
// drop handler.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started.Load() || p.stopped.Load() {
		return nil
	}
	p.stopped.Store(true)
	close(p.quit)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		return ErrStopTimeout
	}

	for {
		select {
		case work := <-p.workChan:
			p.recordDrop()
			if p.onDrop != nil {
				p.onDrop(work)
			}
		default:
			return nil
		}
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			p.drain(ctx)
			return
		case work := <-p.workChan:
			p.run(ctx, work)
		}
	}
}

// drain processes whatever is already queued once Stop has been called.
func (p *Pool[T]) drain(ctx context.Context) {
	for {
		select {
		case work := <-p.workChan:
			p.run(ctx, work)
		default:
			return
		}
	}
}

func (p *Pool[T]) run(ctx context.Context, work T) {
	start := time.Now()
	err := p.safeProcess(ctx, work)
	duration := time.Since(start)

	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
	}

	if p.metrics != nil {
		status := "success"
		if err != nil {
			p.metrics.failed.Inc()
			status = "error"
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

func (p *Pool[T]) safeProcess(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	return p.processor(ctx, work)
}
