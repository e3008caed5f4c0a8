package metric

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/termstream/errors"
)

// MetricsRegistry owns the Prometheus registry of one termstream process.
// Core pipeline metrics are registered up front; caches, rings and pools
// add their own collectors under an owner name.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics

	mu    sync.Mutex
	owned map[string]prometheus.Collector
}

// NewMetricsRegistry creates a registry with the core metrics and the Go
// runtime and process collectors
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		Metrics:            NewMetrics(),
		owned:              make(map[string]prometheus.Collector),
	}
	r.Metrics.mustRegister(r.prometheusRegistry)
	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the pipeline metrics
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

// Register adds collector under owner/name. Registering the same owner/name
// twice, or a collector whose descriptors clash with another owner's, is an
// invalid error.
func (r *MetricsRegistry) Register(owner, name string, collector prometheus.Collector) error {
	key := owner + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.owned[key]; exists {
		return errors.WrapInvalid(fmt.Errorf("%s already registered", key),
			"MetricsRegistry", "Register", "duplicate metric registration")
	}
	if err := r.prometheusRegistry.Register(collector); err != nil {
		var clash prometheus.AlreadyRegisteredError
		if errors.As(err, &clash) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register", "prometheus conflict for "+key)
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register "+key)
	}
	r.owned[key] = collector
	return nil
}

// RegisterCounter registers a counter for owner
func (r *MetricsRegistry) RegisterCounter(owner, name string, c prometheus.Counter) error {
	return r.Register(owner, name, c)
}

// RegisterGauge registers a gauge for owner
func (r *MetricsRegistry) RegisterGauge(owner, name string, g prometheus.Gauge) error {
	return r.Register(owner, name, g)
}

// RegisterHistogramVec registers a histogram vector for owner
func (r *MetricsRegistry) RegisterHistogramVec(owner, name string, h *prometheus.HistogramVec) error {
	return r.Register(owner, name, h)
}

// Unregister removes owner/name. Returns false if it was not registered.
func (r *MetricsRegistry) Unregister(owner, name string) bool {
	key := owner + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	collector, exists := r.owned[key]
	if !exists || !r.prometheusRegistry.Unregister(collector) {
		return false
	}
	delete(r.owned, key)
	return true
}
