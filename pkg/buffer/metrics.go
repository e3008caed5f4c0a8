package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/termstream/metric"
)

type ringMetrics struct {
	writes     prometheus.Counter
	overwrites prometheus.Counter
	hits       prometheus.Counter
	misses     prometheus.Counter
	size       prometheus.Gauge
}

func newRingMetrics(registry *metric.MetricsRegistry, prefix string) (*ringMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &ringMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "termstream",
			Subsystem:   "ring",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Total number of ring writes",
		}),
		overwrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "termstream",
			Subsystem:   "ring",
			Name:        "overwrites_total",
			ConstLabels: labels,
			Help:        "Entries pushed out by newer writes",
		}),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "termstream",
			Subsystem:   "ring",
			Name:        "lookup_hits_total",
			ConstLabels: labels,
			Help:        "Keyed lookups that found an entry",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "termstream",
			Subsystem:   "ring",
			Name:        "lookup_misses_total",
			ConstLabels: labels,
			Help:        "Keyed lookups that found nothing",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "termstream",
			Subsystem:   "ring",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of entries in the ring",
		}),
	}

	if err := registry.RegisterCounter(prefix, "ring_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "ring_overwrites", m.overwrites); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "ring_hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "ring_misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "ring_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ringMetrics) recordWrite(size int, overwrote bool) {
	if m == nil {
		return
	}
	m.writes.Inc()
	if overwrote {
		m.overwrites.Inc()
	}
	m.size.Set(float64(size))
}

func (m *ringMetrics) recordLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.hits.Inc()
		return
	}
	m.misses.Inc()
}
