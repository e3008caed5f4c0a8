package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "termstream"

// Metrics contains the pipeline-level metrics shared across components
type Metrics struct {
	// Ingestion
	PushesReceived *prometheus.CounterVec
	PushesRejected *prometheus.CounterVec
	RouteDuration  *prometheus.HistogramVec

	// Identity resolution
	IdentityLookups      *prometheus.CounterVec
	IdentityDegradations prometheus.Counter

	// Matching
	MatchDuration     *prometheus.HistogramVec
	MatchDecisions    *prometheus.CounterVec
	CandidateFailures *prometheus.CounterVec

	// NATS
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		PushesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "pushes_received_total",
				Help:      "Terminal pushes received by ingress shape",
			},
			[]string{"shape"},
		),

		PushesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "pushes_rejected_total",
				Help:      "Terminal pushes rejected, by ingress shape and pipeline stage",
			},
			[]string{"shape", "stage"},
		),

		RouteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "route_duration_seconds",
				Help:      "End-to-end decode, identity and dispatch latency",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"shape", "status"},
		),

		IdentityLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "identity",
				Name:      "lookups_total",
				Help:      "Device identity lookups by answering tier (l1, l2, directory, miss)",
			},
			[]string{"tier"},
		),

		IdentityDegradations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "identity",
				Name:      "sentinel_fallbacks_total",
				Help:      "Pushes routed with the sentinel device id because the serial did not resolve",
			},
		),

		MatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "biometric",
				Name:      "match_duration_seconds",
				Help:      "Biometric verification and search latency",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"modality", "kind"},
		),

		MatchDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "biometric",
				Name:      "decisions_total",
				Help:      "Biometric match decisions",
			},
			[]string{"modality", "kind", "decision"},
		),

		CandidateFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "biometric",
				Name:      "candidate_failures_total",
				Help:      "1:N candidates excluded from ranking (timeout, corrupt, load error)",
			},
			[]string{"modality", "reason"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total NATS reconnections",
			},
		),
	}
}

func (m *Metrics) mustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		m.PushesReceived,
		m.PushesRejected,
		m.RouteDuration,
		m.IdentityLookups,
		m.IdentityDegradations,
		m.MatchDuration,
		m.MatchDecisions,
		m.CandidateFailures,
		m.NATSConnected,
		m.NATSReconnects,
	)
}

// ObserveRoute records the outcome of a routed push.
func (m *Metrics) ObserveRoute(shape, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RouteDuration.WithLabelValues(shape, status).Observe(elapsed.Seconds())
}

// RecordRejection counts a rejected push at the given stage.
func (m *Metrics) RecordRejection(shape, stage string) {
	if m == nil {
		return
	}
	m.PushesRejected.WithLabelValues(shape, stage).Inc()
}

// RecordReceived counts an accepted push request.
func (m *Metrics) RecordReceived(shape string) {
	if m == nil {
		return
	}
	m.PushesReceived.WithLabelValues(shape).Inc()
}
