package cache

import (
	"time"

	"github.com/c360/termstream/metric"
)

// Option configures cache behavior using the functional options pattern.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	metricsReg      *metric.MetricsRegistry
	metricsPrefix   string
	evictCallback   EvictCallback[V]
	cleanupInterval time.Duration
	clock           func() time.Time
}

// WithMetrics enables Prometheus export of cache statistics.
// A nil registry or empty prefix leaves metrics disabled.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a callback invoked after entries are removed.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

// WithCleanupInterval starts a janitor that purges expired entries.
// Intervals <= 0 leave expiry lazy.
func WithCleanupInterval[V any](interval time.Duration) Option[V] {
	return func(opts *cacheOptions[V]) {
		if interval > 0 {
			opts.cleanupInterval = interval
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock[V any](clock func() time.Time) Option[V] {
	return func(opts *cacheOptions[V]) {
		if clock != nil {
			opts.clock = clock
		}
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{clock: time.Now}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
