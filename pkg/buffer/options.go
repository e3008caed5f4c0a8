package buffer

import (
	"github.com/c360/termstream/metric"
)

// Option configures a Ring.
type Option[T any] func(*ringOptions[T])

type ringOptions[T any] struct {
	onOverwrite   func(key string, item T)
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithOverwriteCallback is invoked, outside the ring lock, for each entry
// pushed out by a newer write.
func WithOverwriteCallback[T any](fn func(key string, item T)) Option[T] {
	return func(opts *ringOptions[T]) {
		opts.onOverwrite = fn
	}
}

// WithMetrics exports ring statistics under the given component label.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(opts *ringOptions[T]) {
		opts.metricsReg = registry
		opts.metricsPrefix = prefix
	}
}
