package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/termstream/errors"
)

// Config contains configuration for a bounded cache.
type Config struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	MaxSize         int           `json:"max_size" yaml:"max_size"`
	TTL             time.Duration `json:"ttl" yaml:"ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// DefaultConfig returns the L1 defaults: small and short-lived.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MaxSize:         4096,
		TTL:             30 * time.Second,
		CleanupInterval: time.Minute,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("max_size must be positive, got %d", c.MaxSize))
	}
	if c.TTL < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("ttl cannot be negative, got %v", c.TTL))
	}
	if c.CleanupInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("cleanup_interval cannot be negative, got %v", c.CleanupInterval))
	}
	return nil
}

// NewFromConfig creates a cache from configuration. A disabled config yields
// a noop cache so callers never branch on nil.
func NewFromConfig[V any](ctx context.Context, config Config, options ...Option[V]) (Cache[V], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !config.Enabled {
		return NewNoop[V](), nil
	}

	options = append(options, WithCleanupInterval[V](config.CleanupInterval))
	c, err := NewBounded[V](ctx, config.MaxSize, config.TTL, options...)
	if err != nil {
		return nil, err
	}
	return c, nil
}
