// Package retry runs an operation with exponential backoff while its errors
// stay transient. Invalid and fatal errors, as classified by the errors
// package, end the loop at once.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/c360/termstream/errors"
)

// Config tunes the backoff loop
type Config struct {
	MaxAttempts  int           // 0 or 1 runs the operation once
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap on any single delay
	Multiplier   float64       // growth factor per attempt
	Jitter       bool          // add up to 25% random delay

	// Retryable overrides the default classification check
	Retryable func(error) bool
}

// DefaultConfig suits a network call that must finish within a request
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Startup suits waiting for a backend that is still coming up
func Startup() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   1.5,
		Jitter:       true,
	}
}

func (c Config) normalize() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 50 * time.Millisecond
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	if c.Retryable == nil {
		c.Retryable = transient
	}
	return c
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Classify(err) == errors.ErrorTransient
}

// Do runs fn until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx ends. The last error from fn is always wrapped in the result.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = cfg.normalize()
	delay := cfg.InitialDelay

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !cfg.Retryable(lastErr) || attempt >= cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.Jitter && delay >= 4 {
			wait += rand.N(delay / 4)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, lastErr)
		case <-timer.C:
		}

		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	if cfg.MaxAttempts == 1 {
		return lastErr
	}
	return fmt.Errorf("retry gave up: %w", lastErr)
}

// DoWithResult is Do for operations that return a value
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}
