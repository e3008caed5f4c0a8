package identity

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/pkg/cache"
)

// DefaultDirectoryTimeout bounds a single directory call
const DefaultDirectoryTimeout = 500 * time.Millisecond

// Resolver looks up devices through L1, L2 and the directory
type Resolver struct {
	l1        cache.Cache[DeviceIdentity]
	l2        SharedCache
	directory Directory
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metric.Metrics
}

// Option configures a Resolver
type Option func(*Resolver)

// WithSharedCache sets the L2 tier. Without one L2 is skipped.
func WithSharedCache(l2 SharedCache) Option {
	return func(r *Resolver) { r.l2 = l2 }
}

// WithDirectory sets the authoritative lookup. Without one misses stay misses.
func WithDirectory(dir Directory) Option {
	return func(r *Resolver) { r.directory = dir }
}

// WithDirectoryTimeout bounds each directory call
func WithDirectoryTimeout(timeout time.Duration) Option {
	return func(r *Resolver) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records lookups by answering tier
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Resolver) {
		if registry != nil {
			r.metrics = registry.CoreMetrics()
		}
	}
}

// NewResolver creates a resolver over the given L1 cache
func NewResolver(l1 cache.Cache[DeviceIdentity], opts ...Option) *Resolver {
	if l1 == nil {
		l1 = cache.NewNoop[DeviceIdentity]()
	}
	r := &Resolver{
		l1:      l1,
		timeout: DefaultDirectoryTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "identity")
	return r
}

// GetDeviceBySerial returns the identity for serial, or nil when no tier
// knows it or the tiers that might are unavailable.
func (r *Resolver) GetDeviceBySerial(ctx context.Context, serial string) *DeviceIdentity {
	device, _ := r.Resolve(ctx, serial)
	return device
}

// Resolve is GetDeviceBySerial that also reports which tier answered
func (r *Resolver) Resolve(ctx context.Context, serial string) (*DeviceIdentity, Tier) {
	serial = normalizeSerial(serial)
	if serial == "" {
		return nil, TierMiss
	}

	if device, ok := r.l1.Get(serial); ok {
		r.count(TierL1)
		return &device, TierL1
	}

	if r.l2 != nil {
		device, err := r.l2.Get(ctx, serial)
		switch {
		case err != nil:
			r.logger.Warn("L2 lookup failed, continuing to directory", "serial", serial, "error", err)
		case device != nil:
			r.fillL1(*device)
			r.count(TierL2)
			return device, TierL2
		}
	}

	device := r.lookupDirectory(ctx, serial)
	if device == nil {
		r.count(TierMiss)
		return nil, TierMiss
	}

	if r.l2 != nil {
		if err := r.l2.Set(ctx, *device); err != nil {
			r.logger.Warn("L2 populate failed", "serial", serial, "error", err)
		}
	}
	r.fillL1(*device)
	r.count(TierDirectory)
	return device, TierDirectory
}

func (r *Resolver) lookupDirectory(ctx context.Context, serial string) *DeviceIdentity {
	if r.directory == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		device *DeviceIdentity
		err    error
	}
	done := make(chan result, 1)
	go func() {
		device, err := r.directory.Lookup(ctx, serial)
		done <- result{device, err}
	}()

	// A directory that ignores ctx must still not hold the caller past the timeout.
	select {
	case res := <-done:
		if res.err != nil {
			r.logger.Warn("Device directory unavailable", "serial", serial, "error", res.err)
			return nil
		}
		if res.device != nil {
			res.device.SerialNumber = normalizeSerial(res.device.SerialNumber)
			if res.device.SerialNumber == "" {
				res.device.SerialNumber = serial
			}
		}
		return res.device
	case <-ctx.Done():
		r.logger.Warn("Device directory timed out", "serial", serial, "timeout", r.timeout)
		return nil
	}
}

// CacheDevice writes device through L2 and L1
func (r *Resolver) CacheDevice(ctx context.Context, device DeviceIdentity) error {
	device.SerialNumber = normalizeSerial(device.SerialNumber)
	if device.SerialNumber == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Resolver", "CacheDevice", "device without serial")
	}

	var err error
	if r.l2 != nil {
		if err = r.l2.Set(ctx, device); err != nil {
			r.logger.Warn("L2 write failed, caching locally only", "serial", device.SerialNumber, "error", err)
		}
	}
	r.fillL1(device)
	return err
}

// Evict removes serial from L2, which other processes observe, and from L1
func (r *Resolver) Evict(ctx context.Context, serial string) error {
	serial = normalizeSerial(serial)
	if serial == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Resolver", "Evict", "empty serial")
	}

	var err error
	if r.l2 != nil {
		err = r.l2.Delete(ctx, serial)
	}
	if _, l1Err := r.l1.Delete(serial); l1Err != nil && err == nil {
		err = l1Err
	}
	return err
}

// Watch drops L1 entries that any process invalidated in L2. It returns when
// ctx ends or the L2 stream closes.
func (r *Resolver) Watch(ctx context.Context) error {
	if r.l2 == nil {
		<-ctx.Done()
		return nil
	}

	serials, err := r.l2.Invalidations(ctx)
	if err != nil {
		return errors.Wrap(err, "Resolver", "Watch", "subscribe invalidations")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case serial, ok := <-serials:
			if !ok {
				return nil
			}
			if _, err := r.l1.Delete(serial); err != nil {
				r.logger.Debug("L1 invalidation failed", "serial", serial, "error", err)
			}
		}
	}
}

// ResetL1 drops every L1 entry. Invalidations published while this process
// was cut off from L2 are lost, so L1 restarts cold after a reconnect.
func (r *Resolver) ResetL1() {
	n := r.l1.Size()
	if err := r.l1.Clear(); err != nil {
		r.logger.Warn("L1 reset failed", "error", err)
		return
	}
	r.logger.Info("L1 reset", "dropped", n)
}

// Close releases the cache tiers
func (r *Resolver) Close() error {
	l1Err := r.l1.Close()
	if r.l2 != nil {
		return errors.Join(l1Err, r.l2.Close())
	}
	return l1Err
}

func (r *Resolver) fillL1(device DeviceIdentity) {
	device.SerialNumber = normalizeSerial(device.SerialNumber)
	if _, err := r.l1.Set(device.SerialNumber, device); err != nil {
		r.logger.Debug("L1 populate failed", "serial", device.SerialNumber, "error", err)
	}
}

// normalizeSerial is the key form every tier stores serials under
func normalizeSerial(serial string) string {
	return strings.TrimSpace(serial)
}

func (r *Resolver) count(tier Tier) {
	if r.metrics != nil {
		r.metrics.IdentityLookups.WithLabelValues(string(tier)).Inc()
	}
}
