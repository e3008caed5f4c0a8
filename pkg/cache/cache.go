package cache

import (
	"time"

	"github.com/c360/termstream/errors"
)

// Cache represents a generic cache keyed by string.
type Cache[V any] interface {
	// Get retrieves a live value by key.
	Get(key string) (V, bool)

	// Set stores a value with the cache's default TTL. Returns true if a new
	// entry was created, false if an existing one was replaced.
	Set(key string, value V) (bool, error)

	// SetWithTTL stores a value with an explicit TTL (0 means no expiry).
	SetWithTTL(key string, value V, ttl time.Duration) (bool, error)

	// Delete removes an entry. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the current number of entries, expired or not.
	Size() int

	// Keys returns the live keys, most recently used first.
	Keys() []string

	// Stats returns cache statistics, nil for caches that keep none.
	Stats() *Statistics

	// Close stops background work.
	Close() error
}

// EvictReason explains why an entry left the cache.
type EvictReason int

// Eviction reasons
const (
	EvictCapacity EvictReason = iota
	EvictExpired
	EvictDeleted
	EvictCleared
)

// String returns the string representation of EvictReason
func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictExpired:
		return "expired"
	case EvictDeleted:
		return "deleted"
	case EvictCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// EvictCallback is called after an entry has been removed from the cache.
type EvictCallback[V any] func(key string, value V, reason EvictReason)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}

// NewNoop creates a cache that stores nothing and always misses.
func NewNoop[V any]() Cache[V] {
	return noopCache[V]{}
}

type noopCache[V any] struct{}

func (noopCache[V]) Get(string) (V, bool) {
	var zero V
	return zero, false
}

func (noopCache[V]) Set(string, V) (bool, error)                       { return false, nil }
func (noopCache[V]) SetWithTTL(string, V, time.Duration) (bool, error) { return false, nil }
func (noopCache[V]) Delete(string) (bool, error)                       { return false, nil }
func (noopCache[V]) Clear() error                                      { return nil }
func (noopCache[V]) Size() int                                         { return 0 }
func (noopCache[V]) Keys() []string                                    { return nil }
func (noopCache[V]) Stats() *Statistics                                { return nil }
func (noopCache[V]) Close() error                                      { return nil }
