// Package cache provides the process-local, bounded cache used as the first
// tier in front of shared caches.
//
// A Bounded cache combines LRU eviction (capacity) with per-entry expiry (TTL).
// Entries expire lazily on read and, when a cleanup interval is configured,
// eagerly from a janitor goroutine. Every removal reports an EvictReason to the
// optional eviction callback; callbacks run outside the cache lock so they may
// call back into the cache.
//
// Statistics are always collected. Prometheus export is opt-in via WithMetrics.
//
//	l1, err := cache.NewBounded[Device](ctx, 1024, 30*time.Second,
//	    cache.WithMetrics[Device](registry, "identity_l1"))
package cache
