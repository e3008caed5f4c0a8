package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/termstream/errors"
)

type boundedEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time // zero means no expiry
}

func (e *boundedEntry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type eviction[V any] struct {
	key    string
	value  V
	reason EvictReason
}

// Bounded is a thread-safe cache with LRU capacity eviction and per-entry TTL.
type Bounded[V any] struct {
	mu         sync.Mutex
	maxSize    int
	defaultTTL time.Duration
	items      map[string]*list.Element
	order      *list.List // front = most recently used
	now        func() time.Time
	stats      *Statistics
	metrics    *cacheMetrics
	evictFn    EvictCallback[V]

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Cache[int] = (*Bounded[int])(nil)

// NewBounded creates a cache holding at most maxSize entries, each living for
// defaultTTL unless set with an explicit TTL. A zero defaultTTL disables expiry.
func NewBounded[V any](ctx context.Context, maxSize int, defaultTTL time.Duration, options ...Option[V]) (*Bounded[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewBounded",
			fmt.Sprintf("max size must be positive, got %d", maxSize))
	}
	if defaultTTL < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewBounded",
			fmt.Sprintf("ttl cannot be negative, got %v", defaultTTL))
	}

	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewBounded", "metrics registration")
		}
	}

	c := &Bounded[V]{
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		items:      make(map[string]*list.Element, maxSize),
		order:      list.New(),
		now:        opts.clock,
		stats:      NewStatistics(),
		metrics:    metrics,
		evictFn:    opts.evictCallback,
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	if opts.cleanupInterval > 0 {
		go c.janitor(ctx, opts.cleanupInterval)
	} else {
		close(c.done)
	}

	return c, nil
}

// Get retrieves a live value and marks it most recently used.
func (c *Bounded[V]) Get(key string) (V, bool) {
	var value V
	var evicted []eviction[V]

	c.mu.Lock()
	element, ok := c.items[key]
	if ok {
		entry := element.Value.(*boundedEntry[V])
		if entry.expired(c.now()) {
			evicted = append(evicted, c.removeLocked(element, EvictExpired))
			ok = false
		} else {
			c.order.MoveToFront(element)
			value = entry.value
		}
	}
	c.mu.Unlock()

	if ok {
		c.stats.Hit()
		c.metrics.recordHit()
	} else {
		c.stats.Miss()
		c.metrics.recordMiss()
	}
	c.notify(evicted)
	return value, ok
}

// Set stores a value with the default TTL.
func (c *Bounded[V]) Set(key string, value V) (bool, error) {
	return c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value with an explicit TTL. A zero TTL never expires.
func (c *Bounded[V]) SetWithTTL(key string, value V, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl < 0 {
		return false, errors.WrapInvalid(errors.ErrInvalidData, "cache", "SetWithTTL", "negative ttl")
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	var evicted []eviction[V]
	created := false

	c.mu.Lock()
	if element, exists := c.items[key]; exists {
		entry := element.Value.(*boundedEntry[V])
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(element)
	} else {
		created = true
		c.items[key] = c.order.PushFront(&boundedEntry[V]{key: key, value: value, expiresAt: expiresAt})
		for len(c.items) > c.maxSize {
			evicted = append(evicted, c.removeLocked(c.order.Back(), EvictCapacity))
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordSet()
	c.metrics.updateSize(size)
	c.notify(evicted)

	return created, nil
}

// Delete removes an entry by key.
func (c *Bounded[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return false, nil
	}
	ev := c.removeLocked(element, EvictDeleted)
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Delete()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordDelete()
	c.metrics.updateSize(size)
	c.notify([]eviction[V]{ev})

	return true, nil
}

// Clear removes all entries from the cache.
func (c *Bounded[V]) Clear() error {
	c.mu.Lock()
	evicted := make([]eviction[V], 0, len(c.items))
	for element := c.order.Back(); element != nil; element = element.Prev() {
		entry := element.Value.(*boundedEntry[V])
		evicted = append(evicted, eviction[V]{key: entry.key, value: entry.value, reason: EvictCleared})
	}
	c.items = make(map[string]*list.Element, c.maxSize)
	c.order.Init()
	c.mu.Unlock()

	c.stats.UpdateSize(0)
	c.metrics.updateSize(0)
	c.notify(evicted)
	return nil
}

// Size returns the current number of entries, including expired ones not yet purged.
func (c *Bounded[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns live keys in LRU order (most recently used first).
func (c *Bounded[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		entry := element.Value.(*boundedEntry[V])
		if !entry.expired(now) {
			keys = append(keys, entry.key)
		}
	}
	return keys
}

// Stats returns cache statistics.
func (c *Bounded[V]) Stats() *Statistics {
	return c.stats
}

// PurgeExpired removes every expired entry and returns how many were removed.
func (c *Bounded[V]) PurgeExpired() int {
	now := c.now()

	c.mu.Lock()
	var evicted []eviction[V]
	for element := c.order.Front(); element != nil; {
		next := element.Next()
		if element.Value.(*boundedEntry[V]).expired(now) {
			evicted = append(evicted, c.removeLocked(element, EvictExpired))
		}
		element = next
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(evicted) > 0 {
		c.stats.UpdateSize(int64(size))
		c.metrics.updateSize(size)
	}
	c.notify(evicted)
	return len(evicted)
}

// Close stops the janitor goroutine, if any.
func (c *Bounded[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cache janitor to finish")
	}
}

// removeLocked unlinks element. Must be called with mu held; the returned
// eviction is delivered by notify after the lock is released.
func (c *Bounded[V]) removeLocked(element *list.Element, reason EvictReason) eviction[V] {
	entry := element.Value.(*boundedEntry[V])
	delete(c.items, entry.key)
	c.order.Remove(element)

	if reason == EvictCapacity || reason == EvictExpired {
		c.stats.Eviction()
		c.metrics.recordEviction()
	}
	return eviction[V]{key: entry.key, value: entry.value, reason: reason}
}

func (c *Bounded[V]) notify(evicted []eviction[V]) {
	if c.evictFn == nil {
		return
	}
	for _, ev := range evicted {
		c.evictFn(ev.key, ev.value, ev.reason)
	}
}

func (c *Bounded[V]) janitor(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.PurgeExpired()
		}
	}
}
