package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/c360/termstream/errors"
)

type slot[T any] struct {
	key  string
	item T
	used bool
}

// Ring is a thread-safe keyed circular buffer.
type Ring[T any] struct {
	mu       sync.RWMutex
	slots    []slot[T]
	index    map[string]int
	next     int
	size     int
	capacity int

	onOverwrite func(key string, item T)
	metrics     *ringMetrics

	writes     atomic.Int64
	overwrites atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
}

// Stats is a point-in-time snapshot of ring activity.
type Stats struct {
	Size       int   `json:"size"`
	Capacity   int   `json:"capacity"`
	Writes     int64 `json:"writes"`
	Overwrites int64 `json:"overwrites"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
}

// NewRing creates a ring holding at most capacity entries.
func NewRing[T any](capacity int, options ...Option[T]) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Ring", "NewRing", "capacity must be positive")
	}

	var opts ringOptions[T]
	for _, opt := range options {
		opt(&opts)
	}

	r := &Ring[T]{
		slots:       make([]slot[T], capacity),
		index:       make(map[string]int, capacity),
		capacity:    capacity,
		onOverwrite: opts.onOverwrite,
	}

	if opts.metricsReg != nil {
		m, err := newRingMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "Ring", "NewRing", "metrics registration")
		}
		r.metrics = m
	}

	return r, nil
}

// Put stores item under key. Writing an existing key replaces it in place.
func (r *Ring[T]) Put(key string, item T) {
	var (
		evicted   slot[T]
		overwrote bool
		sizeAfter int
	)

	r.mu.Lock()
	if pos, ok := r.index[key]; ok {
		r.slots[pos].item = item
		sizeAfter = r.size
		r.mu.Unlock()
		r.writes.Add(1)
		r.metrics.recordWrite(sizeAfter, false)
		return
	}

	pos := r.next
	if r.slots[pos].used {
		evicted = r.slots[pos]
		overwrote = true
		delete(r.index, evicted.key)
	} else {
		r.size++
	}
	r.slots[pos] = slot[T]{key: key, item: item, used: true}
	r.index[key] = pos
	r.next = (pos + 1) % r.capacity
	sizeAfter = r.size
	r.mu.Unlock()

	r.writes.Add(1)
	if overwrote {
		r.overwrites.Add(1)
		if r.onOverwrite != nil {
			r.onOverwrite(evicted.key, evicted.item)
		}
	}
	r.metrics.recordWrite(sizeAfter, overwrote)
}

// Get returns the entry stored under key, if it is still in the ring.
func (r *Ring[T]) Get(key string) (T, bool) {
	r.mu.RLock()
	pos, ok := r.index[key]
	var item T
	if ok {
		item = r.slots[pos].item
	}
	r.mu.RUnlock()

	if ok {
		r.hits.Add(1)
	} else {
		r.misses.Add(1)
	}
	r.metrics.recordLookup(ok)
	return item, ok
}

// Keys returns the keys currently held, newest first.
func (r *Ring[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, r.size)
	for i := 1; i <= r.capacity; i++ {
		pos := (r.next - i + r.capacity) % r.capacity
		if !r.slots[pos].used {
			break
		}
		keys = append(keys, r.slots[pos].key)
	}
	return keys
}

// Len returns the number of entries held.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of entries.
func (r *Ring[T]) Capacity() int {
	return r.capacity
}

// Stats returns a snapshot of ring counters.
func (r *Ring[T]) Stats() Stats {
	return Stats{
		Size:       r.Len(),
		Capacity:   r.capacity,
		Writes:     r.writes.Load(),
		Overwrites: r.overwrites.Load(),
		Hits:       r.hits.Load(),
		Misses:     r.misses.Load(),
	}
}
