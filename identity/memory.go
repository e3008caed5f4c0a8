package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is an in-process SharedCache. It stands in for a shared
// backend in single-node deployments and tests.
type MemoryCache struct {
	mu       sync.RWMutex
	entries  map[string]memoryEntry
	ttl      time.Duration
	now      func() time.Time
	watchers map[chan string]struct{}
}

type memoryEntry struct {
	device  DeviceIdentity
	expires time.Time
}

// NewMemoryCache creates a memory-backed shared cache. ttl <= 0 disables expiry.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries:  make(map[string]memoryEntry),
		ttl:      ttl,
		now:      time.Now,
		watchers: make(map[chan string]struct{}),
	}
}

// Get implements SharedCache
func (m *MemoryCache) Get(_ context.Context, serial string) (*DeviceIdentity, error) {
	m.mu.RLock()
	entry, ok := m.entries[serial]
	m.mu.RUnlock()

	if !ok || (!entry.expires.IsZero() && m.now().After(entry.expires)) {
		return nil, nil
	}
	device := entry.device
	return &device, nil
}

// Set implements SharedCache
func (m *MemoryCache) Set(_ context.Context, device DeviceIdentity) error {
	entry := memoryEntry{device: device}
	if m.ttl > 0 {
		entry.expires = m.now().Add(m.ttl)
	}

	m.mu.Lock()
	m.entries[device.SerialNumber] = entry
	m.mu.Unlock()
	return nil
}

// Delete implements SharedCache
func (m *MemoryCache) Delete(_ context.Context, serial string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, serial)
	for ch := range m.watchers {
		select {
		case ch <- serial:
		default:
		}
	}
	return nil
}

// Invalidations implements SharedCache
func (m *MemoryCache) Invalidations(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 64)

	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// Close implements SharedCache
func (m *MemoryCache) Close() error { return nil }
