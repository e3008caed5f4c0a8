package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/metric"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestBounded_BasicOperations(t *testing.T) {
	c, err := NewBounded[string](context.Background(), 10, 0)
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get("key1")
	assert.False(t, ok)

	created, err := c.Set("key1", "value1")
	require.NoError(t, err)
	assert.True(t, created)

	v, ok := c.Get("key1")
	assert.True(t, ok)
	assert.Equal(t, "value1", v)

	created, err = c.Set("key1", "value1-updated")
	require.NoError(t, err)
	assert.False(t, created)

	deleted, err := c.Delete("key1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.Delete("key1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = c.Set("", "x")
	assert.Error(t, err)
}

func TestBounded_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	var mu sync.Mutex
	evicted := map[string]EvictReason{}

	c, err := NewBounded[int](context.Background(), 2, 0,
		WithEvictionCallback(func(key string, _ int, reason EvictReason) {
			mu.Lock()
			evicted[key] = reason
			mu.Unlock()
		}))
	require.NoError(t, err)

	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)
	_, _ = c.Get("a") // b becomes least recently used
	_, _ = c.Set("c", 3)

	assert.Equal(t, 2, c.Size())
	_, ok := c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"c", "a"}, c.Keys())

	mu.Lock()
	assert.Equal(t, EvictCapacity, evicted["b"])
	mu.Unlock()
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestBounded_TTLExpiry(t *testing.T) {
	clock := newFakeClock()
	c, err := NewBounded[string](context.Background(), 10, time.Minute, WithClock[string](clock.Now))
	require.NoError(t, err)

	_, _ = c.Set("short", "v")
	_, _ = c.SetWithTTL("long", "v", time.Hour)
	_, _ = c.SetWithTTL("forever", "v", 0)

	clock.Advance(2 * time.Minute)

	_, ok := c.Get("short")
	assert.False(t, ok, "entry past default ttl must miss")
	_, ok = c.Get("long")
	assert.True(t, ok)

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, c.PurgeExpired())
	assert.Equal(t, []string{"forever"}, c.Keys())
}

func TestBounded_Janitor(t *testing.T) {
	c, err := NewBounded[string](context.Background(), 10, 10*time.Millisecond,
		WithCleanupInterval[string](5*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	_, _ = c.Set("k", "v")
	assert.Eventually(t, func() bool { return c.Size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBounded_CallbackMayReenterCache(t *testing.T) {
	var c *Bounded[int]
	var err error
	c, err = NewBounded[int](context.Background(), 1, 0,
		WithEvictionCallback(func(key string, _ int, _ EvictReason) {
			_ = c.Size()
		}))
	require.NoError(t, err)

	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)
	_ = c.Clear()
	assert.Equal(t, 0, c.Size())
}

func TestBounded_Concurrent(t *testing.T) {
	c, err := NewBounded[int](context.Background(), 64, time.Minute)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (g*31+i)%128)
				_, _ = c.Set(key, i)
				_, _ = c.Get(key)
				if i%7 == 0 {
					_, _ = c.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), 64)
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()

	disabled, err := NewFromConfig[string](ctx, Config{Enabled: false})
	require.NoError(t, err)
	_, _ = disabled.Set("k", "v")
	_, ok := disabled.Get("k")
	assert.False(t, ok)
	assert.Nil(t, disabled.Stats())

	_, err = NewFromConfig[string](ctx, Config{Enabled: true, MaxSize: 0})
	assert.Error(t, err)

	enabled, err := NewFromConfig[string](ctx, DefaultConfig())
	require.NoError(t, err)
	defer enabled.Close()
	_, _ = enabled.Set("k", "v")
	_, ok = enabled.Get("k")
	assert.True(t, ok)
}

func TestBounded_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewBounded[string](context.Background(), 4, 0, WithMetrics[string](registry, "test_l1"))
	require.NoError(t, err)

	_, _ = c.Set("k", "v")
	_, _ = c.Get("k")
	_, _ = c.Get("missing")

	summary := c.Stats().Summary()
	assert.Equal(t, int64(1), summary.Hits)
	assert.Equal(t, int64(1), summary.Misses)
	assert.InDelta(t, 0.5, summary.HitRatio, 0.0001)

	_, err = NewBounded[string](context.Background(), 4, 0, WithMetrics[string](registry, "test_l1"))
	assert.Error(t, err, "second cache with the same prefix must not share counters")
}
