package biometric

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists templates. Implementations keep a bounded history per
// (user, modality), newest last.
type Store interface {
	// Save appends t to the history of (t.UserID, t.Modality).
	Save(ctx context.Context, t Template) error
	// Active returns the newest non-expired template, or nil.
	Active(ctx context.Context, userID int64, modality Modality, now time.Time) (*Template, error)
	// Delete removes every template of (userID, modality) and returns how many.
	Delete(ctx context.Context, userID int64, modality Modality) (int, error)
	// DeleteExpired removes templates expired at now, counted per modality.
	DeleteExpired(ctx context.Context, now time.Time) (map[Modality]int, error)
	// Stats returns counts as of now. Snapshot consistency is enough.
	Stats(ctx context.Context, now time.Time) (Statistics, error)
	Close() error
}

// DefaultHistory is how many templates per (user, modality) are kept
const DefaultHistory = 3

const memoryShards = 32

type templateKey struct {
	userID   int64
	modality Modality
}

type memoryShard struct {
	mu        sync.RWMutex
	templates map[templateKey][]Template
}

// MemoryStore keeps templates in sharded maps. Each shard has its own lock,
// so Stats never holds the whole store.
type MemoryStore struct {
	shards  [memoryShards]*memoryShard
	history int
}

// NewMemoryStore creates an in-memory store keeping history templates per key
func NewMemoryStore(history int) *MemoryStore {
	if history <= 0 {
		history = DefaultHistory
	}
	s := &MemoryStore{history: history}
	for i := range s.shards {
		s.shards[i] = &memoryShard{templates: make(map[templateKey][]Template)}
	}
	return s
}

func (s *MemoryStore) shard(userID int64) *memoryShard {
	return s.shards[uint64(userID)%memoryShards]
}

// Save implements Store
func (s *MemoryStore) Save(_ context.Context, t Template) error {
	key := templateKey{t.UserID, t.Modality}
	sh := s.shard(t.UserID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	history := append(sh.templates[key], t)
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].RegisteredAt.Before(history[j].RegisteredAt)
	})
	if len(history) > s.history {
		history = append([]Template(nil), history[len(history)-s.history:]...)
	}
	sh.templates[key] = history
	return nil
}

// Active implements Store
func (s *MemoryStore) Active(_ context.Context, userID int64, modality Modality, now time.Time) (*Template, error) {
	sh := s.shard(userID)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	history := sh.templates[templateKey{userID, modality}]
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].Expired(now) {
			t := history[i]
			return &t, nil
		}
	}
	return nil, nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, userID int64, modality Modality) (int, error) {
	key := templateKey{userID, modality}
	sh := s.shard(userID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := len(sh.templates[key])
	delete(sh.templates, key)
	return n, nil
}

// DeleteExpired implements Store
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (map[Modality]int, error) {
	removed := make(map[Modality]int)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, history := range sh.templates {
			kept := history[:0]
			for _, t := range history {
				if t.Expired(now) {
					removed[t.Modality]++
					continue
				}
				kept = append(kept, t)
			}
			if len(kept) == 0 {
				delete(sh.templates, key)
			} else {
				sh.templates[key] = kept
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Stats implements Store
func (s *MemoryStore) Stats(_ context.Context, now time.Time) (Statistics, error) {
	stats := Statistics{PerModality: make(map[Modality]int)}
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, history := range sh.templates {
			for _, t := range history {
				stats.TotalTemplates++
				stats.PerModality[t.Modality]++
				if t.Expired(now) {
					stats.ExpiredPendingCleanup++
				}
			}
		}
		sh.mu.RUnlock()
	}
	return stats, nil
}

// Close implements Store
func (s *MemoryStore) Close() error { return nil }
