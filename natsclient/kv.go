package natsclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/termstream/errors"
)

// KVEntry is a KV value with its revision
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operations behavior
type KVOptions struct {
	Timeout      time.Duration // Per-operation timeout
	MaxValueSize int           // Largest value Put accepts
}

// DefaultKVOptions returns the defaults used by NewKVStore
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout:      2 * time.Second,
		MaxValueSize: 1024 * 1024,
	}
}

// KVStore provides bounded-time KV operations over a bucket
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
}

// NewKVStore wraps bucket with per-operation timeouts
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{bucket: bucket, options: options}
}

// Bucket returns the bucket name
func (kv *KVStore) Bucket() string {
	return kv.bucket.Bucket()
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value and its revision
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, errors.WrapTransient(err, "KVStore", "Get", "get "+key)
	}

	return &KVEntry{
		Key:      entry.Key(),
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Put stores a value, overwriting any existing one
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return 0, errors.WrapInvalid(ErrKVValueTooLarge, "KVStore", "Put",
			fmt.Sprintf("put %s (%d bytes, limit %d)", key, len(value), kv.options.MaxValueSize))
	}

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "KVStore", "Put", "put "+key)
	}
	return rev, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil && !IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "KVStore", "Delete", "delete "+key)
	}
	return nil
}

// Watch creates a watcher for key changes. No timeout applies; the watcher
// lives until ctx ends or Stop is called.
func (kv *KVStore) Watch(ctx context.Context, pattern string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	watcher, err := kv.bucket.Watch(ctx, pattern, opts...)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "Watch", "watch "+pattern)
	}
	return watcher, nil
}

// IsKVNotFoundError checks if error indicates key not found
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVKeyNotFound) || errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// KV errors. A missing key is errors.ErrKeyNotFound; an oversized value is
// invalid data.
var (
	ErrKVKeyNotFound   = fmt.Errorf("kv: %w", errors.ErrKeyNotFound)
	ErrKVValueTooLarge = fmt.Errorf("kv: value too large: %w", errors.ErrInvalidData)
)
