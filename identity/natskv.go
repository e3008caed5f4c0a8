package identity

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/pkg/codec"
	"github.com/c360/termstream/natsclient"
)

// KVCache is a SharedCache on a NATS JetStream KV bucket. Entry lifetime is
// the bucket TTL; deletes are observed by every process through a watch.
type KVCache struct {
	store  *natsclient.KVStore
	logger *slog.Logger
}

// NewKVCache creates or binds the bucket and returns a cache over it
func NewKVCache(ctx context.Context, client *natsclient.Client, bucket string, ttl time.Duration, logger *slog.Logger) (*KVCache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "termstream device identity cache",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVCache", "NewKVCache", "create bucket "+bucket)
	}

	return &KVCache{
		store:  client.NewKVStore(kv),
		logger: logger.With("component", "identity-kv", "bucket", bucket),
	}, nil
}

// Get implements SharedCache
func (c *KVCache) Get(ctx context.Context, serial string) (*DeviceIdentity, error) {
	entry, err := c.store.Get(ctx, encodeKey(serial))
	if err != nil {
		if errors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVCache", "Get", "read "+serial)
	}

	var device DeviceIdentity
	if err := codec.Unmarshal(entry.Value, &device); err != nil {
		return nil, errors.WrapInvalid(errors.ErrDataCorrupted, "KVCache", "Get", "decode "+serial)
	}
	return &device, nil
}

// Set implements SharedCache
func (c *KVCache) Set(ctx context.Context, device DeviceIdentity) error {
	data, err := codec.Marshal(device)
	if err != nil {
		return errors.WrapInvalid(err, "KVCache", "Set", "encode device")
	}
	if _, err := c.store.Put(ctx, encodeKey(device.SerialNumber), data); err != nil {
		return errors.WrapTransient(err, "KVCache", "Set", "write "+device.SerialNumber)
	}
	return nil
}

// Delete implements SharedCache
func (c *KVCache) Delete(ctx context.Context, serial string) error {
	if err := c.store.Delete(ctx, encodeKey(serial)); err != nil {
		return errors.WrapTransient(err, "KVCache", "Delete", "delete "+serial)
	}
	return nil
}

// Invalidations implements SharedCache. Only deletes and purges are
// reported; puts refresh rather than invalidate.
func (c *KVCache) Invalidations(ctx context.Context) (<-chan string, error) {
	watcher, err := c.store.Watch(ctx, ">", jetstream.UpdatesOnly())
	if err != nil {
		return nil, errors.WrapTransient(err, "KVCache", "Invalidations", "watch bucket")
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer func() {
			if err := watcher.Stop(); err != nil {
				c.logger.Debug("Stopping KV watch failed", "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				switch entry.Operation() {
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
					select {
					case out <- decodeKey(entry.Key()):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// Close implements SharedCache. The bucket outlives the process.
func (c *KVCache) Close() error { return nil }
