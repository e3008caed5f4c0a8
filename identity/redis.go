package identity

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/pkg/codec"
)

// RedisClient is the subset of go-redis the cache uses
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var _ RedisClient = (*redis.Client)(nil)

// RedisCache is a SharedCache on Redis. Entries expire with SET EX; deletes
// are announced on a pub/sub channel.
type RedisCache struct {
	client  RedisClient
	prefix  string
	channel string
	ttl     time.Duration
	logger  *slog.Logger
}

// RedisOptions configures a RedisCache
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Channel   string
	TTL       time.Duration
}

// NewRedisCache dials Redis and verifies the connection
func NewRedisCache(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(err, "RedisCache", "NewRedisCache", "ping "+opts.Addr)
	}
	return NewRedisCacheWithClient(client, opts, logger), nil
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client RedisClient, opts RedisOptions, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{
		client:  client,
		prefix:  opts.KeyPrefix,
		channel: opts.Channel,
		ttl:     opts.TTL,
		logger:  logger.With("component", "identity-redis"),
	}
}

func (c *RedisCache) key(serial string) string {
	return c.prefix + encodeKey(serial)
}

// Get implements SharedCache
func (c *RedisCache) Get(ctx context.Context, serial string) (*DeviceIdentity, error) {
	data, err := c.client.Get(ctx, c.key(serial)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "RedisCache", "Get", "read "+serial)
	}

	var device DeviceIdentity
	if err := codec.Unmarshal(data, &device); err != nil {
		return nil, errors.WrapInvalid(errors.ErrDataCorrupted, "RedisCache", "Get", "decode "+serial)
	}
	return &device, nil
}

// Set implements SharedCache
func (c *RedisCache) Set(ctx context.Context, device DeviceIdentity) error {
	data, err := codec.Marshal(device)
	if err != nil {
		return errors.WrapInvalid(err, "RedisCache", "Set", "encode device")
	}
	if err := c.client.Set(ctx, c.key(device.SerialNumber), data, c.ttl).Err(); err != nil {
		return errors.WrapTransient(err, "RedisCache", "Set", "write "+device.SerialNumber)
	}
	return nil
}

// Delete implements SharedCache
func (c *RedisCache) Delete(ctx context.Context, serial string) error {
	if err := c.client.Del(ctx, c.key(serial)).Err(); err != nil {
		return errors.WrapTransient(err, "RedisCache", "Delete", "delete "+serial)
	}
	if c.channel == "" {
		return nil
	}
	if err := c.client.Publish(ctx, c.channel, serial).Err(); err != nil {
		return errors.WrapTransient(err, "RedisCache", "Delete", "announce "+serial)
	}
	return nil
}

// Invalidations implements SharedCache
func (c *RedisCache) Invalidations(ctx context.Context) (<-chan string, error) {
	if c.channel == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "RedisCache", "Invalidations", "no channel configured")
	}

	sub := c.client.Subscribe(ctx, c.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.WrapTransient(err, "RedisCache", "Invalidations", "subscribe "+c.channel)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close implements SharedCache
func (c *RedisCache) Close() error {
	return c.client.Close()
}
