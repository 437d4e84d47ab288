package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CountsKey is the cache key holding a raffle's aggregate counts.
func CountsKey(raffleID string) string {
	return "counts:" + raffleID
}

// Cache is the external key-value store used for counts.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisCache implements Cache on Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to the Redis instance at url (redis://...).
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// NopCache never hits and accepts every write. Used when no Redis is
// configured.
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (NopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NopCache) Del(context.Context, ...string) error { return nil }

// CacheBridge forwards invalidations to the cache from a buffered outbox.
// Invalidate never blocks: when the outbox is full the event is dropped and
// the counts TTL bounds how stale the cache can get.
type CacheBridge struct {
	cache   Cache
	outbox  chan []string
	timeout time.Duration
	logger  *zap.Logger
}

// NewCacheBridge creates a bridge with room for size pending events.
func NewCacheBridge(cache Cache, size int, logger *zap.Logger) *CacheBridge {
	if size <= 0 {
		size = 256
	}
	return &CacheBridge{
		cache:   cache,
		outbox:  make(chan []string, size),
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

func (b *CacheBridge) Invalidate(raffleIDs ...string) {
	if len(raffleIDs) == 0 {
		return
	}
	keys := make([]string, len(raffleIDs))
	for i, id := range raffleIDs {
		keys[i] = CountsKey(id)
	}
	select {
	case b.outbox <- keys:
	default:
		b.logger.Warn("cache invalidation dropped, outbox full", zap.Strings("keys", keys))
	}
}

// Run drains the outbox until ctx is done. Events queued together are sent
// as one DEL.
func (b *CacheBridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.flush()
			return
		case keys := <-b.outbox:
			b.send(b.collect(keys))
		}
	}
}

func (b *CacheBridge) collect(first []string) []string {
	seen := make(map[string]struct{}, len(first))
	keys := make([]string, 0, len(first))
	add := func(ks []string) {
		for _, k := range ks {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	add(first)
	for {
		select {
		case more := <-b.outbox:
			add(more)
		default:
			return keys
		}
	}
}

func (b *CacheBridge) flush() {
	select {
	case keys := <-b.outbox:
		b.send(b.collect(keys))
	default:
	}
}

func (b *CacheBridge) send(keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.cache.Del(ctx, keys...); err != nil {
		b.logger.Warn("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
		return
	}
	b.logger.Debug("cache invalidated", zap.Strings("keys", keys))
}
