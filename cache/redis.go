package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores entries in redis under "<cache name>:<key>", without expiry.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client) RedisCache {
	return RedisCache{client: client}
}

// NewRedisCacheFromURL connects to the redis server at the given redis:// URL.
func NewRedisCacheFromURL(rawURL string) (RedisCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return RedisCache{}, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisCache(redis.NewClient(opts)), nil
}

func (c RedisCache) Match(ctx context.Context, cacheName, key string) ([]byte, bool, error) {
	bytes, err := c.client.Get(ctx, redisKey(cacheName, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (c RedisCache) Put(ctx context.Context, cacheName, key string, bytes []byte) error {
	return c.client.Set(ctx, redisKey(cacheName, key), bytes, 0).Err()
}

func (c RedisCache) Close() error {
	return c.client.Close()
}

func redisKey(cacheName, key string) string {
	return cacheName + ":" + key
}
