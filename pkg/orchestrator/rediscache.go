package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisResultCache implements ResultCache on a Redis connection.
type RedisResultCache struct {
	client redis.UniversalClient
}

// NewRedisResultCache wraps an existing Redis client.
func NewRedisResultCache(client redis.UniversalClient) *RedisResultCache {
	return &RedisResultCache{client: client}
}

func (c *RedisResultCache) Get(ctx context.Context, key string) (string, bool, error) {
	raw, err := c.client.Get(ctx, "result:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return raw, true, nil
}

func (c *RedisResultCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, "result:"+key, value, ttl).Err()
}
