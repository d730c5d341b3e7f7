package budget

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements CacheStore on a Redis connection. Running totals are
// stored as stringified floats and incremented atomically with INCRBYFLOAT.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) GetFloat(ctx context.Context, key string) (float64, bool, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (c *RedisCache) SetFloatWithTTL(ctx context.Context, key string, value float64, ttl time.Duration) error {
	return c.client.Set(ctx, key, strconv.FormatFloat(value, 'f', -1, 64), ttl).Err()
}

func (c *RedisCache) IncrementFloat(ctx context.Context, key string, delta float64) error {
	return c.client.IncrByFloat(ctx, key, delta).Err()
}
