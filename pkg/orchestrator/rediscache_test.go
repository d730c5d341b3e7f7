package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisResultCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisResultCache(client)
	ctx := context.Background()

	_, found, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, cache.SetWithTTL(ctx, "abc", "raw model output", time.Hour))

	got, found, err := cache.Get(ctx, "abc")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "raw model output", got)

	// Entries expire with the TTL.
	mr.FastForward(2 * time.Hour)
	_, found, err = cache.Get(ctx, "abc")
	require.NoError(t, err)
	require.False(t, found)
}
