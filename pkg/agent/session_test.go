package agent

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSessionCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisSessionCache(client, time.Minute)
	ctx := context.Background()

	first, err := cache.GetOrCreate(ctx, "proj-1")
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	// stable across calls
	second, err := cache.GetOrCreate(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// distinct per project
	other, err := cache.GetOrCreate(ctx, "proj-2")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	// invalidation mints a new session
	require.NoError(t, cache.Invalidate(ctx, "proj-1"))
	third, err := cache.GetOrCreate(ctx, "proj-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestRedisSessionCacheExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisSessionCache(client, time.Minute)
	ctx := context.Background()

	first, err := cache.GetOrCreate(ctx, "proj-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	second, err := cache.GetOrCreate(ctx, "proj-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestLocalSessionCache(t *testing.T) {
	cache := NewLocalSessionCache(time.Minute)
	ctx := context.Background()

	first, err := cache.GetOrCreate(ctx, "proj-1")
	require.NoError(t, err)

	second, err := cache.GetOrCreate(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, cache.Invalidate(ctx, "proj-1"))
	third, err := cache.GetOrCreate(ctx, "proj-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}
