package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizdesk/entitlement-engine/internal/config"
)

type testStruct struct {
	Name string
	Hits int
}

func setupTestCache(t *testing.T) *Cache {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	t.Cleanup(func() { mr.Close() })

	cfg := config.RedisConnection{
		AddressRedis: mr.Addr(),
		Password:     "",
		DB:           0,
		User:         "",
	}

	cache, err := InitServer(context.Background(), cfg)
	require.NoError(t, err)
	return cache
}

func TestSetAndGet(t *testing.T) {
	cache := setupTestCache(t)

	in := testStruct{Name: "tickets", Hits: 3}
	require.NoError(t, cache.Set("entitlement:test", in, time.Minute))

	var out testStruct
	found, err := cache.Get("entitlement:test", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestGet_Missing(t *testing.T) {
	cache := setupTestCache(t)

	var out testStruct
	found, err := cache.Get("missing-key", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInvalidate(t *testing.T) {
	cache := setupTestCache(t)

	require.NoError(t, cache.Set("key", testStruct{Name: "x"}, time.Minute))
	require.NoError(t, cache.Invalidate("key"))

	var out testStruct
	found, err := cache.Get("key", &out)
	require.NoError(t, err)
	assert.False(t, found)
}
