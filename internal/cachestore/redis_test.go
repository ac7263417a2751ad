package cachestore

import (
	"context"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goliatone/go-offline-sync/cache"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a RedisStorage backed by an in-process miniredis server.
func setupTestRedis(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return NewRedisStorage(client, ""), mr
}

func TestRedisStorage_Contract(t *testing.T) {
	runStorageContract(t, func(t *testing.T) cache.Storage {
		s, _ := setupTestRedis(t)
		return s
	})
}

func TestRedisStorage_KeyLayout(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	gen, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)
	require.NoError(t, gen.Put(ctx, &cache.Entry{
		Key:    "https://app.example.com/app.js",
		Status: 200,
		Header: http.Header{"Cache-Control": []string{cache.ImmutableCacheControl}},
		Body:   []byte("console.log(1)"),
	}))

	assert.True(t, mr.Exists(DefaultRedisPrefix+"generations"))
	assert.True(t, mr.Exists(DefaultRedisPrefix+"gen:static-v1"))

	members, err := mr.Members(DefaultRedisPrefix + "generations")
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v1"}, members)

	got, err := gen.Match(ctx, "https://app.example.com/app.js")
	require.NoError(t, err)
	assert.Equal(t, cache.ImmutableCacheControl, got.Header.Get("Cache-Control"))
	assert.Equal(t, "console.log(1)", string(got.Body))
}

func TestRedisStorage_CustomPrefix(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStorage(client, "tenant-a:")
	_, err = s.Open(context.Background(), "data-v1")
	require.NoError(t, err)

	assert.True(t, mr.Exists("tenant-a:generations"))
	assert.False(t, mr.Exists(DefaultRedisPrefix+"generations"))
}
