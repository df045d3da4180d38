package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	client, err := NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestNewClientFailsWithoutServer(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewClient(addr, "", 0)
	assert.Error(t, err)
}

func TestIdempotencyKeys(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	seen, err := client.Seen(ctx, "dispatch:evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, client.Mark(ctx, "dispatch:evt-1", time.Minute))

	seen, err = client.Seen(ctx, "dispatch:evt-1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.True(t, mr.Exists("idempotency:dispatch:evt-1"))

	mr.FastForward(2 * time.Minute)

	seen, err = client.Seen(ctx, "dispatch:evt-1")
	require.NoError(t, err)
	assert.False(t, seen, "key must expire with its ttl")
}

func TestKeysAreScopedByName(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Mark(ctx, "inventory:evt-1", time.Minute))

	seen, err := client.Seen(ctx, "payment:evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestNewFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	client := NewFromRedis(rdb)
	defer client.Close()

	assert.Same(t, rdb, client.GetClient())
	require.NoError(t, client.SetIdempotencyKey(context.Background(), "k", "v", 0))

	val, err := mr.Get("idempotency:k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	got, err := client.GetIdempotencyKey(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	got, err = client.GetIdempotencyKey(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}
