package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb), mr
}

func TestGet_MissingKey(t *testing.T) {
	store, _ := newTestStore(t)

	val, found, err := store.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, val)
}

func TestSetGet(t *testing.T) {
	store, mr := newTestStore(t)

	require.NoError(t, store.Set(context.Background(), "k", "v", time.Minute))

	val, found, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)

	// The entry expires with its ttl.
	mr.FastForward(2 * time.Minute)
	_, found, err = store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIncrement(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	n, err := store.Increment(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Increment(ctx, "counter", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	// Counting restarts after the window expires.
	mr.FastForward(2 * time.Minute)
	n, err = store.Increment(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIncrement_TTLNotRefreshed(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.Increment(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	mr.FastForward(30 * time.Second)

	// A later increment inside the window must not push the expiry out.
	_, err = store.Increment(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	mr.FastForward(31 * time.Second)

	_, found, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	assert.False(t, found, "window should have expired on its original schedule")
}

func TestCompareAndSet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Empty expected means set-if-absent.
	ok, err := store.CompareAndSet(ctx, "k", "", "v1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompareAndSet(ctx, "k", "", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "set-if-absent must fail once the key exists")

	ok, err = store.CompareAndSet(ctx, "k", "wrong", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CompareAndSet(ctx, "k", "v1", "v2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	val, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", val)
}
