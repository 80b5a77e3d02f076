package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflowhq/dataflow/pkg/fault"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	srv := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: srv.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return srv, store
}

func TestRedisRoundTripIsJSONTyped(t *testing.T) {
	_, store := newTestRedis(t)
	ctx := context.Background()

	in := &Entry{
		Generation: 3,
		Value:      map[string]any{"id": int64(7), "email": "a@b.c"},
		ExpiresAt:  time.Now().Add(time.Minute),
	}
	require.NoError(t, store.Set(ctx, "k1", in))

	out, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), out.Generation)
	assert.Equal(t, map[string]any{"id": json.Number("7"), "email": "a@b.c"}, out.Value)
}

func TestRedisExpiryAndMiss(t *testing.T) {
	srv, store := newTestRedis(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	e := &Entry{Value: "v", ExpiresAt: time.Now().Add(50 * time.Millisecond)}
	require.NoError(t, store.Set(ctx, "k", e))
	srv.FastForward(time.Second)

	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// An entry already past its deadline is never written.
	require.NoError(t, store.Set(ctx, "dead", &Entry{Value: "v", ExpiresAt: time.Now().Add(-time.Second)}))
	_, ok, _ = store.Get(ctx, "dead")
	assert.False(t, ok)
}

func TestRedisMissesDoNotTripBreaker(t *testing.T) {
	_, store := newTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, ok, err := store.Get(ctx, "absent")
		require.NoError(t, err)
		require.False(t, ok)
	}
	assert.Equal(t, gobreaker.StateClosed, store.breaker.State())
}

func TestBreakerOpensAndCacheDegradesToMiss(t *testing.T) {
	srv, store := newTestRedis(t)
	c := New(store, Options{})
	ctx := context.Background()
	fp := NewFingerprint("users", "read", `(id = ?)`, []any{int64(1)}, nil, "")

	c.Set(ctx, "users", fp, "v")
	_, ok := c.Get(ctx, "users", fp)
	require.True(t, ok)

	srv.Close()

	// Failures accumulate until the breaker opens; every call is a miss
	// from the caller's point of view either way.
	for i := 0; i < 8; i++ {
		_, ok = c.Get(ctx, "users", fp)
		assert.False(t, ok)
	}
	assert.Equal(t, gobreaker.StateOpen, store.breaker.State())
	assert.NotZero(t, c.Stats().Bypasses)

	// Reads still work end to end by loading from the source.
	v, err := c.Do(ctx, "users", fp, func(context.Context) (any, error) {
		return "from-db", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "from-db", v)

	_, _, err = store.Get(ctx, "any")
	assert.True(t, fault.IsCacheBackendErr(err))
}

func TestOpenRedis(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	store, err := OpenRedis(ctx, "redis://"+srv.Addr())
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))
	_ = store.Close()

	_, err = OpenRedis(ctx, "http://not-redis")
	assert.True(t, fault.IsValidationErr(err))

	// miniredis nils its server on Close, so grab the address first.
	addr := srv.Addr()
	srv.Close()
	_, err = OpenRedis(ctx, "redis://"+addr)
	assert.True(t, fault.IsCacheBackendErr(err))
}
