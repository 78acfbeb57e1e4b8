package rediscache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSetDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(NewClient(mr.Addr()), "hist:")

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Set(ctx, "PC123456789BY", []byte("v"), time.Minute))
	require.True(t, mr.Exists("hist:PC123456789BY"))

	b, ok, err := c.Get(ctx, "PC123456789BY")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), b)

	require.NoError(t, c.Delete(ctx, "PC123456789BY"))
	_, ok, err = c.Get(ctx, "PC123456789BY")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCache_Expires(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(NewClient(mr.Addr()), "")

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(NewClient(mr.Addr()))

	ctx := context.Background()
	key := MinuteKey("BELPOST", time.Date(2025, 3, 10, 14, 5, 30, 0, time.UTC))
	require.Equal(t, "rl:carrier:BELPOST:202503101405", key)

	ok, n, err := rl.Allow(ctx, key, 2, MinuteWindow)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	ok, n, _ = rl.Allow(ctx, key, 2, MinuteWindow)
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	ok, n, _ = rl.Allow(ctx, key, 2, MinuteWindow)
	require.False(t, ok)
	require.Equal(t, int64(3), n)

	mr.FastForward(MinuteWindow)
	ok, n, _ = rl.Allow(ctx, key, 2, MinuteWindow)
	require.True(t, ok)
	require.Equal(t, int64(1), n)
}
