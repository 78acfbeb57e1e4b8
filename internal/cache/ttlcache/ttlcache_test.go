package ttlcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

func TestCache_UnreadEntryIsNeverEvicted(t *testing.T) {
	clock := clockz.NewFakeClock()
	c := New[[]string](time.Minute, clock)

	c.Add(1, 10, []string{"a"})
	clock.Advance(24 * time.Hour)
	require.Zero(t, c.Sweep())

	got, ok := c.Get(1, 10)
	require.True(t, ok)
	require.Equal(t, []string{"a"}, got)
}

func TestCache_ReadEntryIsEvictedAfterTTL(t *testing.T) {
	clock := clockz.NewFakeClock()
	c := New[int](time.Minute, clock)

	c.Add(1, 10, 42)
	_, ok := c.Get(1, 10)
	require.True(t, ok)

	clock.Advance(59 * time.Second)
	require.Zero(t, c.Sweep())

	clock.Advance(time.Second)
	require.Equal(t, 1, c.Sweep())

	_, ok = c.Get(1, 10)
	require.False(t, ok)
	require.Zero(t, c.Len())
}

func TestCache_ReadRefreshesLastAccess(t *testing.T) {
	clock := clockz.NewFakeClock()
	c := New[int](time.Minute, clock)

	c.Add(1, 10, 1)
	c.Get(1, 10)
	clock.Advance(50 * time.Second)
	c.Get(1, 10)
	clock.Advance(50 * time.Second)

	require.Zero(t, c.Sweep())
}

func TestCache_GetLatest(t *testing.T) {
	c := New[string](time.Minute, nil)

	_, _, ok := c.GetLatest(7)
	require.False(t, ok)

	c.Add(7, 100, "old")
	c.Add(7, 300, "newest")
	c.Add(7, 200, "middle")
	c.Add(8, 900, "other user")

	id, payload, ok := c.GetLatest(7)
	require.True(t, ok)
	require.EqualValues(t, 300, id)
	require.Equal(t, "newest", payload)
}

func TestCache_Clear(t *testing.T) {
	c := New[string](time.Minute, nil)
	c.Add(7, 1, "x")
	c.Add(7, 2, "y")
	c.Clear(7)

	_, _, ok := c.GetLatest(7)
	require.False(t, ok)

	c.Add(7, 3, "z")
	got, ok := c.Get(7, 3)
	require.True(t, ok)
	require.Equal(t, "z", got)
}

func TestCache_ConcurrentAddAndSweep(t *testing.T) {
	clock := clockz.NewFakeClock()
	c := New[int](0, clock)

	var wg sync.WaitGroup
	for u := int64(0); u < 8; u++ {
		wg.Add(1)
		go func(u int64) {
			defer wg.Done()
			for b := int64(0); b < 100; b++ {
				c.Add(u, b, int(b))
				c.Sweep()
			}
		}(u)
	}
	wg.Wait()

	// nothing was read, so nothing may be gone
	require.Equal(t, 800, c.Len())
}

func TestCache_RunStopsOnCancel(t *testing.T) {
	c := New[int](0, nil)
	c.Add(1, 1, 1)
	c.Get(1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	swept := make(chan int, 1)
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond, func(n int) {
			if n > 0 {
				select {
				case swept <- n:
				default:
				}
			}
		})
		close(done)
	}()

	require.Equal(t, 1, <-swept)
	cancel()
	<-done
}

func TestCache_RunFollowsInjectedClock(t *testing.T) {
	clock := clockz.NewFakeClock()
	c := New[int](time.Minute, clock)
	c.Add(1, 1, 1)
	c.Get(1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, time.Hour, nil)

	// Real time does not move the sweep; only the fake clock does.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, c.Len())

	require.Eventually(t, func() bool {
		clock.Advance(time.Hour)
		return c.Len() == 0
	}, time.Second, 5*time.Millisecond)
}
