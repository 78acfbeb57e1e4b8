package carrier

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/parceltrack/internal/cache/rediscache"
	"github.com/BearBump/parceltrack/internal/models"
)

type slowGateway struct {
	calls   atomic.Int64
	release chan struct{}
}

func (g *slowGateway) FetchHistory(ctx context.Context, number string) (models.History, error) {
	g.calls.Add(1)
	if g.release != nil {
		<-g.release
	}
	return models.History{{Timestamp: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Description: "Отправлено " + number}}, nil
}

func TestDedupGateway_SharesInFlightCall(t *testing.T) {
	inner := &slowGateway{release: make(chan struct{})}
	g := NewDedupGateway(inner)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]models.History, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := g.FetchHistory(context.Background(), "PC123456789BY")
			require.NoError(t, err)
			results[i] = h
		}(i)
	}

	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	require.EqualValues(t, 1, inner.calls.Load())
	for _, h := range results {
		require.Len(t, h, 1)
	}
}

func TestCachedGateway(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := rediscache.New(rediscache.NewClient(mr.Addr()), "hist:")
	inner := &slowGateway{}
	g := NewCachedGateway(inner, cache, time.Minute, nil)
	ctx := context.Background()

	first, err := g.FetchHistory(ctx, "PC123456789BY")
	require.NoError(t, err)
	second, err := g.FetchHistory(ctx, "PC123456789BY")
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.EqualValues(t, 1, inner.calls.Load())

	mr.FastForward(2 * time.Minute)
	_, err = g.FetchHistory(ctx, "PC123456789BY")
	require.NoError(t, err)
	require.EqualValues(t, 2, inner.calls.Load())
}
