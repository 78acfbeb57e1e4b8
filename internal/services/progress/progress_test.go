package progress

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/BearBump/parceltrack/internal/models"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.BatchProgress
	owners []int64
}

func (n *recordingNotifier) PushProgress(_ context.Context, ownerID int64, p models.BatchProgress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, p)
	n.owners = append(n.owners, ownerID)
}

func TestIDGenerator_ConcurrentIDsAreDistinctAndDense(t *testing.T) {
	clock := clockz.NewFakeClock()
	seed := clock.Now().Unix()
	g := NewIDGenerator(clock)

	const n = 200
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = g.Next()
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := range ids {
		require.Equal(t, seed+int64(i), ids[i])
	}
}

func TestIDGenerator_FollowsClockWhenItMovesAhead(t *testing.T) {
	clock := clockz.NewFakeClock()
	g := NewIDGenerator(clock)

	first := g.Next()
	require.Equal(t, first+1, g.Next())

	clock.Advance(time.Hour)
	require.Equal(t, clock.Now().Unix(), g.Next())
}

func TestAggregator_Lifecycle(t *testing.T) {
	clock := clockz.NewFakeClock()
	n := &recordingNotifier{}
	a := NewAggregator(n, clock)
	ctx := context.Background()

	a.RegisterBatch(ctx, 10, 3, 77)
	require.Equal(t, 1, a.Active())
	require.Equal(t, models.BatchProgress{BatchID: 10, Processed: 0, Total: 3, Elapsed: "00:00"}, n.events[0])
	require.EqualValues(t, 77, n.owners[0])

	clock.Advance(65 * time.Second)
	a.TrackProcessed(ctx, 10)
	require.Equal(t, models.BatchProgress{BatchID: 10, Processed: 1, Total: 3, Elapsed: "01:05"}, a.Progress(10))

	a.TrackProcessed(ctx, 10)
	a.TrackProcessed(ctx, 10)
	require.Zero(t, a.Active())
	require.Len(t, n.events, 4)
	require.EqualValues(t, 3, n.events[3].Processed)

	// finished batches read as zero
	require.Equal(t, models.BatchProgress{BatchID: 10, Elapsed: "00:00"}, a.Progress(10))

	// late reports are ignored
	a.TrackProcessed(ctx, 10)
	require.Len(t, n.events, 4)
}

func TestAggregator_ConcurrentTrackProcessed(t *testing.T) {
	n := &recordingNotifier{}
	a := NewAggregator(n, nil)
	ctx := context.Background()

	const total = 100
	a.RegisterBatch(ctx, 1, total, 5)

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.TrackProcessed(ctx, 1)
		}()
	}
	wg.Wait()

	require.Zero(t, a.Active())
	require.Len(t, n.events, total+1)

	seen := make(map[int64]bool)
	for _, e := range n.events {
		require.False(t, seen[e.Processed], "duplicate processed value %d", e.Processed)
		seen[e.Processed] = true
	}
}

func TestAggregator_EmptyBatch(t *testing.T) {
	n := &recordingNotifier{}
	a := NewAggregator(n, nil)

	a.RegisterBatch(context.Background(), 3, 0, 1)
	require.Zero(t, a.Active())
	require.Len(t, n.events, 1)
}

func TestAggregator_UnknownBatch(t *testing.T) {
	a := NewAggregator(nil, nil)
	a.TrackProcessed(context.Background(), 404)
	require.Equal(t, models.BatchProgress{BatchID: 404, Elapsed: "00:00"}, a.Progress(404))
}

func TestFormatElapsed(t *testing.T) {
	require.Equal(t, "00:00", formatElapsed(-time.Second))
	require.Equal(t, "00:59", formatElapsed(59*time.Second+900*time.Millisecond))
	require.Equal(t, "125:00", formatElapsed(125*time.Minute))
}
