package processors

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/BearBump/parceltrack/internal/cache/rediscache"
	"github.com/BearBump/parceltrack/internal/models"
	"github.com/BearBump/parceltrack/internal/services/analytics"
	"github.com/BearBump/parceltrack/internal/storage/memstore"
	"github.com/BearBump/parceltrack/internal/workpool"
)

var day = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func delivered() models.History {
	return models.History{
		{Timestamp: day, Description: "Вручено адресату (Минск)."},
		{Timestamp: day.Add(-72 * time.Hour), Description: "Принято от отправителя"},
	}
}

func waiting() models.History {
	return models.History{{Timestamp: day, Description: "Поступило в учреждение доставки"}}
}

type mapGateway struct {
	mu      sync.Mutex
	data    map[string]models.History
	fail    map[string]bool
	batches [][]string
}

func (g *mapGateway) FetchHistory(_ context.Context, number string) (models.History, error) {
	if g.fail[number] {
		return nil, errors.New("timeout")
	}
	return g.data[number], nil
}

func (g *mapGateway) FetchHistoryBatch(_ context.Context, numbers []string) (map[string]models.History, error) {
	g.mu.Lock()
	g.batches = append(g.batches, numbers)
	g.mu.Unlock()
	out := make(map[string]models.History)
	for _, n := range numbers {
		if g.fail[n] {
			return nil, errors.New("batch timeout")
		}
		if h, ok := g.data[n]; ok {
			out[n] = h
		}
	}
	return out, nil
}

type countingProgress struct {
	mu    sync.Mutex
	calls map[int64]int
}

func (p *countingProgress) TrackProcessed(_ context.Context, batchID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[int64]int)
	}
	p.calls[batchID]++
}

type failingSaver struct{}

func (failingSaver) Save(context.Context, int64, models.TrackMeta, models.History) (analytics.SaveOutcome, error) {
	return analytics.SaveOutcome{}, errors.New("db down")
}

func track(number string) models.TrackMeta {
	return models.TrackMeta{Number: number, StoreID: 10, CanSave: true}
}

func TestBelpost_Process(t *testing.T) {
	store := memstore.New()
	progress := &countingProgress{}
	gw := &mapGateway{
		data: map[string]models.History{"PC100000001BY": delivered(), "PC100000002BY": nil},
		fail: map[string]bool{"PC100000003BY": true},
	}
	p := NewBelpost(gw, workpool.New(2), Deps{
		Saver:    analytics.NewUpdater(store, store),
		Progress: progress,
	}, 0)
	require.Equal(t, models.CarrierBelpost, p.SupportedCarrier())

	res := p.Process(context.Background(), 42, []models.TrackMeta{
		track("PC100000001BY"), track("PC100000002BY"), track("PC100000003BY"),
	}, 1)

	require.Len(t, res, 3)
	require.Equal(t, models.TrackResult{
		Number:     "PC100000001BY",
		Carrier:    models.CarrierBelpost,
		Status:     models.StatusDelivered,
		StatusText: "Вручено адресату",
		Saved:      true,
	}, res[0])
	require.True(t, res[1].NoData)
	require.Equal(t, models.NoDataStatusText, res[1].StatusText)
	require.True(t, res[2].NoData)
	require.Equal(t, 3, progress.calls[42])

	st, err := store.Statistics(context.Background(), models.StatsKey{StoreID: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, st.Sent)
	require.EqualValues(t, 1, st.Delivered)
}

func TestBelpost_ResolveOnlyWithoutSaveSlot(t *testing.T) {
	store := memstore.New()
	gw := &mapGateway{data: map[string]models.History{"PC100000001BY": waiting()}}
	p := NewBelpost(gw, workpool.New(1), Deps{Saver: analytics.NewUpdater(store, store)}, 0)

	m := track("PC100000001BY")
	m.CanSave = false
	res, err := p.ProcessOne(context.Background(), m, 1)
	require.NoError(t, err)
	require.Equal(t, models.StatusWaitingForCustomer, res.Status)
	require.False(t, res.Saved)

	_, err = store.FindByOwnerAndNumber(context.Background(), 1, "PC100000001BY")
	require.ErrorIs(t, err, models.ErrParcelNotFound)
}

func TestBelpost_SaveFailureStillReportsStatus(t *testing.T) {
	gw := &mapGateway{data: map[string]models.History{"PC100000001BY": delivered()}}
	p := NewBelpost(gw, workpool.New(1), Deps{Saver: failingSaver{}}, 0)

	res, err := p.ProcessOne(context.Background(), track("PC100000001BY"), 1)
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, res.Status)
	require.False(t, res.Saved)
	require.False(t, res.NoData)
}

func TestEvropost_ProcessInChunks(t *testing.T) {
	store := memstore.New()
	progress := &countingProgress{}
	gw := &mapGateway{data: map[string]models.History{
		"BY100000000001": waiting(),
		"BY100000000002": delivered(),
		"BY100000000004": waiting(),
	}}
	p := NewEvropost(gw, 2, Deps{Saver: analytics.NewUpdater(store, store), Progress: progress}, 0)
	require.Equal(t, models.CarrierEvropost, p.SupportedCarrier())

	tracks := []models.TrackMeta{
		track("BY100000000001"), track("BY100000000002"), track("BY100000000003"),
		track("BY100000000004"), track("BY100000000005"),
	}
	res := p.Process(context.Background(), 9, tracks, 1)

	require.Len(t, gw.batches, 3)
	require.Equal(t, []string{"BY100000000005"}, gw.batches[2])
	require.Len(t, res, 5)
	for i, r := range res {
		require.Equal(t, tracks[i].Number, r.Number)
		require.Equal(t, models.CarrierEvropost, r.Carrier)
	}
	require.Equal(t, models.StatusWaitingForCustomer, res[0].Status)
	require.Equal(t, models.StatusDelivered, res[1].Status)
	require.True(t, res[2].NoData)
	require.True(t, res[4].NoData)
	require.Equal(t, 5, progress.calls[9])
}

func TestEvropost_FailedChunkIsNoDataForItsTracksOnly(t *testing.T) {
	store := memstore.New()
	gw := &mapGateway{
		data: map[string]models.History{"BY100000000001": waiting(), "BY100000000003": waiting()},
		fail: map[string]bool{"BY100000000002": true},
	}
	p := NewEvropost(gw, 2, Deps{Saver: analytics.NewUpdater(store, store)}, 0)

	res := p.Process(context.Background(), 0, []models.TrackMeta{
		track("BY100000000001"), track("BY100000000002"), track("BY100000000003"),
	}, 1)
	require.True(t, res[0].NoData)
	require.True(t, res[1].NoData)
	require.False(t, res[2].NoData)
	require.True(t, res[2].Saved)
}

func TestThrottle_UsesSharedMinuteCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := rediscache.NewRateLimiter(rediscache.NewClient(mr.Addr()))
	gw := &mapGateway{data: map[string]models.History{"PC100000001BY": waiting(), "PC100000002BY": waiting()}}

	p := NewBelpost(gw, workpool.New(1), Deps{
		Saver:            failingSaver{},
		RateLimiter:      rl,
		RateLimitBackoff: time.Millisecond,
		Clock:            clockz.NewFakeClock(),
	}, 1)

	res := p.Process(context.Background(), 0, []models.TrackMeta{track("PC100000001BY"), track("PC100000002BY")}, 1)
	require.Len(t, res, 2)
	require.False(t, res[1].NoData)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	v, err := mr.Get(keys[0])
	require.NoError(t, err)
	require.Equal(t, "2", v)
}
