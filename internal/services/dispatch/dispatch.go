package dispatch

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/BearBump/parceltrack/internal/logger"
	"github.com/BearBump/parceltrack/internal/models"
	"github.com/BearBump/parceltrack/internal/services/classifier"
)

var ErrNoProcessor = errors.New("no processor for carrier")

type Processor interface {
	SupportedCarrier() models.CarrierType
	Process(ctx context.Context, batchID int64, tracks []models.TrackMeta, userID int64) []models.TrackResult
	ProcessOne(ctx context.Context, track models.TrackMeta, userID int64) (models.TrackResult, error)
}

// Group buckets tracks by carrier, classifying those without one. Tracks of
// unknown carriers are dropped.
func Group(tracks []models.TrackMeta) map[models.CarrierType][]models.TrackMeta {
	grouped, _ := Partition(tracks)
	return grouped
}

// Partition is Group that also returns the dropped unknown-carrier tracks, in
// input order, so callers can report them.
func Partition(tracks []models.TrackMeta) (map[models.CarrierType][]models.TrackMeta, []models.TrackMeta) {
	grouped := make(map[models.CarrierType][]models.TrackMeta)
	var unknown []models.TrackMeta
	for _, t := range tracks {
		if t.Carrier == "" || t.Carrier == models.CarrierUnknown {
			t.Carrier = classifier.Classify(t.Number)
		}
		if t.Carrier == models.CarrierUnknown {
			unknown = append(unknown, t)
			continue
		}
		grouped[t.Carrier] = append(grouped[t.Carrier], t)
	}
	return grouped, unknown
}

// Dispatcher routes carrier groups to their processors. The registry is fixed
// at construction.
type Dispatcher struct {
	processors map[models.CarrierType]Processor
	log        *logger.Logger
}

func New(log *logger.Logger, processors ...Processor) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	d := &Dispatcher{processors: make(map[models.CarrierType]Processor, len(processors)), log: log}
	for _, p := range processors {
		d.processors[p.SupportedCarrier()] = p
	}
	return d
}

func (d *Dispatcher) Supports(c models.CarrierType) bool {
	_, ok := d.processors[c]
	return ok
}

// Dispatch runs every carrier group on its processor concurrently and
// concatenates the results in a stable carrier order. Groups without a
// processor are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, batchID int64, grouped map[models.CarrierType][]models.TrackMeta, userID int64) []models.TrackResult {
	carriers := make([]models.CarrierType, 0, len(grouped))
	for c := range grouped {
		carriers = append(carriers, c)
	}
	sort.Slice(carriers, func(i, j int) bool { return carriers[i] < carriers[j] })

	parts := make([][]models.TrackResult, len(carriers))
	var wg sync.WaitGroup
	for i, c := range carriers {
		p, ok := d.processors[c]
		if !ok {
			d.log.Debug(ctx, "no processor for carrier, skipping", "carrier", string(c), "tracks", len(grouped[c]))
			continue
		}
		if len(grouped[c]) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, p Processor, tracks []models.TrackMeta) {
			defer wg.Done()
			parts[i] = p.Process(ctx, batchID, tracks, userID)
		}(i, p, grouped[c])
	}
	wg.Wait()

	var out []models.TrackResult
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}

// DispatchOne processes a single track outside of any batch.
func (d *Dispatcher) DispatchOne(ctx context.Context, track models.TrackMeta, userID int64) (models.TrackResult, error) {
	if track.Carrier == "" || track.Carrier == models.CarrierUnknown {
		track.Carrier = classifier.Classify(track.Number)
	}
	p, ok := d.processors[track.Carrier]
	if !ok {
		return models.TrackResult{}, errors.Wrapf(ErrNoProcessor, "carrier %s", track.Carrier)
	}
	return p.ProcessOne(ctx, track, userID)
}
