package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/BearBump/parceltrack/internal/models"
)

// IDGenerator issues strictly increasing batch ids seeded from wall-clock
// seconds. Repeated calls within one second, or a clock going backwards,
// still advance by one.
type IDGenerator struct {
	clock clockz.Clock
	last  atomic.Int64
}

func NewIDGenerator(clock clockz.Clock) *IDGenerator {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &IDGenerator{clock: clock}
}

func (g *IDGenerator) Next() int64 {
	for {
		prev := g.last.Load()
		next := g.clock.Now().Unix()
		if next <= prev {
			next = prev + 1
		}
		if g.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

type Notifier interface {
	PushProgress(ctx context.Context, ownerID int64, p models.BatchProgress)
}

type batch struct {
	ownerID   int64
	total     int64
	startedAt time.Time
	processed atomic.Int64
}

// Aggregator tracks processed/total counters of running batches. A batch is
// forgotten as soon as its last track is reported.
type Aggregator struct {
	notifier Notifier
	clock    clockz.Clock
	batches  sync.Map // batchID -> *batch
}

func NewAggregator(notifier Notifier, clock clockz.Clock) *Aggregator {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Aggregator{notifier: notifier, clock: clock}
}

// RegisterBatch starts tracking a batch and emits the initial 0/total event.
func (a *Aggregator) RegisterBatch(ctx context.Context, batchID, total, ownerID int64) {
	b := &batch{ownerID: ownerID, total: total, startedAt: a.clock.Now()}
	if total > 0 {
		a.batches.Store(batchID, b)
	}
	a.push(ctx, batchID, b, 0)
}

// TrackProcessed counts one finished track. Unknown batch ids are ignored.
func (a *Aggregator) TrackProcessed(ctx context.Context, batchID int64) {
	v, ok := a.batches.Load(batchID)
	if !ok {
		return
	}
	b := v.(*batch)
	n := b.processed.Add(1)
	if n > b.total {
		return
	}
	if n == b.total {
		a.batches.CompareAndDelete(batchID, b)
	}
	a.push(ctx, batchID, b, n)
}

// Progress returns the current state of a batch, or a zero DTO when the batch
// is unknown or already finished.
func (a *Aggregator) Progress(batchID int64) models.BatchProgress {
	v, ok := a.batches.Load(batchID)
	if !ok {
		return models.BatchProgress{BatchID: batchID, Elapsed: formatElapsed(0)}
	}
	b := v.(*batch)
	return a.dto(batchID, b, b.processed.Load())
}

// Active reports the number of batches still running.
func (a *Aggregator) Active() int {
	n := 0
	a.batches.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (a *Aggregator) dto(batchID int64, b *batch, processed int64) models.BatchProgress {
	return models.BatchProgress{
		BatchID:   batchID,
		Processed: processed,
		Total:     b.total,
		Elapsed:   formatElapsed(a.clock.Since(b.startedAt)),
	}
}

func (a *Aggregator) push(ctx context.Context, batchID int64, b *batch, processed int64) {
	if a.notifier == nil {
		return
	}
	a.notifier.PushProgress(ctx, b.ownerID, a.dto(batchID, b, processed))
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
