// Package processors holds the per-carrier update processors: they fetch
// histories through carrier gateways, persist them when allowed and report
// per-track results and progress.
package processors

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"

	"github.com/BearBump/parceltrack/internal/cache/rediscache"
	"github.com/BearBump/parceltrack/internal/logger"
	"github.com/BearBump/parceltrack/internal/models"
	"github.com/BearBump/parceltrack/internal/services/analytics"
	"github.com/BearBump/parceltrack/internal/services/status"
)

type Saver interface {
	Save(ctx context.Context, userID int64, meta models.TrackMeta, history models.History) (analytics.SaveOutcome, error)
}

type Progress interface {
	TrackProcessed(ctx context.Context, batchID int64)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Deps are shared by every processor.
type Deps struct {
	Saver       Saver
	Progress    Progress
	RateLimiter RateLimiter
	Clock       clockz.Clock
	Log         *logger.Logger
	// RateLimitBackoff is how long a call waits after the shared per-minute
	// limit was hit.
	RateLimitBackoff time.Duration
}

type base struct {
	carrier   models.CarrierType
	saver     Saver
	progress  Progress
	rl        RateLimiter
	rlPerMin  int64
	rlBackoff time.Duration
	clock     clockz.Clock
	log       *logger.Logger
	resolver  *status.Resolver
}

func newBase(carrier models.CarrierType, d Deps, rlPerMin int64) base {
	b := base{
		carrier:   carrier,
		saver:     d.Saver,
		progress:  d.Progress,
		rl:        d.RateLimiter,
		rlPerMin:  rlPerMin,
		rlBackoff: d.RateLimitBackoff,
		clock:     d.Clock,
		log:       d.Log,
		resolver:  status.New(),
	}
	if b.clock == nil {
		b.clock = clockz.RealClock
	}
	if b.log == nil {
		b.log = logger.NewNop()
	}
	if b.rlBackoff <= 0 {
		b.rlBackoff = 500 * time.Millisecond
	}
	return b
}

func (b *base) SupportedCarrier() models.CarrierType { return b.carrier }

// throttle counts one outbound call against the carrier's per-minute budget
// shared by all workers. Over budget it waits a little instead of failing.
func (b *base) throttle(ctx context.Context) {
	if b.rl == nil || b.rlPerMin <= 0 {
		return
	}
	key := rediscache.MinuteKey(string(b.carrier), b.clock.Now())
	allowed, count, err := b.rl.Allow(ctx, key, b.rlPerMin, rediscache.MinuteWindow)
	if err != nil {
		b.log.Warn(ctx, "carrier rate limiter", "carrier", string(b.carrier), "error", err)
		return
	}
	if !allowed {
		// Слишком много запросов в минуту: подождём немного, чтобы разгрузить источник.
		b.log.Warn(ctx, "rate limit exceeded", "carrier", string(b.carrier), "count", count)
		select {
		case <-ctx.Done():
		case <-time.After(b.rlBackoff):
		}
	}
}

// complete turns a fetched history into a result, persisting it when the
// track may be saved.
func (b *base) complete(ctx context.Context, meta models.TrackMeta, userID int64, history models.History, fetchErr error) models.TrackResult {
	meta.Carrier = b.carrier
	if fetchErr != nil {
		b.log.Warn(ctx, "carrier fetch failed", "carrier", string(b.carrier), "number", meta.Number, "error", fetchErr)
		return models.NoDataResult(meta)
	}
	newest, ok := history.Newest()
	if !ok {
		return models.NoDataResult(meta)
	}

	res := models.TrackResult{
		Number:     meta.Number,
		Carrier:    b.carrier,
		StatusText: status.Normalize(newest.Description),
	}
	if !meta.CanSave {
		res.Status = b.resolver.Resolve(history)
		return res
	}

	out, err := b.saver.Save(ctx, userID, meta, history)
	switch {
	case errors.Is(err, models.ErrSaveQuotaExceeded):
		res.Status = out.Status
	case err != nil:
		b.log.Error(ctx, "save track", "carrier", string(b.carrier), "number", meta.Number, "error", err)
		res.Status = b.resolver.Resolve(history)
	default:
		res.Status = out.Status
		res.Saved = true
	}
	return res
}

func (b *base) processed(ctx context.Context, batchID int64) {
	if batchID != 0 && b.progress != nil {
		b.progress.TrackProcessed(ctx, batchID)
	}
}
