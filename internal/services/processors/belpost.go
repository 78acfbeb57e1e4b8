package processors

import (
	"context"

	"github.com/BearBump/parceltrack/internal/integrations/carrier"
	"github.com/BearBump/parceltrack/internal/models"
	"github.com/BearBump/parceltrack/internal/workpool"
)

// Belpost fetches tracks one by one, fanned out on the shared pool.
type Belpost struct {
	base
	gw   carrier.Gateway
	pool *workpool.Pool
}

func NewBelpost(gw carrier.Gateway, pool *workpool.Pool, d Deps, rateLimitPerMinute int64) *Belpost {
	return &Belpost{
		base: newBase(models.CarrierBelpost, d, rateLimitPerMinute),
		gw:   gw,
		pool: pool,
	}
}

func (p *Belpost) Process(ctx context.Context, batchID int64, tracks []models.TrackMeta, userID int64) []models.TrackResult {
	results := make([]models.TrackResult, len(tracks))
	err := p.pool.Each(ctx, len(tracks), func(ctx context.Context, i int) error {
		results[i] = p.fetchOne(ctx, tracks[i], userID)
		p.processed(ctx, batchID)
		return nil
	})
	if err != nil {
		p.log.Warn(ctx, "belpost batch interrupted", "error", err)
		for i := range results {
			if results[i].Number == "" {
				results[i] = models.NoDataResult(tracks[i])
				results[i].Carrier = models.CarrierBelpost
			}
		}
	}
	return results
}

func (p *Belpost) ProcessOne(ctx context.Context, track models.TrackMeta, userID int64) (models.TrackResult, error) {
	return p.fetchOne(ctx, track, userID), nil
}

func (p *Belpost) fetchOne(ctx context.Context, track models.TrackMeta, userID int64) models.TrackResult {
	p.throttle(ctx)
	h, err := p.gw.FetchHistory(ctx, track.Number)
	return p.complete(ctx, track, userID, h, err)
}
