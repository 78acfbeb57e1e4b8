package processors

import (
	"context"

	"github.com/BearBump/parceltrack/internal/integrations/carrier"
	"github.com/BearBump/parceltrack/internal/models"
)

const defaultChunk = 50

// Evropost fetches tracks in chunks through the batch API and persists them
// one by one.
type Evropost struct {
	base
	gw    carrier.BatchGateway
	chunk int
}

func NewEvropost(gw carrier.BatchGateway, chunk int, d Deps, rateLimitPerMinute int64) *Evropost {
	if chunk <= 0 {
		chunk = defaultChunk
	}
	return &Evropost{
		base:  newBase(models.CarrierEvropost, d, rateLimitPerMinute),
		gw:    gw,
		chunk: chunk,
	}
}

func (p *Evropost) Process(ctx context.Context, batchID int64, tracks []models.TrackMeta, userID int64) []models.TrackResult {
	results := make([]models.TrackResult, 0, len(tracks))
	for start := 0; start < len(tracks); start += p.chunk {
		end := start + p.chunk
		if end > len(tracks) {
			end = len(tracks)
		}
		chunk := tracks[start:end]

		numbers := make([]string, len(chunk))
		for i, t := range chunk {
			numbers[i] = t.Number
		}

		p.throttle(ctx)
		histories, err := p.gw.FetchHistoryBatch(ctx, numbers)
		for _, t := range chunk {
			results = append(results, p.complete(ctx, t, userID, histories[t.Number], err))
			p.processed(ctx, batchID)
		}
	}
	return results
}

func (p *Evropost) ProcessOne(ctx context.Context, track models.TrackMeta, userID int64) (models.TrackResult, error) {
	p.throttle(ctx)
	histories, err := p.gw.FetchHistoryBatch(ctx, []string{track.Number})
	return p.complete(ctx, track, userID, histories[track.Number], err), nil
}
