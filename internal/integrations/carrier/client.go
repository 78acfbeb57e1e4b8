// Package carrier holds the gateways that fetch raw status histories from
// postal carriers. A track the carrier does not know yields an empty history,
// not an error.
package carrier

import (
	"context"

	"github.com/pkg/errors"

	"github.com/BearBump/parceltrack/internal/models"
)

var ErrRateLimited = errors.New("carrier rate limit")

// Gateway fetches one track at a time.
type Gateway interface {
	FetchHistory(ctx context.Context, number string) (models.History, error)
}

// BatchGateway fetches many tracks in one call. Numbers missing from the
// result have no data.
type BatchGateway interface {
	FetchHistoryBatch(ctx context.Context, numbers []string) (map[string]models.History, error)
}
