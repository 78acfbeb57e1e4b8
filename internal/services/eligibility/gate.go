package eligibility

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"

	"github.com/BearBump/parceltrack/internal/models"
	"github.com/BearBump/parceltrack/internal/services/classifier"
)

const defaultInterval = 3 * time.Hour

type ParcelFinder interface {
	// FindByOwnerAndNumber returns models.ErrParcelNotFound when the owner has no such parcel.
	FindByOwnerAndNumber(ctx context.Context, ownerID int64, number string) (*models.Parcel, error)
}

// Gate decides whether a track may be refreshed now.
type Gate struct {
	parcels  ParcelFinder
	interval time.Duration
	clock    clockz.Clock
}

func NewGate(parcels ParcelFinder, interval time.Duration, clock clockz.Clock) *Gate {
	if interval <= 0 {
		interval = defaultInterval
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Gate{parcels: parcels, interval: interval, clock: clock}
}

func (g *Gate) Interval() time.Duration { return g.interval }

// CanUpdate reports whether the user's track may be refreshed. Unknown tracks
// are always eligible.
func (g *Gate) CanUpdate(ctx context.Context, number string, userID int64) (bool, error) {
	p, err := g.parcels.FindByOwnerAndNumber(ctx, userID, classifier.Normalize(number))
	if errors.Is(err, models.ErrParcelNotFound) {
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "find parcel")
	}
	return g.Check(p) == nil, nil
}

// Check returns models.ErrFinalStatus or models.ErrTooEarly when p must not be
// refreshed yet.
func (g *Gate) Check(p *models.Parcel) error {
	if p.Status.IsFinal() {
		return models.ErrFinalStatus
	}
	if p.LastUpdate != nil && g.clock.Since(*p.LastUpdate) < g.interval {
		return models.ErrTooEarly
	}
	return nil
}

// NextAllowedAt is the earliest moment p becomes eligible; zero for parcels
// that are eligible now or never will be.
func (g *Gate) NextAllowedAt(p *models.Parcel) time.Time {
	if p.Status.IsFinal() || p.LastUpdate == nil {
		return time.Time{}
	}
	next := p.LastUpdate.Add(g.interval)
	if !next.After(g.clock.Now()) {
		return time.Time{}
	}
	return next
}
