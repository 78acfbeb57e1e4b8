// Package quota answers plan-limit questions for the upload validator and the
// scheduled updater. A zero limit means unlimited.
package quota

import (
	"context"

	"github.com/pkg/errors"
)

type ParcelCounter interface {
	CountParcels(ctx context.Context, ownerID int64) (int, error)
}

type Limits struct {
	MaxUpload        int
	MaxSaved         int
	MaxUpdatesPerRun int
}

type Service struct {
	limits  Limits
	parcels ParcelCounter
}

func New(limits Limits, parcels ParcelCounter) *Service {
	return &Service{limits: limits, parcels: parcels}
}

func (s *Service) Limits() Limits { return s.limits }

func (s *Service) CanUploadTracks(_ context.Context, _ int64, requested int) (int, error) {
	return capped(requested, s.limits.MaxUpload), nil
}

// CanSaveMoreTracks subtracts what the user already stores from MaxSaved.
func (s *Service) CanSaveMoreTracks(ctx context.Context, userID int64, requested int) (int, error) {
	if s.limits.MaxSaved <= 0 {
		return max(requested, 0), nil
	}
	n, err := s.parcels.CountParcels(ctx, userID)
	if err != nil {
		return 0, errors.Wrap(err, "count parcels")
	}
	remaining := s.limits.MaxSaved - n
	if remaining <= 0 {
		return 0, nil
	}
	return capped(requested, remaining), nil
}

func (s *Service) CanUpdateTracks(_ context.Context, _ int64, requested int) (int, error) {
	return capped(requested, s.limits.MaxUpdatesPerRun), nil
}

func capped(requested, limit int) int {
	if requested <= 0 {
		return 0
	}
	if limit == 0 {
		return requested
	}
	if limit < 0 {
		return 0
	}
	return min(requested, limit)
}
