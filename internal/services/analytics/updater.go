// Package analytics persists processed tracks and keeps aggregated delivery
// statistics in step with them.
//
// Counters never get recomputed. They move by one on three events: a parcel
// is created (sent), a parcel changes store (sent moves, together with the
// final counts if the parcel was already counted), and a parcel reaches a
// final status for the first time (delivered or returned plus day sums).
// The last one is guarded by the parcel's included_in_statistics flag, flipped
// with a compare-and-set inside the same transaction as the increments.
package analytics

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"

	"github.com/BearBump/parceltrack/internal/logger"
	"github.com/BearBump/parceltrack/internal/models"
	"github.com/BearBump/parceltrack/internal/services/classifier"
	"github.com/BearBump/parceltrack/internal/services/status"
)

type Tx interface {
	// FindParcelForUpdate locks and returns the owner's parcel with number,
	// or models.ErrParcelNotFound.
	FindParcelForUpdate(ctx context.Context, ownerID int64, number string) (*models.Parcel, error)
	// CreateParcel inserts p and sets p.ID; models.ErrTrackConflict when the
	// owner already has the number.
	CreateParcel(ctx context.Context, p *models.Parcel) error
	UpdateParcel(ctx context.Context, p *models.Parcel) error
	// MarkIncludedInStatistics flips the flag from false to true and reports
	// whether this call did it.
	MarkIncludedInStatistics(ctx context.Context, parcelID int64) (bool, error)
	// IncrementStats adds d to the row addressed by key, creating it if needed.
	IncrementStats(ctx context.Context, key models.StatsKey, d models.StatsDelta) error
}

type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type ZoneResolver interface {
	UserLocation(ctx context.Context, userID int64) (*time.Location, error)
}

type SaveOutcome struct {
	Parcel  *models.Parcel
	Status  models.GlobalStatus
	Created bool
	// Counted is true when this save registered the final status in statistics.
	Counted bool
}

type Updater struct {
	repo     Repository
	zones    ZoneResolver
	resolver *status.Resolver
	clock    clockz.Clock
	loc      *time.Location
	log      *logger.Logger
}

type Option func(*Updater)

func WithClock(c clockz.Clock) Option { return func(u *Updater) { u.clock = c } }

func WithDefaultLocation(loc *time.Location) Option {
	return func(u *Updater) { u.loc = loc }
}

func WithLogger(l *logger.Logger) Option { return func(u *Updater) { u.log = l } }

func NewUpdater(repo Repository, zones ZoneResolver, opts ...Option) *Updater {
	u := &Updater{
		repo:     repo,
		zones:    zones,
		resolver: status.New(),
		clock:    clockz.RealClock,
		loc:      time.UTC,
		log:      logger.NewNop(),
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Save resolves the status of the fetched history and persists it together
// with the statistics moves it implies. New tracks are created only when
// meta.CanSave; otherwise models.ErrSaveQuotaExceeded is returned alongside
// the resolved status.
func (u *Updater) Save(ctx context.Context, userID int64, meta models.TrackMeta, history models.History) (SaveOutcome, error) {
	loc := u.location(ctx, userID)
	st := u.resolver.Resolve(history)
	number := classifier.Normalize(meta.Number)
	carrier := meta.Carrier
	if carrier == "" {
		carrier = classifier.Classify(number)
	}

	var out SaveOutcome
	err := u.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		out = SaveOutcome{Status: st}
		nowUTC := u.clock.Now().UTC()

		p, err := tx.FindParcelForUpdate(ctx, userID, number)
		switch {
		case errors.Is(err, models.ErrParcelNotFound):
			if !meta.CanSave {
				return models.ErrSaveQuotaExceeded
			}
			p = &models.Parcel{
				OwnerID:   userID,
				StoreID:   meta.StoreID,
				Number:    number,
				Carrier:   carrier,
				Status:    models.StatusUnknown,
				CreatedAt: nowUTC,
			}
			applyHistory(p, st, history, loc, u.resolver)
			p.LastUpdate = &nowUTC
			if err := tx.CreateParcel(ctx, p); err != nil {
				return errors.Wrap(err, "create parcel")
			}
			out.Created = true
			if err := u.apply(ctx, tx, sentDelta(p, loc)); err != nil {
				return err
			}
		case err != nil:
			return errors.Wrap(err, "find parcel")
		default:
			if meta.StoreID != 0 && meta.StoreID != p.StoreID {
				if err := u.reassign(ctx, tx, p, meta.StoreID, loc); err != nil {
					return err
				}
			}
			// counted parcels are frozen: their stored timestamps anchor the
			// final-status contribution
			if !p.IncludedInStatistics {
				applyHistory(p, st, history, loc, u.resolver)
			}
			p.LastUpdate = &nowUTC
			if err := tx.UpdateParcel(ctx, p); err != nil {
				return errors.Wrap(err, "update parcel")
			}
		}

		if p.Status.IsFinal() && !p.IncludedInStatistics {
			won, err := tx.MarkIncludedInStatistics(ctx, p.ID)
			if err != nil {
				return errors.Wrap(err, "mark included in statistics")
			}
			if won {
				p.IncludedInStatistics = true
				out.Counted = true
				if err := u.apply(ctx, tx, finalDelta(p, loc)); err != nil {
					return err
				}
			}
		}

		out.Parcel = p
		out.Status = p.Status
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrSaveQuotaExceeded) {
			return out, err
		}
		return SaveOutcome{Status: st}, err
	}
	if out.Counted {
		u.log.Debug(ctx, "final status counted", "number", number, "status", string(out.Status))
	}
	return out, nil
}

// RegisterTrack adds a track manually, without carrier data. It fails with
// models.ErrTrackConflict when the owner already tracks the number.
func (u *Updater) RegisterTrack(ctx context.Context, userID int64, number string, storeID int64) (*models.Parcel, error) {
	loc := u.location(ctx, userID)
	number = classifier.Normalize(number)

	var created *models.Parcel
	err := u.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.FindParcelForUpdate(ctx, userID, number)
		if err == nil {
			return models.ErrTrackConflict
		}
		if !errors.Is(err, models.ErrParcelNotFound) {
			return errors.Wrap(err, "find parcel")
		}
		p := &models.Parcel{
			OwnerID:   userID,
			StoreID:   storeID,
			Number:    number,
			Carrier:   classifier.Classify(number),
			Status:    models.StatusUnknown,
			CreatedAt: u.clock.Now().UTC(),
		}
		if err := tx.CreateParcel(ctx, p); err != nil {
			return errors.Wrap(err, "create parcel")
		}
		created = p
		return u.apply(ctx, tx, sentDelta(p, loc))
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// reassign moves p and everything it contributed to statistics to storeID.
func (u *Updater) reassign(ctx context.Context, tx Tx, p *models.Parcel, storeID int64, loc *time.Location) error {
	moves := []models.StatsDelta{sentDelta(p, loc)}
	if p.IncludedInStatistics {
		moves = append(moves, finalDelta(p, loc))
	}
	for _, d := range moves {
		if d.IsZero() {
			continue
		}
		if err := u.apply(ctx, tx, d.Negate()); err != nil {
			return err
		}
		d.StoreID = storeID
		if err := u.apply(ctx, tx, d); err != nil {
			return err
		}
	}
	p.StoreID = storeID
	return nil
}

func (u *Updater) apply(ctx context.Context, tx Tx, d models.StatsDelta) error {
	if d.IsZero() {
		return nil
	}
	for _, key := range keysFor(d) {
		if err := tx.IncrementStats(ctx, key, d); err != nil {
			return errors.Wrap(err, "increment stats")
		}
	}
	return nil
}

func (u *Updater) location(ctx context.Context, userID int64) *time.Location {
	if u.zones == nil {
		return u.loc
	}
	loc, err := u.zones.UserLocation(ctx, userID)
	if err != nil || loc == nil {
		if err != nil {
			u.log.Warn(ctx, "user location, falling back to default", "error", err)
		}
		return u.loc
	}
	return loc
}

// applyHistory copies status and timestamps from history onto p. Carrier
// timestamps carry no zone, so their wall clock is read in loc.
func applyHistory(p *models.Parcel, st models.GlobalStatus, history models.History, loc *time.Location, r *status.Resolver) {
	newest, ok := history.Newest()
	if !ok {
		return
	}
	p.Status = st

	at := inZone(newest.Timestamp, loc)
	p.StatusAt = &at

	if oldest, ok := history.Oldest(); ok {
		sent := inZone(oldest.Timestamp, loc)
		p.SentAt = &sent
	}
	if arrived, ok := r.ArrivalTime(history); ok {
		a := inZone(arrived, loc)
		p.ArrivedAt = &a
	} else {
		p.ArrivedAt = nil
	}
}

func sentDelta(p *models.Parcel, loc *time.Location) models.StatsDelta {
	return models.StatsDelta{
		StoreID: p.StoreID,
		Carrier: p.Carrier,
		At:      p.CreatedAt.In(loc),
		Sent:    1,
	}
}

// finalDelta derives the final-status contribution of p from its stored
// timestamps, so the same delta can later be moved between stores.
func finalDelta(p *models.Parcel, loc *time.Location) models.StatsDelta {
	at := p.CreatedAt
	if p.StatusAt != nil {
		at = *p.StatusAt
	}
	d := models.StatsDelta{StoreID: p.StoreID, Carrier: p.Carrier, At: at.In(loc)}

	switch p.Status {
	case models.StatusDelivered:
		d.Delivered = 1
		if p.SentAt != nil {
			d.DeliveryDays = daysBetween(*p.SentAt, at, loc)
		}
		if p.ArrivedAt != nil {
			d.PickupDays = daysBetween(*p.ArrivedAt, at, loc)
		}
	case models.StatusReturned:
		d.Returned = 1
	}
	return d
}
