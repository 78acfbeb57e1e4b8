// Package autoupdate periodically refreshes every user's non-final parcels.
package autoupdate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"

	"github.com/BearBump/parceltrack/internal/lock"
	"github.com/BearBump/parceltrack/internal/logger"
	"github.com/BearBump/parceltrack/internal/models"
	"github.com/BearBump/parceltrack/internal/services/dispatch"
)

type Repository interface {
	UsersWithActiveParcels(ctx context.Context) ([]int64, error)
	// ActiveParcels returns the owner's non-final parcels, least recently updated first.
	ActiveParcels(ctx context.Context, ownerID int64) ([]*models.Parcel, error)
}

type Gate interface {
	Check(p *models.Parcel) error
}

type Quota interface {
	CanUpdateTracks(ctx context.Context, userID int64, requested int) (int, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, batchID int64, grouped map[models.CarrierType][]models.TrackMeta, userID int64) []models.TrackResult
}

// Locker is shared with manual refresh so a parcel is never updated twice at once.
type Locker interface {
	TryLock(key string) (unlock func(), ok bool)
}

type Updater struct {
	repo       Repository
	gate       Gate
	quota      Quota
	dispatcher Dispatcher
	locks      Locker
	clock      clockz.Clock
	log        *logger.Logger

	interval time.Duration

	triggerCh chan struct{}
	running   sync.Mutex

	startedAt           time.Time
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalCycles         atomic.Int64
	totalUsers          atomic.Int64
	totalTracks         atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, gate Gate, quota Quota, dispatcher Dispatcher, log *logger.Logger) *Updater {
	if log == nil {
		log = logger.NewNop()
	}
	u := &Updater{
		repo:       repo,
		gate:       gate,
		quota:      quota,
		dispatcher: dispatcher,
		clock:      clockz.RealClock,
		log:        log,
		interval:   time.Hour,
		triggerCh:  make(chan struct{}, 1),
	}
	u.startedAt = u.clock.Now().UTC()
	return u
}

func (u *Updater) WithInterval(d time.Duration) *Updater {
	if d > 0 {
		u.interval = d
	}
	return u
}

func (u *Updater) WithLocks(l Locker) *Updater {
	u.locks = l
	return u
}

func (u *Updater) WithClock(c clockz.Clock) *Updater {
	if c != nil {
		u.clock = c
		u.startedAt = c.Now().UTC()
	}
	return u
}

// Trigger asks for an immediate cycle. Non-blocking; extra triggers coalesce.
func (u *Updater) Trigger() {
	u.lastTriggerUnixNano.Store(u.clock.Now().UTC().UnixNano())
	select {
	case u.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalCycles   int64      `json:"totalCycles"`
	TotalUsers    int64      `json:"totalUsers"`
	TotalTracks   int64      `json:"totalTracks"`
	TotalErrors   int64      `json:"totalErrors"`
	LastError     string     `json:"lastError,omitempty"`
}

func (u *Updater) Stats() Stats {
	st := Stats{
		StartedAt:   u.startedAt,
		TotalCycles: u.totalCycles.Load(),
		TotalUsers:  u.totalUsers.Load(),
		TotalTracks: u.totalTracks.Load(),
		TotalErrors: u.totalErrors.Load(),
	}
	if n := u.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := u.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	u.lastErrorMu.Lock()
	st.LastError = u.lastError
	u.lastErrorMu.Unlock()
	return st
}

func (u *Updater) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.clock.After(u.interval):
			u.RunOnce(ctx)
		case <-u.triggerCh:
			u.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep over all users. Cycles never overlap.
func (u *Updater) RunOnce(ctx context.Context) {
	u.running.Lock()
	defer u.running.Unlock()

	u.lastCycleUnixNano.Store(u.clock.Now().UTC().UnixNano())
	u.totalCycles.Add(1)

	users, err := u.repo.UsersWithActiveParcels(ctx)
	if err != nil {
		u.fail(ctx, errors.Wrap(err, "list users"))
		return
	}
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		n, err := u.updateUser(logger.WithUserID(ctx, userID), userID)
		if err != nil {
			// Ошибка одного пользователя не должна останавливать остальных.
			u.fail(logger.WithUserID(ctx, userID), err)
			continue
		}
		u.totalUsers.Add(1)
		u.totalTracks.Add(int64(n))
	}
}

func (u *Updater) updateUser(ctx context.Context, userID int64) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("update user %d panicked: %v", userID, r)
		}
	}()

	parcels, err := u.repo.ActiveParcels(ctx, userID)
	if err != nil {
		return 0, errors.Wrap(err, "list active parcels")
	}
	eligible := u.eligible(parcels)
	if len(eligible) == 0 {
		return 0, nil
	}

	if u.locks != nil {
		held, release := u.claim(eligible)
		defer release()
		if len(held) < len(eligible) {
			u.log.Debug(ctx, "skipping parcels busy with manual refresh", "busy", len(eligible)-len(held))
		}
		if len(held) == 0 {
			return 0, nil
		}
		// Перечитываем под блокировкой: ручное обновление могло успеть раньше.
		fresh, err := u.repo.ActiveParcels(ctx, userID)
		if err != nil {
			return 0, errors.Wrap(err, "reload active parcels")
		}
		kept := make([]*models.Parcel, 0, len(held))
		for _, p := range fresh {
			if _, ok := held[p.ID]; ok {
				kept = append(kept, p)
			}
		}
		eligible = u.eligible(kept)
	}

	tracks := make([]models.TrackMeta, 0, len(eligible))
	for _, p := range eligible {
		tracks = append(tracks, models.TrackMeta{
			Number:  p.Number,
			StoreID: p.StoreID,
			CanSave: true,
			Carrier: p.Carrier,
		})
	}
	if len(tracks) == 0 {
		return 0, nil
	}

	allowed, err := u.quota.CanUpdateTracks(ctx, userID, len(tracks))
	if err != nil {
		return 0, errors.Wrap(err, "update quota")
	}
	if allowed < len(tracks) {
		u.log.Info(ctx, "auto update capped by quota", "eligible", len(tracks), "allowed", allowed)
		tracks = tracks[:max(allowed, 0)]
	}
	if len(tracks) == 0 {
		return 0, nil
	}

	grouped, _ := dispatch.Partition(tracks)
	results := u.dispatcher.Dispatch(ctx, 0, grouped, userID)
	u.log.Debug(ctx, "auto update done", "tracks", len(tracks), "results", len(results))
	return len(tracks), nil
}

func (u *Updater) eligible(parcels []*models.Parcel) []*models.Parcel {
	out := make([]*models.Parcel, 0, len(parcels))
	for _, p := range parcels {
		if u.gate.Check(p) == nil {
			out = append(out, p)
		}
	}
	return out
}

// claim try-locks each parcel; busy ones are left for the next cycle.
func (u *Updater) claim(parcels []*models.Parcel) (map[int64]struct{}, func()) {
	held := make(map[int64]struct{}, len(parcels))
	unlocks := make([]func(), 0, len(parcels))
	for _, p := range parcels {
		unlock, ok := u.locks.TryLock(lock.ParcelKey(p.ID))
		if !ok {
			continue
		}
		held[p.ID] = struct{}{}
		unlocks = append(unlocks, unlock)
	}
	return held, func() {
		for _, unlock := range unlocks {
			unlock()
		}
	}
}

func (u *Updater) fail(ctx context.Context, err error) {
	u.totalErrors.Add(1)
	u.lastErrorMu.Lock()
	u.lastError = err.Error()
	u.lastErrorMu.Unlock()
	u.log.Error(ctx, "auto update failed", "error", err)
}
