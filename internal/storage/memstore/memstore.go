// Package memstore is an in-process implementation of the parcel storage used
// by tests and by the worker when no database is configured.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/parceltrack/internal/models"
	"github.com/BearBump/parceltrack/internal/services/analytics"
)

type ownerNumber struct {
	owner  int64
	number string
}

type state struct {
	parcels  map[int64]models.Parcel
	byNumber map[ownerNumber]int64
	stats    map[models.StatsKey]models.Statistics
	nextID   int64
}

func (s *state) clone() *state {
	c := &state{
		parcels:  make(map[int64]models.Parcel, len(s.parcels)),
		byNumber: make(map[ownerNumber]int64, len(s.byNumber)),
		stats:    make(map[models.StatsKey]models.Statistics, len(s.stats)),
		nextID:   s.nextID,
	}
	for k, v := range s.parcels {
		c.parcels[k] = v
	}
	for k, v := range s.byNumber {
		c.byNumber[k] = v
	}
	for k, v := range s.stats {
		c.stats[k] = v
	}
	return c
}

type MemoryStore struct {
	mu     sync.RWMutex
	st     *state
	stores map[int64]models.Store
	zones  map[int64]*time.Location
}

func New() *MemoryStore {
	return &MemoryStore{
		st: &state{
			parcels:  make(map[int64]models.Parcel),
			byNumber: make(map[ownerNumber]int64),
			stats:    make(map[models.StatsKey]models.Statistics),
		},
		stores: make(map[int64]models.Store),
		zones:  make(map[int64]*time.Location),
	}
}

// InTx runs fn against a private copy of the data and publishes it only if fn
// succeeds. Transactions are serialized.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx analytics.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

type tx struct {
	st *state
}

func (t *tx) FindParcelForUpdate(_ context.Context, ownerID int64, number string) (*models.Parcel, error) {
	id, ok := t.st.byNumber[ownerNumber{ownerID, number}]
	if !ok {
		return nil, models.ErrParcelNotFound
	}
	p := t.st.parcels[id]
	return &p, nil
}

func (t *tx) CreateParcel(_ context.Context, p *models.Parcel) error {
	key := ownerNumber{p.OwnerID, p.Number}
	if _, exists := t.st.byNumber[key]; exists {
		return models.ErrTrackConflict
	}
	t.st.nextID++
	p.ID = t.st.nextID
	t.st.parcels[p.ID] = *p
	t.st.byNumber[key] = p.ID
	return nil
}

func (t *tx) UpdateParcel(_ context.Context, p *models.Parcel) error {
	old, ok := t.st.parcels[p.ID]
	if !ok {
		return models.ErrParcelNotFound
	}
	// the flag only moves through MarkIncludedInStatistics
	upd := *p
	upd.IncludedInStatistics = old.IncludedInStatistics
	t.st.parcels[p.ID] = upd
	return nil
}

func (t *tx) MarkIncludedInStatistics(_ context.Context, parcelID int64) (bool, error) {
	p, ok := t.st.parcels[parcelID]
	if !ok {
		return false, models.ErrParcelNotFound
	}
	if p.IncludedInStatistics {
		return false, nil
	}
	p.IncludedInStatistics = true
	t.st.parcels[parcelID] = p
	return true, nil
}

func (t *tx) IncrementStats(_ context.Context, key models.StatsKey, d models.StatsDelta) error {
	t.st.stats[key] = t.st.stats[key].Add(d)
	return nil
}

// Statistics returns the row addressed by key; missing rows read as zero.
func (s *MemoryStore) Statistics(_ context.Context, key models.StatsKey) (models.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.stats[key], nil
}

func (s *MemoryStore) FindByOwnerAndNumber(_ context.Context, ownerID int64, number string) (*models.Parcel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.st.byNumber[ownerNumber{ownerID, number}]
	if !ok {
		return nil, models.ErrParcelNotFound
	}
	p := s.st.parcels[id]
	return &p, nil
}

func (s *MemoryStore) ParcelByID(_ context.Context, ownerID, parcelID int64) (*models.Parcel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.st.parcels[parcelID]
	if !ok || p.OwnerID != ownerID {
		return nil, models.ErrParcelNotFound
	}
	return &p, nil
}

func (s *MemoryStore) ExistingNumbers(_ context.Context, ownerID int64, numbers []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool)
	for _, n := range numbers {
		if _, ok := s.st.byNumber[ownerNumber{ownerID, n}]; ok {
			out[n] = true
		}
	}
	return out, nil
}

func (s *MemoryStore) CountParcels(_ context.Context, ownerID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.st.parcels {
		if p.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

// UsersWithActiveParcels lists owners having at least one non-final parcel.
func (s *MemoryStore) UsersWithActiveParcels(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]struct{})
	for _, p := range s.st.parcels {
		if !p.Status.IsFinal() {
			seen[p.OwnerID] = struct{}{}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ActiveParcels returns the owner's non-final parcels, least recently updated first.
func (s *MemoryStore) ActiveParcels(_ context.Context, ownerID int64) ([]*models.Parcel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Parcel
	for _, p := range s.st.parcels {
		if p.OwnerID == ownerID && !p.Status.IsFinal() {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastUpdate, out[j].LastUpdate
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
	return out, nil
}

func (s *MemoryStore) AddStore(st models.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[st.ID] = st
}

func (s *MemoryStore) SetUserLocation(userID int64, loc *time.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[userID] = loc
}

func (s *MemoryStore) StoreByID(_ context.Context, storeID int64) (*models.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[storeID]
	if !ok {
		return nil, models.ErrStoreNotFound
	}
	return &st, nil
}

func (s *MemoryStore) StoreByName(_ context.Context, ownerID int64, name string) (*models.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.stores {
		if st.OwnerID == ownerID && st.Name == name {
			st := st
			return &st, nil
		}
	}
	return nil, models.ErrStoreNotFound
}

// DefaultStoreID returns the owner's default store, or 0 when the owner has none.
func (s *MemoryStore) DefaultStoreID(_ context.Context, ownerID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var fallback int64
	for _, st := range s.stores {
		if st.OwnerID != ownerID {
			continue
		}
		if st.IsDefault {
			return st.ID, nil
		}
		if fallback == 0 || st.ID < fallback {
			fallback = st.ID
		}
	}
	return fallback, nil
}

func (s *MemoryStore) UserLocation(_ context.Context, userID int64) (*time.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zones[userID], nil
}
