package pgparcels

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/parceltrack/internal/models"
)

func (s *Storage) UpsertUser(ctx context.Context, userID int64, timeZone string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO users (id, time_zone) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET time_zone = EXCLUDED.time_zone
`, userID, timeZone)
	return errors.Wrap(err, "upsert user")
}

// UserLocation returns the user's zone, or the storage default when the user
// is unknown or has none.
func (s *Storage) UserLocation(ctx context.Context, userID int64) (*time.Location, error) {
	var tz string
	err := s.db.QueryRow(ctx, `SELECT time_zone FROM users WHERE id = $1`, userID).Scan(&tz)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && tz == "") {
		return s.defaultZone, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select user zone")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return s.defaultZone, nil
	}
	return loc, nil
}

func (s *Storage) CreateStore(ctx context.Context, st *models.Store) error {
	err := s.db.QueryRow(ctx, `
INSERT INTO stores (owner_id, name, is_default) VALUES ($1, $2, $3)
RETURNING id
`, st.OwnerID, st.Name, st.IsDefault).Scan(&st.ID)
	return errors.Wrap(err, "insert store")
}

func (s *Storage) StoreByID(ctx context.Context, storeID int64) (*models.Store, error) {
	return s.selectStore(ctx, `SELECT id, owner_id, name, is_default FROM stores WHERE id = $1`, storeID)
}

func (s *Storage) StoreByName(ctx context.Context, ownerID int64, name string) (*models.Store, error) {
	return s.selectStore(ctx, `SELECT id, owner_id, name, is_default FROM stores WHERE owner_id = $1 AND name = $2`, ownerID, name)
}

func (s *Storage) selectStore(ctx context.Context, q string, args ...any) (*models.Store, error) {
	var st models.Store
	err := s.db.QueryRow(ctx, q, args...).Scan(&st.ID, &st.OwnerID, &st.Name, &st.IsDefault)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrStoreNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select store")
	}
	return &st, nil
}

// DefaultStoreID returns the store flagged default, else the owner's oldest
// store, else 0.
func (s *Storage) DefaultStoreID(ctx context.Context, ownerID int64) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
SELECT id FROM stores
WHERE owner_id = $1
ORDER BY is_default DESC, id ASC
LIMIT 1
`, ownerID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "select default store")
	}
	return id, nil
}
