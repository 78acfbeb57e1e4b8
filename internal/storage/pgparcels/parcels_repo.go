package pgparcels

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/parceltrack/internal/models"
)

const parcelColumns = `
  id, owner_id, store_id, number, carrier, status,
  status_at, sent_at, arrived_at, last_update,
  created_at, included_in_statistics`

type scanner interface {
	Scan(dest ...any) error
}

func scanParcel(row scanner) (*models.Parcel, error) {
	var p models.Parcel
	if err := row.Scan(
		&p.ID, &p.OwnerID, &p.StoreID, &p.Number, &p.Carrier, &p.Status,
		&p.StatusAt, &p.SentAt, &p.ArrivedAt, &p.LastUpdate,
		&p.CreatedAt, &p.IncludedInStatistics,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Storage) FindByOwnerAndNumber(ctx context.Context, ownerID int64, number string) (*models.Parcel, error) {
	p, err := scanParcel(s.db.QueryRow(ctx, `SELECT`+parcelColumns+`
FROM parcels
WHERE owner_id = $1 AND number = $2
`, ownerID, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrParcelNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select parcel")
	}
	return p, nil
}

func (s *Storage) ParcelByID(ctx context.Context, ownerID, parcelID int64) (*models.Parcel, error) {
	p, err := scanParcel(s.db.QueryRow(ctx, `SELECT`+parcelColumns+`
FROM parcels
WHERE id = $1 AND owner_id = $2
`, parcelID, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrParcelNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select parcel")
	}
	return p, nil
}

func (s *Storage) ExistingNumbers(ctx context.Context, ownerID int64, numbers []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(numbers) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `SELECT number FROM parcels WHERE owner_id = $1 AND number = ANY($2)`, ownerID, numbers)
	if err != nil {
		return nil, errors.Wrap(err, "select existing numbers")
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errors.Wrap(err, "scan number")
		}
		out[n] = true
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) CountParcels(ctx context.Context, ownerID int64) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM parcels WHERE owner_id = $1`, ownerID).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count parcels")
	}
	return n, nil
}

func (s *Storage) UsersWithActiveParcels(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
SELECT DISTINCT owner_id
FROM parcels
WHERE status NOT IN ($1, $2)
ORDER BY owner_id
`, models.StatusDelivered, models.StatusReturned)
	if err != nil {
		return nil, errors.Wrap(err, "select active owners")
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan owner")
		}
		out = append(out, id)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ActiveParcels returns the owner's non-final parcels, least recently updated first.
func (s *Storage) ActiveParcels(ctx context.Context, ownerID int64) ([]*models.Parcel, error) {
	rows, err := s.db.Query(ctx, `SELECT`+parcelColumns+`
FROM parcels
WHERE owner_id = $1
  AND status NOT IN ($2, $3)
ORDER BY last_update ASC NULLS FIRST, id ASC
`, ownerID, models.StatusDelivered, models.StatusReturned)
	if err != nil {
		return nil, errors.Wrap(err, "select active parcels")
	}
	defer rows.Close()

	var out []*models.Parcel
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan parcel")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
