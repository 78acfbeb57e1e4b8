package pgparcels

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/parceltrack/internal/models"
	"github.com/BearBump/parceltrack/internal/services/analytics"
)

// InTx runs fn in one read-committed transaction. Parcels are row-locked by
// FindParcelForUpdate, so concurrent saves of the same parcel serialize.
func (s *Storage) InTx(ctx context.Context, fn func(ctx context.Context, tx analytics.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &parcelTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

type parcelTx struct {
	tx pgx.Tx
}

func (t *parcelTx) FindParcelForUpdate(ctx context.Context, ownerID int64, number string) (*models.Parcel, error) {
	p, err := scanParcel(t.tx.QueryRow(ctx, `SELECT`+parcelColumns+`
FROM parcels
WHERE owner_id = $1 AND number = $2
FOR UPDATE
`, ownerID, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrParcelNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select parcel for update")
	}
	return p, nil
}

func (t *parcelTx) CreateParcel(ctx context.Context, p *models.Parcel) error {
	err := t.tx.QueryRow(ctx, `
INSERT INTO parcels (
  owner_id, store_id, number, carrier, status,
  status_at, sent_at, arrived_at, last_update, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (owner_id, number) DO NOTHING
RETURNING id
`, p.OwnerID, p.StoreID, p.Number, p.Carrier, p.Status,
		p.StatusAt, p.SentAt, p.ArrivedAt, p.LastUpdate, p.CreatedAt).Scan(&p.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrTrackConflict
	}
	return errors.Wrap(err, "insert parcel")
}

// UpdateParcel never touches included_in_statistics; see MarkIncludedInStatistics.
func (t *parcelTx) UpdateParcel(ctx context.Context, p *models.Parcel) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE parcels SET
  store_id = $2, carrier = $3, status = $4,
  status_at = $5, sent_at = $6, arrived_at = $7, last_update = $8
WHERE id = $1
`, p.ID, p.StoreID, p.Carrier, p.Status, p.StatusAt, p.SentAt, p.ArrivedAt, p.LastUpdate)
	if err != nil {
		return errors.Wrap(err, "update parcel")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrParcelNotFound
	}
	return nil
}

func (t *parcelTx) MarkIncludedInStatistics(ctx context.Context, parcelID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
UPDATE parcels SET included_in_statistics = true
WHERE id = $1 AND included_in_statistics = false
`, parcelID)
	if err != nil {
		return false, errors.Wrap(err, "mark included in statistics")
	}
	return tag.RowsAffected() == 1, nil
}

func (t *parcelTx) IncrementStats(ctx context.Context, key models.StatsKey, d models.StatsDelta) error {
	return incrementStats(ctx, t.tx, key, d)
}
