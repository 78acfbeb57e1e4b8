package pgparcels

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS users (
  id BIGINT PRIMARY KEY,
  time_zone TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS stores (
  id BIGSERIAL PRIMARY KEY,
  owner_id BIGINT NOT NULL,
  name TEXT NOT NULL,
  is_default BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (owner_id, name)
)`,
		`
CREATE TABLE IF NOT EXISTS parcels (
  id BIGSERIAL PRIMARY KEY,
  owner_id BIGINT NOT NULL,
  store_id BIGINT NOT NULL,
  number TEXT NOT NULL,
  carrier TEXT NOT NULL,
  status TEXT NOT NULL,
  status_at TIMESTAMPTZ NULL,
  sent_at TIMESTAMPTZ NULL,
  arrived_at TIMESTAMPTZ NULL,
  last_update TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  included_in_statistics BOOLEAN NOT NULL DEFAULT false,
  UNIQUE (owner_id, number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_parcels_active_owner ON parcels(owner_id) WHERE status NOT IN ('DELIVERED', 'RETURNED')`,
		// Totals live in rows with period = '' and bucket_start = epoch;
		// store-wide rows have carrier = ''.
		`
CREATE TABLE IF NOT EXISTS store_statistics (
  store_id BIGINT NOT NULL,
  carrier TEXT NOT NULL DEFAULT '',
  period TEXT NOT NULL DEFAULT '',
  bucket_start DATE NOT NULL DEFAULT DATE '1970-01-01',
  sent BIGINT NOT NULL DEFAULT 0,
  delivered BIGINT NOT NULL DEFAULT 0,
  returned BIGINT NOT NULL DEFAULT 0,
  sum_delivery_days BIGINT NOT NULL DEFAULT 0,
  sum_pickup_days BIGINT NOT NULL DEFAULT 0,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (store_id, carrier, period, bucket_start)
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
