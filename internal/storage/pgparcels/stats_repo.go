package pgparcels

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/parceltrack/internal/models"
)

var totalsBucket = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

func bucketOf(key models.StatsKey) time.Time {
	if key.Period == "" || key.BucketStart.IsZero() {
		return totalsBucket
	}
	return key.BucketStart
}

func incrementStats(ctx context.Context, tx pgx.Tx, key models.StatsKey, d models.StatsDelta) error {
	_, err := tx.Exec(ctx, `
INSERT INTO store_statistics (
  store_id, carrier, period, bucket_start,
  sent, delivered, returned, sum_delivery_days, sum_pickup_days, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
ON CONFLICT (store_id, carrier, period, bucket_start)
DO UPDATE SET
  sent = store_statistics.sent + EXCLUDED.sent,
  delivered = store_statistics.delivered + EXCLUDED.delivered,
  returned = store_statistics.returned + EXCLUDED.returned,
  sum_delivery_days = store_statistics.sum_delivery_days + EXCLUDED.sum_delivery_days,
  sum_pickup_days = store_statistics.sum_pickup_days + EXCLUDED.sum_pickup_days,
  updated_at = now()
`, key.StoreID, string(key.Carrier), string(key.Period), bucketOf(key),
		d.Sent, d.Delivered, d.Returned, d.DeliveryDays, d.PickupDays)
	return errors.Wrap(err, "upsert statistics")
}

// Statistics returns the row addressed by key; missing rows read as zero.
func (s *Storage) Statistics(ctx context.Context, key models.StatsKey) (models.Statistics, error) {
	var st models.Statistics
	err := s.db.QueryRow(ctx, `
SELECT sent, delivered, returned, sum_delivery_days, sum_pickup_days
FROM store_statistics
WHERE store_id = $1 AND carrier = $2 AND period = $3 AND bucket_start = $4
`, key.StoreID, string(key.Carrier), string(key.Period), bucketOf(key)).Scan(
		&st.Sent, &st.Delivered, &st.Returned, &st.SumDeliveryDays, &st.SumPickupDays,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Statistics{}, nil
	}
	if err != nil {
		return models.Statistics{}, errors.Wrap(err, "select statistics")
	}
	return st, nil
}
