package analytics

import (
	"time"

	"github.com/jinzhu/now"

	"github.com/BearBump/parceltrack/internal/models"
)

// BucketStart returns the beginning of the period containing t, computed in
// t's location. Weeks start on Monday.
func BucketStart(p models.Period, t time.Time) time.Time {
	cfg := &now.Config{WeekStartDay: time.Monday, TimeLocation: t.Location()}
	n := cfg.With(t)
	switch p {
	case models.PeriodWeek:
		return n.BeginningOfWeek()
	case models.PeriodMonth:
		return n.BeginningOfMonth()
	case models.PeriodYear:
		return n.BeginningOfYear()
	default:
		return n.BeginningOfDay()
	}
}

// keysFor lists every statistics row a delta touches: store-wide and
// store×carrier totals plus their period buckets.
func keysFor(d models.StatsDelta) []models.StatsKey {
	carriers := []models.CarrierType{"", d.Carrier}
	keys := make([]models.StatsKey, 0, len(carriers)*(1+len(models.Periods)))
	for _, c := range carriers {
		keys = append(keys, models.StatsKey{StoreID: d.StoreID, Carrier: c})
		for _, p := range models.Periods {
			keys = append(keys, models.StatsKey{
				StoreID:     d.StoreID,
				Carrier:     c,
				Period:      p,
				BucketStart: dateOnly(BucketStart(p, d.At)),
			})
		}
	}
	return keys
}

// dateOnly keeps the calendar date of t as a UTC midnight, the form bucket
// dates are stored in.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween counts whole calendar days from a to b in loc; never negative.
func daysBetween(a, b time.Time, loc *time.Location) int {
	da := dateOnly(a.In(loc))
	db := dateOnly(b.In(loc))
	days := int(db.Sub(da).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// inZone treats the wall clock of a carrier timestamp as local time of loc.
func inZone(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc).UTC()
}
