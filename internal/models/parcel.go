package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatusEvent is one carrier-reported milestone.
type StatusEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// History is ordered newest-first: index 0 is the most recent event.
type History []StatusEvent

func (h History) Newest() (StatusEvent, bool) {
	if len(h) == 0 {
		return StatusEvent{}, false
	}
	return h[0], true
}

func (h History) Oldest() (StatusEvent, bool) {
	if len(h) == 0 {
		return StatusEvent{}, false
	}
	return h[len(h)-1], true
}

// UploadRow is a raw row as it comes from an upload handler.
// Store holds either a numeric store id or a store name.
type UploadRow struct {
	Number string `json:"number"`
	Store  string `json:"store,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

// TrackMeta is an immutable unit of work for the pipeline.
// CanSave is false when the save quota does not allow persisting a new parcel.
type TrackMeta struct {
	Number  string      `json:"number"`
	StoreID int64       `json:"store_id"`
	Phone   string      `json:"phone,omitempty"`
	CanSave bool        `json:"can_save"`
	Carrier CarrierType `json:"carrier,omitempty"`
}

type InvalidReason string

const (
	InvalidEmptyNumber InvalidReason = "EMPTY_NUMBER"
	InvalidWrongFormat InvalidReason = "WRONG_FORMAT"
	InvalidDuplicate   InvalidReason = "DUPLICATE"
)

// InvalidTrack describes a rejected upload row.
type InvalidTrack struct {
	Number string        `json:"number,omitempty"`
	Reason InvalidReason `json:"reason"`
}

type Parcel struct {
	ID                   int64
	OwnerID              int64
	StoreID              int64
	Number               string
	Carrier              CarrierType
	Status               GlobalStatus
	StatusAt             *time.Time
	SentAt               *time.Time
	ArrivedAt            *time.Time
	LastUpdate           *time.Time
	CreatedAt            time.Time
	IncludedInStatistics bool
}

// NoDataStatusText is reported when a gateway returns nothing for a track.
const NoDataStatusText = "Нет данных"

// TrackResult is the per-track outcome of a batch.
type TrackResult struct {
	Number     string       `json:"number"`
	Carrier    CarrierType  `json:"carrier"`
	Status     GlobalStatus `json:"status"`
	StatusText string       `json:"status_text"`
	Saved      bool         `json:"saved"`
	NoData     bool         `json:"no_data,omitempty"`
}

func NoDataResult(meta TrackMeta) TrackResult {
	return TrackResult{
		Number:     meta.Number,
		Carrier:    meta.Carrier,
		Status:     StatusUnknown,
		StatusText: NoDataStatusText,
		NoData:     true,
	}
}

// BatchProgress is the DTO pushed to the owner while a batch runs.
type BatchProgress struct {
	BatchID   int64  `json:"batch_id"`
	Processed int64  `json:"processed"`
	Total     int64  `json:"total"`
	Elapsed   string `json:"elapsed"`
}

// Statistics holds counters and cumulative day sums; averages are derived on read.
type Statistics struct {
	Sent            int64 `json:"sent"`
	Delivered       int64 `json:"delivered"`
	Returned        int64 `json:"returned"`
	SumDeliveryDays int64 `json:"sum_delivery_days"`
	SumPickupDays   int64 `json:"sum_pickup_days"`
}

func (s Statistics) AverageDeliveryDays() decimal.Decimal {
	return average(s.SumDeliveryDays, s.Delivered)
}

func (s Statistics) AveragePickupDays() decimal.Decimal {
	return average(s.SumPickupDays, s.Delivered)
}

func average(sum, n int64) decimal.Decimal {
	if n <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(sum).Div(decimal.NewFromInt(n)).Round(2)
}

// Add applies a delta to the counters.
func (s Statistics) Add(d StatsDelta) Statistics {
	s.Sent += int64(d.Sent)
	s.Delivered += int64(d.Delivered)
	s.Returned += int64(d.Returned)
	s.SumDeliveryDays += int64(d.DeliveryDays)
	s.SumPickupDays += int64(d.PickupDays)
	return s
}

type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

var Periods = []Period{PeriodDay, PeriodWeek, PeriodMonth, PeriodYear}

// StatsDelta is a signed move of counters for one store and carrier.
// At anchors the day/week/month/year buckets and is expressed in the owner's zone.
type StatsDelta struct {
	StoreID      int64
	Carrier      CarrierType
	At           time.Time
	Sent         int
	Delivered    int
	Returned     int
	DeliveryDays int
	PickupDays   int
}

func (d StatsDelta) Negate() StatsDelta {
	d.Sent, d.Delivered, d.Returned = -d.Sent, -d.Delivered, -d.Returned
	d.DeliveryDays, d.PickupDays = -d.DeliveryDays, -d.PickupDays
	return d
}

func (d StatsDelta) IsZero() bool {
	return d.Sent == 0 && d.Delivered == 0 && d.Returned == 0 && d.DeliveryDays == 0 && d.PickupDays == 0
}

// StatsKey addresses one aggregated statistics row. Period and BucketStart are
// empty for the all-time store and store×carrier rows; Carrier is empty for the
// store-wide row.
type StatsKey struct {
	StoreID     int64
	Carrier     CarrierType
	Period      Period
	BucketStart time.Time
}

type Store struct {
	ID        int64
	OwnerID   int64
	Name      string
	IsDefault bool
}
