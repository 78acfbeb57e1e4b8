package models

import "github.com/pkg/errors"

var (
	ErrParcelNotFound    = errors.New("parcel not found")
	ErrTrackConflict     = errors.New("track number already exists for this user")
	ErrFinalStatus       = errors.New("parcel status is final")
	ErrTooEarly          = errors.New("update interval has not elapsed")
	ErrSaveQuotaExceeded = errors.New("save quota exceeded")
	ErrStoreNotFound     = errors.New("store not found")
)
