package messages

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/parceltrack/internal/models"
)

// BatchRequested is published by upload handlers once an uploaded file has
// been parsed into rows.
type BatchRequested struct {
	UserID      int64              `json:"user_id"`
	Rows        []models.UploadRow `json:"rows"`
	RequestedAt time.Time          `json:"requested_at"`
	TraceID     string             `json:"trace_id,omitempty"`
}

// ErrMalformed marks a message that can never be processed, however often it
// is redelivered.
var ErrMalformed = errors.New("malformed message")

func DecodeBatchRequested(value []byte) (BatchRequested, error) {
	var msg BatchRequested
	if err := json.Unmarshal(value, &msg); err != nil {
		return BatchRequested{}, errors.Wrapf(ErrMalformed, "decode batch: %v", err)
	}
	if msg.UserID <= 0 {
		return BatchRequested{}, errors.Wrap(ErrMalformed, "batch without user")
	}
	return msg, nil
}
