package messages

import (
	"time"

	"github.com/BearBump/parceltrack/internal/models"
)

type NotificationType string

const (
	NotificationProgress NotificationType = "progress"
	NotificationStatus   NotificationType = "status"
)

// Notification is what the worker pushes to owners. Exactly one of Progress
// and Status is set, according to Type.
type Notification struct {
	EventID  string                `json:"event_id"`
	Type     NotificationType      `json:"type"`
	OwnerID  int64                 `json:"owner_id"`
	SentAt   time.Time             `json:"sent_at"`
	Progress *models.BatchProgress `json:"progress,omitempty"`
	Status   *StatusUpdate         `json:"status,omitempty"`
}

type StatusUpdate struct {
	Message   string `json:"message"`
	Completed bool   `json:"completed"`
}
