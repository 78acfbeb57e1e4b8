// Package notify pushes batch progress and status messages to owners.
// Delivery is best effort: failures are logged and never reach the caller.
package notify

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"

	"github.com/BearBump/parceltrack/internal/broker/messages"
	"github.com/BearBump/parceltrack/internal/logger"
	"github.com/BearBump/parceltrack/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type KafkaNotifier struct {
	publisher Publisher
	topic     string
	clock     clockz.Clock
	log       *logger.Logger
	newID     func() string
}

func NewKafkaNotifier(publisher Publisher, topic string, clock clockz.Clock, log *logger.Logger) *KafkaNotifier {
	if topic == "" {
		topic = "parcel.notifications"
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &KafkaNotifier{
		publisher: publisher,
		topic:     topic,
		clock:     clock,
		log:       log,
		newID:     uuid.NewString,
	}
}

func (n *KafkaNotifier) PushProgress(ctx context.Context, ownerID int64, p models.BatchProgress) {
	n.publish(ctx, messages.Notification{
		Type:     messages.NotificationProgress,
		OwnerID:  ownerID,
		Progress: &p,
	})
}

func (n *KafkaNotifier) PushStatus(ctx context.Context, ownerID int64, message string, completed bool) {
	n.publish(ctx, messages.Notification{
		Type:    messages.NotificationStatus,
		OwnerID: ownerID,
		Status:  &messages.StatusUpdate{Message: message, Completed: completed},
	})
}

func (n *KafkaNotifier) publish(ctx context.Context, msg messages.Notification) {
	msg.EventID = n.newID()
	msg.SentAt = n.clock.Now().UTC()

	b, err := json.Marshal(msg)
	if err != nil {
		n.log.Error(ctx, "marshal notification", "error", err, "type", msg.Type)
		return
	}
	// Ключ по владельцу: все уведомления одного пользователя идут в одну партицию.
	key := []byte(strconv.FormatInt(msg.OwnerID, 10))
	if err := n.publisher.Publish(ctx, n.topic, key, b); err != nil {
		n.log.Warn(ctx, "notification not delivered",
			"error", err, "type", msg.Type, "owner_id", msg.OwnerID, "event_id", msg.EventID)
	}
}

// LogNotifier only logs. Used when Kafka is not configured.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) PushProgress(ctx context.Context, ownerID int64, p models.BatchProgress) {
	n.log.Debug(ctx, "batch progress",
		"owner_id", ownerID, "batch_id", p.BatchID, "processed", p.Processed, "total", p.Total, "elapsed", p.Elapsed)
}

func (n *LogNotifier) PushStatus(ctx context.Context, ownerID int64, message string, completed bool) {
	n.log.Info(ctx, "batch status", "owner_id", ownerID, "message", message, "completed", completed)
}
