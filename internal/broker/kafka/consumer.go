package kafka

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/BearBump/parceltrack/internal/logger"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one message. Returning an error stops consumption unless
// the consumer was told to skip that kind of error.
type Handler func(ctx context.Context, key, value []byte) error

type ConsumerOption func(*Consumer)

func WithLogger(log *logger.Logger) ConsumerOption {
	return func(c *Consumer) {
		if log != nil {
			c.log = log
		}
	}
}

// WithSkip commits messages whose handler error matches skip instead of
// stopping on them. Use it for payloads that will never succeed.
func WithSkip(skip func(error) bool) ConsumerOption {
	return func(c *Consumer) {
		c.skip = skip
	}
}

// ConsumerStats counts committed messages; Skipped is a subset of Committed.
type ConsumerStats struct {
	Committed int64
	Skipped   int64
	// Offsets holds the last committed offset per partition.
	Offsets map[int]int64
}

type Consumer struct {
	r    messageReader
	log  *logger.Logger
	skip func(error) bool

	committed atomic.Int64
	skipped   atomic.Int64

	offsetsMu sync.Mutex
	offsets   map[int]int64
}

func NewConsumer(brokers []string, topic, groupID string, opts ...ConsumerOption) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return newConsumerWithReader(kafka.NewReader(cfg), opts...)
}

func newConsumerWithReader(r messageReader, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		r:       r,
		log:     logger.NewNop(),
		offsets: make(map[int]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

func (c *Consumer) Stats() ConsumerStats {
	c.offsetsMu.Lock()
	offsets := make(map[int]int64, len(c.offsets))
	for p, o := range c.offsets {
		offsets[p] = o
	}
	c.offsetsMu.Unlock()
	return ConsumerStats{
		Committed: c.committed.Load(),
		Skipped:   c.skipped.Load(),
		Offsets:   offsets,
	}
}

// Consume feeds messages to handler until ctx is done (returns nil) or a
// fetch, handler or commit error occurs. Messages are committed one by one
// after the handler accepts them.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch message")
		}

		skipped := false
		if err := handler(ctx, msg.Key, msg.Value); err != nil {
			if c.skip == nil || !c.skip(err) {
				// Без commit: сообщение придёт снова после рестарта.
				return errors.Wrapf(err, "handle %s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
			}
			c.log.Warn(ctx, "skipping message",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"key", string(msg.Key),
				"error", err,
			)
			skipped = true
		}

		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
		c.committed.Add(1)
		if skipped {
			c.skipped.Add(1)
		}
		c.offsetsMu.Lock()
		c.offsets[msg.Partition] = msg.Offset
		c.offsetsMu.Unlock()
	}
}
