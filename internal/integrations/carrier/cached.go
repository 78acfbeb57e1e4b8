package carrier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/parceltrack/internal/logger"
	"github.com/BearBump/parceltrack/internal/models"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CachedGateway keeps fetched histories for a short TTL so that repeated
// refreshes of a number hit the carrier once. Cache failures fall through to
// the carrier; empty histories are not cached.
type CachedGateway struct {
	next  Gateway
	cache Cache
	ttl   time.Duration
	log   *logger.Logger
}

func NewCachedGateway(next Gateway, cache Cache, ttl time.Duration, log *logger.Logger) *CachedGateway {
	if log == nil {
		log = logger.NewNop()
	}
	return &CachedGateway{next: next, cache: cache, ttl: ttl, log: log}
}

func (c *CachedGateway) FetchHistory(ctx context.Context, number string) (models.History, error) {
	if b, ok, err := c.cache.Get(ctx, number); err != nil {
		c.log.Warn(ctx, "history cache get", "number", number, "error", err)
	} else if ok {
		var h models.History
		if err := json.Unmarshal(b, &h); err == nil {
			return h, nil
		}
	}

	h, err := c.next.FetchHistory(ctx, number)
	if err != nil || len(h) == 0 {
		return h, err
	}

	if b, err := json.Marshal(h); err == nil {
		if err := c.cache.Set(ctx, number, b, c.ttl); err != nil {
			c.log.Warn(ctx, "history cache set", "number", number, "error", err)
		}
	}
	return h, nil
}
