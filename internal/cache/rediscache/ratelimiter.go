package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// MinuteWindow outlives one minute so a key never expires while its minute
// is still current on a slightly skewed clock.
const MinuteWindow = 70 * time.Second

// RateLimiter is a fixed-window counter shared by every worker instance.
type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(c *redis.Client) *RateLimiter {
	return &RateLimiter{c: c}
}

// Allow делает INCR по ключу и ставит TTL окна.
// Возвращает (allowed, currentCount).
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}

// MinuteKey is the counter key of scope for the minute containing now.
func MinuteKey(scope string, now time.Time) string {
	return fmt.Sprintf("rl:carrier:%s:%s", scope, now.UTC().Format("200601021504"))
}
