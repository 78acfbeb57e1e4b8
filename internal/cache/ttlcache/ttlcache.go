// Package ttlcache keeps short-lived per-user batch payloads (upload results,
// rejected rows) until the owner has seen them.
//
// An entry is evicted by Sweep only when it has been read at least once and
// the TTL has elapsed since the last read. Unread entries stay regardless of age.
package ttlcache

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

type entry[T any] struct {
	payload    T
	lastAccess time.Time
	viewed     bool
}

type bucket[T any] struct {
	mu      sync.Mutex
	entries map[int64]*entry[T]
	// dead is set once the bucket is unlinked from the user map.
	dead bool
}

type Cache[T any] struct {
	ttl   time.Duration
	clock clockz.Clock
	users sync.Map // userID -> *bucket[T]
}

func New[T any](ttl time.Duration, clock clockz.Clock) *Cache[T] {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Cache[T]{ttl: ttl, clock: clock}
}

// lockedBucket returns the live bucket of userID locked by the caller.
func (c *Cache[T]) lockedBucket(userID int64) *bucket[T] {
	for {
		v, _ := c.users.LoadOrStore(userID, &bucket[T]{entries: make(map[int64]*entry[T])})
		b := v.(*bucket[T])
		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

// Add stores payload for the batch, replacing any previous one.
func (c *Cache[T]) Add(userID, batchID int64, payload T) {
	b := c.lockedBucket(userID)
	defer b.mu.Unlock()
	b.entries[batchID] = &entry[T]{payload: payload, lastAccess: c.clock.Now()}
}

// Get returns the payload of a batch and marks it viewed.
func (c *Cache[T]) Get(userID, batchID int64) (T, bool) {
	var zero T
	v, ok := c.users.Load(userID)
	if !ok {
		return zero, false
	}
	b := v.(*bucket[T])
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[batchID]
	if !ok {
		return zero, false
	}
	e.viewed = true
	e.lastAccess = c.clock.Now()
	return e.payload, true
}

// GetLatest returns the payload of the user's batch with the largest id.
func (c *Cache[T]) GetLatest(userID int64) (batchID int64, payload T, ok bool) {
	v, found := c.users.Load(userID)
	if !found {
		return 0, payload, false
	}
	b := v.(*bucket[T])
	b.mu.Lock()
	defer b.mu.Unlock()

	var latest *entry[T]
	for id, e := range b.entries {
		if latest == nil || id > batchID {
			batchID, latest = id, e
		}
	}
	if latest == nil {
		return 0, payload, false
	}
	latest.viewed = true
	latest.lastAccess = c.clock.Now()
	return batchID, latest.payload, true
}

// Clear drops every batch of the user.
func (c *Cache[T]) Clear(userID int64) {
	v, ok := c.users.Load(userID)
	if !ok {
		return
	}
	b := v.(*bucket[T])
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[int64]*entry[T])
	b.dead = true
	c.users.CompareAndDelete(userID, b)
}

// Sweep evicts viewed entries whose TTL elapsed and returns how many were removed.
func (c *Cache[T]) Sweep() int {
	now := c.clock.Now()
	removed := 0
	c.users.Range(func(key, value any) bool {
		b := value.(*bucket[T])
		b.mu.Lock()
		for id, e := range b.entries {
			if e.viewed && now.Sub(e.lastAccess) >= c.ttl {
				delete(b.entries, id)
				removed++
			}
		}
		if len(b.entries) == 0 {
			b.dead = true
			c.users.CompareAndDelete(key, b)
		}
		b.mu.Unlock()
		return true
	})
	return removed
}

// Len reports the number of cached batches across all users.
func (c *Cache[T]) Len() int {
	n := 0
	c.users.Range(func(_, value any) bool {
		b := value.(*bucket[T])
		b.mu.Lock()
		n += len(b.entries)
		b.mu.Unlock()
		return true
	})
	return n
}

// Run sweeps every interval until ctx is done. onSweep, if set, receives the
// number of evicted entries after each pass.
func (c *Cache[T]) Run(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
			n := c.Sweep()
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}
