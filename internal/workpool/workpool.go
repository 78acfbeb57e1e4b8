// Package workpool bounds the number of concurrent outbound carrier calls
// across every batch running in the process.
package workpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const defaultSize = 10

type Pool struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64
}

func New(size int) *Pool {
	if size <= 0 {
		size = defaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

func (p *Pool) Size() int64     { return p.size }
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Each runs fn for every index in [0, n) on the shared pool and waits for all
// of them. Errors returned by fn do not cancel siblings; the first one is
// returned. Only ctx cancellation stops scheduling new work.
func (p *Pool) Each(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	var g errgroup.Group
	var firstErr error
	var errOnce atomic.Bool
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			_ = g.Wait()
			return err
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			_ = g.Wait()
			return err
		}
		i := i
		p.inFlight.Add(1)
		g.Go(func() error {
			defer func() {
				p.inFlight.Add(-1)
				p.sem.Release(1)
			}()
			if err := fn(ctx, i); err != nil && errOnce.CompareAndSwap(false, true) {
				firstErr = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return firstErr
}
