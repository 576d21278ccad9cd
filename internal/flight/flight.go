// Package flight deduplicates concurrent calls per key, binding every waiter
// to its own context.
package flight

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"
)

// Group runs one call per key among concurrent callers. The call receives
// the context of the caller that started it, so that caller's cancellation
// still commits nothing. Waiters whose context is live retry when the shared
// call failed only because its starter gave up.
type Group struct {
	g singleflight.Group
}

// Do runs fn for key, or joins the call already in flight. It returns early
// with ctx.Err() when ctx is done first.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	for {
		var started bool
		ch := g.g.DoChan(key, func() (any, error) {
			started = true
			return fn(ctx)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil && !started && ctx.Err() == nil && isCancellation(res.Err) {
				continue
			}
			return res.Val, res.Err
		}
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
