// Package observe implements the live-view fan-out used by the share
// registry and the item sync engine. A committed mutation publishes once;
// every watcher reloads a full snapshot afterwards, so no watcher ever sees a
// partially applied batch.
package observe

import (
	"context"
	"sync"
)

// Hub distributes change signals. Signals coalesce per subscriber: a slow
// subscriber is guaranteed to observe a reload after the latest publish, not
// one reload per publish.
type Hub struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]chan struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan struct{})}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release it.
func (h *Hub) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Publish signals every subscriber. It never blocks.
func (h *Hub) Publish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Watch emits load's result once immediately and again after every publish
// until ctx is done, then closes the returned channel. Load errors are passed
// to onErr and the emission is skipped.
func Watch[T any](ctx context.Context, h *Hub, load func(context.Context) (T, error), onErr func(error)) <-chan T {
	out := make(chan T)
	signal, cancel := h.Subscribe()
	go func() {
		defer close(out)
		defer cancel()
		for {
			v, err := load(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if onErr != nil {
					onErr(err)
				}
			} else {
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-signal:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
