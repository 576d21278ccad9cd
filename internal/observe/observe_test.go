package observe

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishCoalesces(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish()
	h.Publish()
	h.Publish()

	<-ch
	select {
	case <-ch:
		t.Fatal("expected coalesced signal")
	default:
	}
	assert.Equal(t, 1, h.Subscribers())
	cancel()
	assert.Equal(t, 0, h.Subscribers())
}

func TestWatch_ReloadsAfterPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	h := NewHub()
	var n atomic.Int64

	out := Watch(ctx, h, func(context.Context) (int64, error) {
		return n.Load(), nil
	}, nil)

	assert.Equal(t, int64(0), <-out)

	n.Store(5)
	h.Publish()
	assert.Equal(t, int64(5), <-out)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-out
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.Subscribers())
}

func TestWatch_LoadErrorSkipsEmission(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	h := NewHub()
	fail := atomic.Bool{}
	fail.Store(true)
	errs := make(chan error, 1)

	out := Watch(ctx, h, func(context.Context) (string, error) {
		if fail.Load() {
			return "", errors.New("boom")
		}
		return "ok", nil
	}, func(err error) { errs <- err })

	require.EqualError(t, <-errs, "boom")
	fail.Store(false)
	h.Publish()
	assert.Equal(t, "ok", <-out)
}
