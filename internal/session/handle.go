package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Handle is the cancellation handle of one turn. Its context is
// cancelled when the turn is superseded, interrupted or its session is
// closed. Done is closed once the turn's goroutine has finished.
type Handle struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	// prev is the handle of the turn this one superseded; its goroutine
	// may still be draining.
	prev *Handle
}

func newHandle(parent context.Context, prev *Handle) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		prev:   prev,
	}
}

// ID returns the turn identifier.
func (h *Handle) ID() string { return h.id }

// Context returns the turn context. Pass it to every blocking call made
// on behalf of the turn.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancelled reports whether the turn has been invalidated.
func (h *Handle) Cancelled() bool { return h.ctx.Err() != nil }

// Done is closed after Finish.
func (h *Handle) Done() <-chan struct{} { return h.done }

// WaitPrevious blocks until the superseded turn, if any, has finished,
// so that at most one round loop runs per session. It returns the
// context error if this turn is cancelled while waiting.
func (h *Handle) WaitPrevious() error {
	prev := h.prev
	if prev == nil {
		return h.ctx.Err()
	}
	select {
	case <-prev.done:
		return h.ctx.Err()
	case <-h.ctx.Done():
		return h.ctx.Err()
	}
}

func (h *Handle) finish() {
	h.once.Do(func() {
		h.cancel()
		close(h.done)
	})
}
