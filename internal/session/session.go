package session

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/vanguard/internal/llm"
)

// Session is the conversation state of one call. History is an
// append-only log; every append made on behalf of a turn goes through
// Append or Commit, which refuse to act once the turn's handle has been
// invalidated.
type Session struct {
	CallID    string
	From      string
	To        string
	CreatedAt time.Time

	mu      sync.Mutex
	history []llm.Message
	active  *Handle
	last    *Handle
	closed  bool
}

func newSession(callID, from, to string) *Session {
	return &Session{
		CallID:    callID,
		From:      from,
		To:        to,
		CreatedAt: time.Now(),
	}
}

// Begin starts a new turn for utterance. In one critical section it
// cancels the active handle (a new utterance supersedes the previous
// turn), appends the user message and installs the new handle. On a
// closed session it returns an already-cancelled handle and leaves the
// history untouched.
func (s *Session) Begin(parent context.Context, utterance string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		s.active.cancel()
		s.active = nil
	}

	h := newHandle(parent, s.last)
	if s.closed {
		h.cancel()
		return h
	}

	s.history = append(s.history, llm.UserMessage(utterance))
	s.active = h
	s.last = h
	return h
}

// Interrupt cancels the active turn without touching history. It
// reports whether a turn was active; interrupting an idle session is a
// no-op.
func (s *Session) Interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return false
	}
	s.active.cancel()
	s.active = nil
	return true
}

// Append adds msgs to the history if h is still the live handle. It
// reports whether the messages were appended.
func (s *Session) Append(h *Handle, msgs ...llm.Message) bool {
	return s.Commit(h, func([]llm.Message) {
		s.history = append(s.history, msgs...)
	})
}

// Commit runs fn under the session lock if h is still the live handle,
// and reports whether it ran. fn receives the current history, which it
// must not retain or modify. Frame emission runs inside Commit so that
// nothing reaches the caller after the turn was cancelled.
func (s *Session) Commit(h *Handle, fn func(history []llm.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.liveLocked(h) {
		return false
	}
	fn(s.history)
	return true
}

// Live reports whether h is the session's active, uncancelled handle.
func (s *Session) Live(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(h)
}

func (s *Session) liveLocked(h *Handle) bool {
	return h != nil && s.active == h && h.ctx.Err() == nil
}

// Finish ends the turn of h: the active handle is cleared if it is
// still h, the handle's context is released and Done is closed.
// Finish is safe to call more than once.
func (s *Session) Finish(h *Handle) {
	s.mu.Lock()
	if s.active == h {
		s.active = nil
	}
	s.mu.Unlock()

	h.prev = nil
	h.finish()
}

// Active reports whether a turn is executing or draining.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// History returns a copy of the conversation log.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.history...)
}

// Len returns the number of messages in the history.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.active != nil {
		s.active.cancel()
		s.active = nil
	}
}
