// Package session tracks per-call conversation state and enforces that
// each call has at most one live turn.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

var (
	// ErrUnknownSession is returned by Get for a call id with no session.
	ErrUnknownSession = errors.New("unknown session")

	// ErrDuplicateSession is returned by Open for a call id that already
	// has a session.
	ErrDuplicateSession = errors.New("duplicate session")
)

// Manager owns the mapping from call id to session. It is safe for
// concurrent use; sessions for different calls are independent.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewManager creates an empty session manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "session"),
	}
}

// Open creates the session for callID.
func (m *Manager) Open(callID, from, to string) (*Session, error) {
	if callID == "" {
		return nil, errors.New("call id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[callID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, callID)
	}
	s := newSession(callID, from, to)
	m.sessions[callID] = s

	m.logger.Info("session opened", "call_id", callID, "from", from, "to", to, "active_calls", len(m.sessions))
	return s, nil
}

// Get returns the session for callID.
func (m *Manager) Get(callID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, callID)
	}
	return s, nil
}

// Close cancels the active turn of callID, if any, and removes the
// session. Closing an unknown or already closed session is a no-op.
func (m *Manager) Close(callID string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if ok {
		delete(m.sessions, callID)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}
	s.close()
	m.logger.Info("session closed",
		"call_id", callID,
		"messages", s.Len(),
		"active_calls", remaining,
	)
}

// CloseAll closes every session. Used on shutdown.
func (m *Manager) CloseAll() {
	for _, id := range m.CallIDs() {
		m.Close(id)
	}
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CallIDs returns the open call ids in sorted order.
func (m *Manager) CallIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	slices.Sort(ids)
	return ids
}
