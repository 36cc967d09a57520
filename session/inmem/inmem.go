// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and single-process deployments. Production
// deployments should use a durable implementation (for example
// features/session/mongo).
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	acp "github.com/agentcomm/acp"
	"github.com/agentcomm/acp/session"
)

// Store is an in-memory implementation of session.Store. It is safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
}

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]session.Session)}
}

// Create implements session.Store.
func (s *Store) Create(_ context.Context, sessionID string, createdAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sessionID]
	if ok {
		if existing.Status == session.StatusEnded {
			return session.Session{}, session.ErrEnded
		}
		return cloneSession(existing), nil
	}

	out := session.Session{
		ID:        sessionID,
		Status:    session.StatusActive,
		CreatedAt: createdAt.UTC(),
	}
	s.sessions[sessionID] = out
	return cloneSession(out), nil
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return cloneSession(existing), nil
}

// AppendHistory implements session.Store.
func (s *Store) AppendHistory(_ context.Context, sessionID string, messages []acp.Message) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if len(messages) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	if existing.Status == session.StatusEnded {
		return session.ErrEnded
	}
	existing.History = append(existing.History, messages...)
	s.sessions[sessionID] = existing
	return nil
}

// End implements session.Store.
func (s *Store) End(_ context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	if existing.Status == session.StatusEnded {
		return cloneSession(existing), nil
	}
	at := endedAt.UTC()
	existing.Status = session.StatusEnded
	existing.EndedAt = &at
	s.sessions[sessionID] = existing
	return cloneSession(existing), nil
}

// Reset clears all stored sessions (useful in tests).
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]session.Session)
}

func cloneSession(in session.Session) session.Session {
	out := in
	if len(in.History) > 0 {
		out.History = append(out.History[:0:0], in.History...)
	}
	if in.EndedAt != nil {
		at := *in.EndedAt
		out.EndedAt = &at
	}
	return out
}
