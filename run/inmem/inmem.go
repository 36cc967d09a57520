// Package inmem provides an in-memory implementation of run.Store.
//
// It is intended for tests and single-process deployments. Production
// deployments should use a durable implementation (for example
// features/run/mongo).
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agentcomm/acp/run"
)

// Store is an in-memory implementation of run.Store. It is safe for
// concurrent use.
type Store struct {
	mu   sync.RWMutex
	runs map[string]run.Record
}

// New returns an empty Store.
func New() *Store {
	return &Store{runs: make(map[string]run.Record)}
}

// Upsert implements run.Store.
func (s *Store) Upsert(_ context.Context, rec run.Record) error {
	if rec.RunID == "" {
		return errors.New("run id is required")
	}
	if rec.AgentName == "" {
		return errors.New("agent name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.runs[rec.RunID]; ok && !existing.CreatedAt.IsZero() && rec.CreatedAt.IsZero() {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.runs[rec.RunID] = cloneRecord(rec)
	return nil
}

// Load implements run.Store.
func (s *Store) Load(_ context.Context, runID string) (run.Record, error) {
	if runID == "" {
		return run.Record{}, errors.New("run id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return run.Record{}, run.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// ListBySession implements run.Store.
func (s *Store) ListBySession(_ context.Context, sessionID string) ([]run.Record, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]run.Record, 0, len(s.runs))
	for _, rec := range s.runs {
		if rec.SessionID != sessionID {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Reset clears all stored records (useful in tests).
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[string]run.Record)
}

func cloneRecord(in run.Record) run.Record {
	out := in
	if len(in.Output) > 0 {
		out.Output = append(out.Output[:0:0], in.Output...)
	}
	if in.AwaitRequest != nil {
		ar := *in.AwaitRequest
		out.AwaitRequest = &ar
	}
	if in.Error != nil {
		e := *in.Error
		out.Error = &e
	}
	if in.FinishedAt != nil {
		at := *in.FinishedAt
		out.FinishedAt = &at
	}
	return out
}
