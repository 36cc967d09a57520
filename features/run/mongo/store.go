// Package mongo implements the run store on MongoDB.
package mongo

import (
	"context"
	"errors"

	mongoc "github.com/agentcomm/acp/features/run/mongo/clients/mongo"
	"github.com/agentcomm/acp/run"
)

// Store implements run.Store by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Upsert stores the provided run record.
func (s *Store) Upsert(ctx context.Context, rec run.Record) error {
	return s.client.UpsertRun(ctx, rec)
}

// Load retrieves a run record from storage.
func (s *Store) Load(ctx context.Context, runID string) (run.Record, error) {
	return s.client.LoadRun(ctx, runID)
}

// ListBySession retrieves the records of a session ordered by creation
// time.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]run.Record, error) {
	return s.client.ListRunsBySession(ctx, sessionID)
}
