// Package mongo implements the session store on MongoDB.
package mongo

import (
	"context"
	"errors"
	"time"

	acp "github.com/agentcomm/acp"
	mongoc "github.com/agentcomm/acp/features/session/mongo/clients/mongo"
	"github.com/agentcomm/acp/session"
)

// Store implements session.Store by delegating to the Mongo client.
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

// Create creates or returns an active session.
func (s *Store) Create(ctx context.Context, sessionID string, createdAt time.Time) (session.Session, error) {
	return s.client.CreateSession(ctx, sessionID, createdAt)
}

// Load retrieves a session with its history.
func (s *Store) Load(ctx context.Context, sessionID string) (session.Session, error) {
	return s.client.LoadSession(ctx, sessionID)
}

// AppendHistory appends messages to the session history.
func (s *Store) AppendHistory(ctx context.Context, sessionID string, messages []acp.Message) error {
	return s.client.AppendHistory(ctx, sessionID, messages)
}

// End marks a session terminal.
func (s *Store) End(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	return s.client.EndSession(ctx, sessionID, endedAt)
}
