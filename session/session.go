// Package session defines durable session lifecycle and history primitives.
//
// A session groups related runs into a conversation. Runs created under a
// session receive the accumulated history of prior runs as leading input,
// and append their own input and output to it on completion. Sessions are
// created implicitly the first time a run references them and ended
// explicitly; ended sessions are terminal and accept no new runs.
package session

import (
	"context"
	"errors"
	"time"

	acp "github.com/agentcomm/acp"
)

type (
	// Session captures durable session state.
	Session struct {
		// ID is the durable identifier of the session.
		ID string `json:"id"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// History is the ordered conversation accumulated across runs.
		History []acp.Message `json:"history"`
		// CreatedAt records when the session was created.
		CreatedAt time.Time `json:"created_at"`
		// EndedAt is set when the session is ended.
		EndedAt *time.Time `json:"ended_at,omitempty"`
	}

	// Store persists session state.
	//
	// Implementations must be durable where it matters: failures surface to
	// callers so run creation can fail fast when session state is
	// unavailable.
	Store interface {
		// Create creates (or returns) an active session.
		//
		// Idempotent for active sessions: returns the existing session.
		// Returns ErrEnded when the session exists but is terminal.
		Create(ctx context.Context, sessionID string, createdAt time.Time) (Session, error)
		// Load loads an existing session. Returns ErrNotFound when the
		// session does not exist.
		Load(ctx context.Context, sessionID string) (Session, error)
		// AppendHistory appends messages to the session history in order.
		// Returns ErrEnded when the session is terminal.
		AppendHistory(ctx context.Context, sessionID string, messages []acp.Message) error
		// End ends a session and returns its terminal state. Idempotent:
		// ending an already-ended session returns the stored session.
		End(ctx context.Context, sessionID string, endedAt time.Time) (Session, error)
	}

	// Status represents the lifecycle state of a session.
	Status string
)

const (
	// StatusActive indicates the session is open for new runs.
	StatusActive Status = "active"
	// StatusEnded indicates the session is terminal.
	StatusEnded Status = "ended"
)

var (
	// ErrNotFound indicates a session does not exist in the store.
	ErrNotFound = errors.New("session not found")
	// ErrEnded indicates a session exists but is ended.
	ErrEnded = errors.New("session ended")
)
