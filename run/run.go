// Package run defines the durable record kept for every agent run and the
// store interface persistence backends implement.
//
// A run is a single invocation of an agent. The server owns the in-flight
// execution state; the record is the durable projection used for lookup
// after process restarts and across instances.
package run

import (
	"context"
	"errors"
	"time"

	acp "github.com/agentcomm/acp"
)

type (
	// Record is the persisted form of a run.
	Record struct {
		// RunID uniquely identifies the run.
		RunID string
		// AgentName identifies the agent that processed the run.
		AgentName string
		// SessionID associates the run with a session. Optional.
		SessionID string
		// Status is the lifecycle state at the time of the last upsert.
		Status acp.RunStatus
		// AwaitRequest is the pending await payload while Status is awaiting.
		AwaitRequest *acp.AwaitRequest
		// Output holds the messages yielded so far.
		Output []acp.Message
		// Error describes the failure when Status is failed.
		Error *acp.Error
		// CreatedAt records when the run was accepted.
		CreatedAt time.Time
		// UpdatedAt records the last persistence of the record.
		UpdatedAt time.Time
		// FinishedAt records when the run reached a terminal status.
		FinishedAt *time.Time
	}

	// Store persists run records.
	//
	// Implementations must be safe for concurrent use. Upsert replaces the
	// stored record; callers serialize updates per run.
	Store interface {
		// Upsert inserts or replaces the record.
		Upsert(ctx context.Context, rec Record) error
		// Load returns the record. Returns ErrNotFound when missing.
		Load(ctx context.Context, runID string) (Record, error)
		// ListBySession returns the records belonging to a session ordered
		// by creation time.
		ListBySession(ctx context.Context, sessionID string) ([]Record, error)
	}
)

// ErrNotFound indicates the run record does not exist in the store.
var ErrNotFound = errors.New("run not found")

// Snapshot converts the record into the protocol run representation.
func (r Record) Snapshot() acp.Run {
	out := acp.Run{
		RunID:        r.RunID,
		AgentName:    r.AgentName,
		SessionID:    r.SessionID,
		Status:       r.Status,
		AwaitRequest: r.AwaitRequest,
		Output:       append([]acp.Message(nil), r.Output...),
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
		FinishedAt:   r.FinishedAt,
	}
	return out
}

// FromSnapshot builds a record from a protocol run.
func FromSnapshot(run acp.Run) Record {
	return Record{
		RunID:        run.RunID,
		AgentName:    run.AgentName,
		SessionID:    run.SessionID,
		Status:       run.Status,
		AwaitRequest: run.AwaitRequest,
		Output:       append([]acp.Message(nil), run.Output...),
		Error:        run.Error,
		CreatedAt:    run.CreatedAt,
		FinishedAt:   run.FinishedAt,
	}
}
