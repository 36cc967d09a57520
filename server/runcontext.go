package server

import (
	"context"
	"encoding/json"

	acp "github.com/agentcomm/acp"
)

// RunContext is the agent's handle on its run. Agents use it to stream
// output messages and parts, publish generic events, and suspend on an
// await request until the client resumes the run.
type RunContext struct {
	bundle   *Bundle
	agentCtx context.Context
}

// RunID returns the identifier of the executing run.
func (rc *RunContext) RunID() string { return rc.bundle.runID() }

// SessionID returns the session the run belongs to, or "" for sessionless
// runs.
func (rc *RunContext) SessionID() string {
	rc.bundle.mu.Lock()
	defer rc.bundle.mu.Unlock()
	return rc.bundle.run.SessionID
}

// Yield appends a complete message to the run output and emits a
// message.completed event. Any parts streamed since the previous Yield are
// flushed into their own message first.
func (rc *RunContext) Yield(ctx context.Context, msg acp.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	b := rc.bundle
	b.mu.Lock()
	var flushed *acp.Message
	if len(b.parts) > 0 {
		open := acp.Message{Parts: b.parts}
		b.parts = nil
		b.run.Output = append(b.run.Output, open)
		flushed = &open
	}
	b.run.Output = append(b.run.Output, msg)
	runID, sessionID := b.run.RunID, b.run.SessionID
	b.mu.Unlock()

	if flushed != nil {
		b.emit(ctx, acp.Event{Type: acp.EventMessageCompleted, RunID: runID, SessionID: sessionID, Message: flushed})
	}
	b.emit(ctx, acp.Event{Type: acp.EventMessageCompleted, RunID: runID, SessionID: sessionID, Message: &msg})
	return nil
}

// YieldPart streams a single message part. Parts accumulate into an open
// message that closes on the next Yield or when the run finishes.
func (rc *RunContext) YieldPart(ctx context.Context, part acp.MessagePart) error {
	if err := part.Validate(); err != nil {
		return err
	}
	b := rc.bundle
	b.mu.Lock()
	b.parts = append(b.parts, part)
	runID, sessionID := b.run.RunID, b.run.SessionID
	b.mu.Unlock()

	b.emit(ctx, acp.Event{Type: acp.EventMessagePart, RunID: runID, SessionID: sessionID, Part: &part})
	return nil
}

// Generic emits an opaque agent-defined event to stream subscribers. It
// does not touch the run record.
func (rc *RunContext) Generic(ctx context.Context, payload json.RawMessage) error {
	b := rc.bundle
	b.mu.Lock()
	runID, sessionID := b.run.RunID, b.run.SessionID
	b.mu.Unlock()

	b.emit(ctx, acp.Event{Type: acp.EventGeneric, RunID: runID, SessionID: sessionID, Generic: payload})
	return nil
}

// Await suspends the run with the given request and blocks until a client
// resumes it or the run is cancelled. The run transitions to awaiting for
// the duration and back to in-progress on resume.
func (rc *RunContext) Await(ctx context.Context, req acp.AwaitRequest) (acp.AwaitResume, error) {
	b := rc.bundle
	b.mu.Lock()
	if !acp.CanTransition(b.run.Status, acp.StatusAwaiting) {
		status := b.run.Status
		b.mu.Unlock()
		return acp.AwaitResume{}, acp.Errorf(acp.CodeInvalidInput, "cannot await from status %s", status)
	}
	b.run.Status = acp.StatusAwaiting
	b.run.AwaitRequest = &req
	b.bumpLocked()
	snap := b.snapshotLocked()
	b.mu.Unlock()

	b.persist(ctx, snap)
	b.emit(ctx, acp.Event{Type: acp.EventRunAwaiting, RunID: snap.RunID, SessionID: snap.SessionID, Run: &snap})

	select {
	case res := <-b.resume:
		b.mu.Lock()
		b.resumePending = false
		b.run.AwaitRequest = nil
		b.mu.Unlock()
		if !b.transition(ctx, acp.StatusInProgress, acp.EventRunInProgress) {
			// The run was cancelled between the resume delivery and the
			// transition back to in-progress.
			if err := ctx.Err(); err != nil {
				return acp.AwaitResume{}, err
			}
			return acp.AwaitResume{}, context.Canceled
		}
		return res, nil
	case <-ctx.Done():
		return acp.AwaitResume{}, ctx.Err()
	}
}
