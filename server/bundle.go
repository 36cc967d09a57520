package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	acp "github.com/agentcomm/acp"
	"github.com/agentcomm/acp/run"
	"github.com/agentcomm/acp/session"
	"github.com/agentcomm/acp/stream"
)

// Bundle couples a run with its executing agent. It drives the lifecycle
// state machine, publishes stream events, carries the await/resume
// handshake, and persists the run record on every transition.
//
// The server creates a bundle per run; callers start execution with Start
// and observe it through Snapshot, Join, and stream subscriptions. All
// methods are safe for concurrent use.
type Bundle struct {
	agent    Agent
	sink     stream.Sink
	runs     run.Store
	sessions session.Store
	tracer   trace.Tracer
	base     context.Context

	// input is the full conversation handed to the agent: session history
	// followed by the request messages. newInput holds only the request
	// messages and is what gets appended to session history together with
	// the output.
	input    []acp.Message
	newInput []acp.Message

	mu    sync.Mutex
	run   acp.Run
	parts []acp.MessagePart

	resume        chan acp.AwaitResume
	resumePending bool
	stateCh       chan struct{}
	done          chan struct{}
	started       bool
	cancel        context.CancelFunc
	onDone        func()
}

// Start launches the agent in its own goroutine. Subsequent calls are
// no-ops. Execution is detached from the request that created the run: it
// continues after the HTTP response is written.
func (b *Bundle) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	ctx, cancel := context.WithCancel(b.base)
	b.cancel = cancel
	b.mu.Unlock()
	go b.execute(ctx)
}

// Join blocks until the run reaches a terminal status or ctx expires.
func (b *Bundle) Join(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle blocks until the run settles or suspends on an await request,
// then returns the snapshot. When ctx expires the current snapshot is
// returned so callers can report whatever progress the run has made.
func (b *Bundle) WaitIdle(ctx context.Context) acp.Run {
	for {
		b.mu.Lock()
		snap := b.snapshotLocked()
		idle := snap.Status.Terminal() || (snap.Status == acp.StatusAwaiting && !b.resumePending)
		ch := b.stateCh
		b.mu.Unlock()
		if idle {
			return snap
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return snap
		}
	}
}

// bumpLocked wakes WaitIdle callers after a state change. Callers hold mu.
func (b *Bundle) bumpLocked() {
	close(b.stateCh)
	b.stateCh = make(chan struct{})
}

// Snapshot returns a deep copy of the current run state.
func (b *Bundle) Snapshot() acp.Run {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Resume delivers an await resume payload to the agent. The run must be in
// the awaiting status and have no resume already pending.
func (b *Bundle) Resume(res acp.AwaitResume) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.run.Status.Terminal() {
		return acp.Errorf(acp.CodeRunTerminal, "run %s is %s", b.run.RunID, b.run.Status)
	}
	if b.run.Status != acp.StatusAwaiting {
		return acp.Errorf(acp.CodeNotAwaiting, "run %s is %s, not awaiting", b.run.RunID, b.run.Status)
	}
	if b.resumePending {
		return acp.Errorf(acp.CodeInvalidInput, "run %s already has a pending resume", b.run.RunID)
	}
	b.resumePending = true
	b.resume <- res
	return nil
}

// Cancel requests cancellation. Runs in a terminal status cannot be
// cancelled; cancelling an already-cancelling run is a no-op. The returned
// snapshot reflects the cancelling status; the terminal cancelled status
// arrives asynchronously once the agent unwinds.
func (b *Bundle) Cancel(ctx context.Context) (acp.Run, error) {
	b.mu.Lock()
	if b.run.Status.Terminal() {
		snap := b.snapshotLocked()
		b.mu.Unlock()
		return snap, acp.Errorf(acp.CodeRunTerminal, "run %s is %s", snap.RunID, snap.Status)
	}
	if b.run.Status == acp.StatusCancelling {
		snap := b.snapshotLocked()
		b.mu.Unlock()
		return snap, nil
	}
	b.run.Status = acp.StatusCancelling
	b.bumpLocked()
	snap := b.snapshotLocked()
	started := b.started
	cancel := b.cancel
	if !started {
		// Never started: settle directly, there is no goroutine to unwind.
		b.started = true
	}
	b.mu.Unlock()

	b.persist(ctx, snap)
	if started {
		cancel()
		return snap, nil
	}
	b.settle(ctx, context.Canceled, nil)
	return snap, nil
}

func (b *Bundle) runID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.run.RunID
}

// execute runs the agent to completion. It emits run.created first so
// stream subscribers observe the full lifecycle, then transitions to
// in-progress and hands control to the agent.
func (b *Bundle) execute(ctx context.Context) {
	b.mu.Lock()
	snap := b.snapshotLocked()
	b.mu.Unlock()

	ctx, span := b.tracer.Start(ctx, "acp.run",
		trace.WithAttributes(
			attribute.String("acp.agent", snap.AgentName),
			attribute.String("acp.run_id", snap.RunID),
		))
	var spanErr error
	defer func() {
		if spanErr != nil {
			span.SetStatus(codes.Error, spanErr.Error())
		}
		span.End()
	}()

	b.emit(ctx, acp.Event{Type: acp.EventRunCreated, RunID: snap.RunID, SessionID: snap.SessionID, Run: &snap})

	if !b.transition(ctx, acp.StatusInProgress, acp.EventRunInProgress) {
		// Cancelled before start.
		b.settle(ctx, context.Canceled, nil)
		return
	}

	err := b.agent.Run(ctx, b.input, &RunContext{bundle: b, agentCtx: ctx})
	spanErr = err
	b.settle(ctx, err, nil)
}

// transition moves the run to the given status when the lifecycle allows
// it, persisting and emitting the corresponding event. It reports whether
// the transition happened.
func (b *Bundle) transition(ctx context.Context, to acp.RunStatus, event acp.EventType) bool {
	b.mu.Lock()
	if !acp.CanTransition(b.run.Status, to) {
		b.mu.Unlock()
		return false
	}
	b.run.Status = to
	b.bumpLocked()
	snap := b.snapshotLocked()
	b.mu.Unlock()

	b.persist(ctx, snap)
	if event != "" {
		b.emit(ctx, acp.Event{Type: event, RunID: snap.RunID, SessionID: snap.SessionID, Run: &snap})
	}
	return true
}

// settle finalizes the run: flushes any open output message, resolves the
// terminal status, persists, emits the terminal event, and appends session
// history for completed runs.
func (b *Bundle) settle(ctx context.Context, runErr error, protoErr *acp.Error) {
	b.mu.Lock()
	if b.run.Status.Terminal() {
		b.mu.Unlock()
		return
	}

	var flushed *acp.Message
	if len(b.parts) > 0 {
		msg := acp.Message{Parts: b.parts}
		b.parts = nil
		b.run.Output = append(b.run.Output, msg)
		flushed = &msg
	}

	var eventType acp.EventType
	switch {
	case b.run.Status == acp.StatusCancelling:
		b.run.Status = acp.StatusCancelled
		eventType = acp.EventRunCancelled
	case runErr != nil:
		b.run.Status = acp.StatusFailed
		eventType = acp.EventRunFailed
		perr := protoErr
		if perr == nil && !errors.As(runErr, &perr) {
			perr = acp.Errorf(acp.CodeServerError, "%s", runErr.Error())
		}
		b.run.Error = perr
	default:
		b.run.Status = acp.StatusCompleted
		eventType = acp.EventRunCompleted
	}
	b.run.AwaitRequest = nil
	now := time.Now().UTC()
	b.run.FinishedAt = &now
	b.bumpLocked()
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if flushed != nil {
		b.emit(ctx, acp.Event{Type: acp.EventMessageCompleted, RunID: snap.RunID, SessionID: snap.SessionID, Message: flushed})
	}
	b.persist(ctx, snap)
	if snap.Status == acp.StatusCompleted && snap.SessionID != "" {
		history := append(append([]acp.Message(nil), b.newInput...), snap.Output...)
		if err := b.sessions.AppendHistory(ctx, snap.SessionID, history); err != nil {
			log.Errorf(ctx, err, "append history to session %s", snap.SessionID)
		}
	}
	b.emit(ctx, acp.Event{Type: eventType, RunID: snap.RunID, SessionID: snap.SessionID, Run: &snap})
	close(b.done)
	if b.onDone != nil {
		b.onDone()
	}
}

func (b *Bundle) persist(ctx context.Context, snap acp.Run) {
	if err := b.runs.Upsert(ctx, run.FromSnapshot(snap)); err != nil {
		log.Errorf(ctx, err, "persist run %s", snap.RunID)
	}
}

func (b *Bundle) emit(ctx context.Context, event acp.Event) {
	if err := b.sink.Send(ctx, event); err != nil {
		log.Errorf(ctx, err, "emit %s event for run %s", event.Type, event.RunID)
	}
}

func (b *Bundle) snapshotLocked() acp.Run {
	out := b.run
	if len(b.run.Output) > 0 {
		out.Output = append(out.Output[:0:0], b.run.Output...)
	}
	if b.run.AwaitRequest != nil {
		ar := *b.run.AwaitRequest
		out.AwaitRequest = &ar
	}
	if b.run.Error != nil {
		e := *b.run.Error
		out.Error = &e
	}
	if b.run.FinishedAt != nil {
		at := *b.run.FinishedAt
		out.FinishedAt = &at
	}
	return out
}
