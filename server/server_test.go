package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	acp "github.com/agentcomm/acp"
	runmem "github.com/agentcomm/acp/run/inmem"
	"github.com/agentcomm/acp/session"
	sessionmem "github.com/agentcomm/acp/session/inmem"
)

func echoAgent() Agent {
	return NewAgent(acp.AgentManifest{Name: "echo"}, func(ctx context.Context, input []acp.Message, rc *RunContext) error {
		for _, msg := range input {
			if err := rc.Yield(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

func awaiterAgent() Agent {
	return NewAgent(acp.AgentManifest{Name: "awaiter"}, func(ctx context.Context, input []acp.Message, rc *RunContext) error {
		res, err := rc.Await(ctx, acp.AwaitRequest{})
		if err != nil {
			return err
		}
		reply := acp.Text("resumed")
		if res.Message != nil {
			reply = *res.Message
		}
		return rc.Yield(ctx, reply)
	})
}

func blockingAgent(release chan struct{}) Agent {
	return NewAgent(acp.AgentManifest{Name: "blocker"}, func(ctx context.Context, input []acp.Message, rc *RunContext) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func startRun(t *testing.T, srv *Server, req CreateRequest) *Bundle {
	t.Helper()
	bundle, err := srv.CreateRun(context.Background(), req)
	require.NoError(t, err)
	bundle.Start()
	return bundle
}

func waitStatus(t *testing.T, bundle *Bundle, status acp.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return bundle.Snapshot().Status == status
	}, time.Second, 5*time.Millisecond, "run never reached %s", status)
}

func TestRunCompletes(t *testing.T) {
	srv := New()
	require.NoError(t, srv.Register(echoAgent()))

	bundle := startRun(t, srv, CreateRequest{AgentName: "echo", Input: []acp.Message{acp.Text("hello")}})
	require.NoError(t, bundle.Join(context.Background()))

	snap := bundle.Snapshot()
	require.Equal(t, acp.StatusCompleted, snap.Status)
	require.Len(t, snap.Output, 1)
	require.Equal(t, "hello", snap.Output[0].Text())
	require.NotNil(t, snap.FinishedAt)

	// Terminal run is served from the store after bundle eviction.
	got, err := srv.GetRun(context.Background(), snap.RunID)
	require.NoError(t, err)
	require.Equal(t, acp.StatusCompleted, got.Status)
}

func TestRunFails(t *testing.T) {
	srv := New()
	require.NoError(t, srv.Register(NewAgent(acp.AgentManifest{Name: "failer"},
		func(ctx context.Context, input []acp.Message, rc *RunContext) error {
			return acp.Errorf(acp.CodeServerError, "agent exploded")
		})))

	bundle := startRun(t, srv, CreateRequest{AgentName: "failer", Input: []acp.Message{acp.Text("x")}})
	require.NoError(t, bundle.Join(context.Background()))

	snap := bundle.Snapshot()
	require.Equal(t, acp.StatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	require.Equal(t, acp.CodeServerError, snap.Error.Code)
	require.Equal(t, "agent exploded", snap.Error.Message)
}

func TestRunStreamsParts(t *testing.T) {
	srv := New()
	require.NoError(t, srv.Register(NewAgent(acp.AgentManifest{Name: "streamer"},
		func(ctx context.Context, input []acp.Message, rc *RunContext) error {
			if err := rc.YieldPart(ctx, acp.TextPart("a")); err != nil {
				return err
			}
			return rc.YieldPart(ctx, acp.TextPart("b"))
		})))

	bundle, err := srv.CreateRun(context.Background(), CreateRequest{AgentName: "streamer", Input: []acp.Message{acp.Text("go")}})
	require.NoError(t, err)
	sub := srv.Subscribe(bundle.Snapshot().RunID, 16)
	defer sub.Cancel()
	bundle.Start()
	require.NoError(t, bundle.Join(context.Background()))

	snap := bundle.Snapshot()
	require.Equal(t, acp.StatusCompleted, snap.Status)
	require.Len(t, snap.Output, 1, "expected open parts flushed into one message")
	require.Equal(t, "ab", snap.Output[0].Text())

	var types []acp.EventType
	for event := range sub.C {
		types = append(types, event.Type)
	}
	require.Equal(t, []acp.EventType{
		acp.EventRunCreated,
		acp.EventRunInProgress,
		acp.EventMessagePart,
		acp.EventMessagePart,
		acp.EventMessageCompleted,
		acp.EventRunCompleted,
	}, types)
}

func TestAwaitResume(t *testing.T) {
	srv := New()
	require.NoError(t, srv.Register(awaiterAgent()))

	bundle := startRun(t, srv, CreateRequest{AgentName: "awaiter", Input: []acp.Message{acp.Text("hi")}})
	waitStatus(t, bundle, acp.StatusAwaiting)

	reply := acp.Text("the answer")
	require.NoError(t, bundle.Resume(acp.AwaitResume{Message: &reply}))
	require.NoError(t, bundle.Join(context.Background()))

	snap := bundle.Snapshot()
	require.Equal(t, acp.StatusCompleted, snap.Status)
	require.Nil(t, snap.AwaitRequest)
	require.Len(t, snap.Output, 1)
	require.Equal(t, "the answer", snap.Output[0].Text())
}

// cancelOnAwaitingSink cancels the bundle's run as soon as the awaiting
// event is published, landing the cancellation between resume delivery and
// the transition back to in-progress.
type cancelOnAwaitingSink struct {
	bundle *Bundle
	once   sync.Once
}

func (s *cancelOnAwaitingSink) Send(ctx context.Context, event acp.Event) error {
	if event.Type == acp.EventRunAwaiting {
		s.once.Do(func() { s.bundle.Cancel(ctx) })
	}
	return nil
}

func (s *cancelOnAwaitingSink) Close(context.Context) error { return nil }

func TestAwaitResumeRacesCancellation(t *testing.T) {
	b := &Bundle{
		runs:     runmem.New(),
		sessions: sessionmem.New(),
		run:      acp.Run{RunID: "r1", AgentName: "awaiter", Status: acp.StatusInProgress, CreatedAt: time.Now().UTC()},
		resume:   make(chan acp.AwaitResume, 1),
		stateCh:  make(chan struct{}),
		done:     make(chan struct{}),
		started:  true,
		cancel:   func() {},
	}
	b.sink = &cancelOnAwaitingSink{bundle: b}
	reply := acp.Text("late")
	b.resume <- acp.AwaitResume{Message: &reply}
	b.resumePending = true

	rc := &RunContext{bundle: b, agentCtx: context.Background()}
	_, err := rc.Await(context.Background(), acp.AwaitRequest{})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, acp.StatusCancelling, b.Snapshot().Status)
}

func TestResumeNotAwaiting(t *testing.T) {
	srv := New()
	release := make(chan struct{})
	require.NoError(t, srv.Register(blockingAgent(release)))

	bundle := startRun(t, srv, CreateRequest{AgentName: "blocker", Input: []acp.Message{acp.Text("x")}})
	waitStatus(t, bundle, acp.StatusInProgress)

	err := bundle.Resume(acp.AwaitResume{})
	var perr *acp.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, acp.CodeNotAwaiting, perr.Code)

	close(release)
	require.NoError(t, bundle.Join(context.Background()))
}

func TestCancelRun(t *testing.T) {
	srv := New()
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, srv.Register(blockingAgent(release)))

	bundle := startRun(t, srv, CreateRequest{AgentName: "blocker", Input: []acp.Message{acp.Text("x")}})
	waitStatus(t, bundle, acp.StatusInProgress)

	snap, err := srv.CancelRun(context.Background(), bundle.Snapshot().RunID)
	require.NoError(t, err)
	require.Equal(t, acp.StatusCancelling, snap.Status)

	require.NoError(t, bundle.Join(context.Background()))
	require.Equal(t, acp.StatusCancelled, bundle.Snapshot().Status)

	// Cancelling a terminal run is rejected.
	_, err = srv.CancelRun(context.Background(), snap.RunID)
	var perr *acp.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, acp.CodeRunTerminal, perr.Code)
}

func TestCancelWhileAwaiting(t *testing.T) {
	srv := New()
	require.NoError(t, srv.Register(awaiterAgent()))

	bundle := startRun(t, srv, CreateRequest{AgentName: "awaiter", Input: []acp.Message{acp.Text("x")}})
	waitStatus(t, bundle, acp.StatusAwaiting)

	_, err := srv.CancelRun(context.Background(), bundle.Snapshot().RunID)
	require.NoError(t, err)
	require.NoError(t, bundle.Join(context.Background()))
	require.Equal(t, acp.StatusCancelled, bundle.Snapshot().Status)
}

func TestSessionHistoryAccumulates(t *testing.T) {
	srv := New()
	require.NoError(t, srv.Register(echoAgent()))
	ctx := context.Background()

	first := startRun(t, srv, CreateRequest{AgentName: "echo", SessionID: "s1", Input: []acp.Message{acp.Text("one")}})
	require.NoError(t, first.Join(ctx))

	sess, err := srv.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sess.History, 2, "input plus output")

	// Second run receives the history as leading input.
	second := startRun(t, srv, CreateRequest{AgentName: "echo", SessionID: "s1", Input: []acp.Message{acp.Text("two")}})
	require.NoError(t, second.Join(ctx))
	require.Len(t, second.Snapshot().Output, 3, "history plus new input echoed back")

	sess, err = srv.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sess.History, 6)
	require.Equal(t, []string{first.Snapshot().RunID, second.Snapshot().RunID}, sess.Runs)
}

func TestEndedSessionRejectsRuns(t *testing.T) {
	srv := New()
	require.NoError(t, srv.Register(echoAgent()))
	ctx := context.Background()

	bundle := startRun(t, srv, CreateRequest{AgentName: "echo", SessionID: "s1", Input: []acp.Message{acp.Text("one")}})
	require.NoError(t, bundle.Join(ctx))

	sess, err := srv.EndSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusEnded, sess.Status)

	_, err = srv.CreateRun(ctx, CreateRequest{AgentName: "echo", SessionID: "s1", Input: []acp.Message{acp.Text("two")}})
	var perr *acp.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, acp.CodeSessionEnded, perr.Code)
}

func TestFailedRunDoesNotTouchHistory(t *testing.T) {
	srv := New()
	require.NoError(t, srv.Register(NewAgent(acp.AgentManifest{Name: "failer"},
		func(ctx context.Context, input []acp.Message, rc *RunContext) error {
			return errors.New("nope")
		})))
	ctx := context.Background()

	bundle := startRun(t, srv, CreateRequest{AgentName: "failer", SessionID: "s1", Input: []acp.Message{acp.Text("one")}})
	require.NoError(t, bundle.Join(ctx))
	require.Equal(t, acp.StatusFailed, bundle.Snapshot().Status)

	sess, err := srv.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, sess.History)
}

func TestCreateRunValidation(t *testing.T) {
	srv := New()
	require.NoError(t, srv.Register(echoAgent()))
	ctx := context.Background()

	_, err := srv.CreateRun(ctx, CreateRequest{AgentName: "missing", Input: []acp.Message{acp.Text("x")}})
	var perr *acp.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, acp.CodeNotFound, perr.Code)

	_, err = srv.CreateRun(ctx, CreateRequest{AgentName: "echo", Mode: "batch", Input: []acp.Message{acp.Text("x")}})
	require.ErrorAs(t, err, &perr)
	require.Equal(t, acp.CodeInvalidInput, perr.Code)

	_, err = srv.CreateRun(ctx, CreateRequest{AgentName: "echo", Input: []acp.Message{{}}})
	require.ErrorAs(t, err, &perr)
	require.Equal(t, acp.CodeInvalidInput, perr.Code)
}

func TestInputSchemaEnforced(t *testing.T) {
	srv := New()
	require.NoError(t, srv.Register(NewAgent(acp.AgentManifest{
		Name:        "strict",
		InputSchema: json.RawMessage(`{"type":"array","minItems":2}`),
	}, func(ctx context.Context, input []acp.Message, rc *RunContext) error {
		return nil
	})))

	_, err := srv.CreateRun(context.Background(), CreateRequest{AgentName: "strict", Input: []acp.Message{acp.Text("only one")}})
	var perr *acp.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, acp.CodeInvalidInput, perr.Code)

	bundle, err := srv.CreateRun(context.Background(), CreateRequest{AgentName: "strict", Input: []acp.Message{acp.Text("one"), acp.Text("two")}})
	require.NoError(t, err)
	bundle.Start()
	require.NoError(t, bundle.Join(context.Background()))
}

func TestRateLimit(t *testing.T) {
	srv := New(WithRateLimit(rate.Limit(1), 1))
	require.NoError(t, srv.Register(echoAgent()))
	ctx := context.Background()

	bundle, err := srv.CreateRun(ctx, CreateRequest{AgentName: "echo", Input: []acp.Message{acp.Text("x")}})
	require.NoError(t, err)
	bundle.Start()
	require.NoError(t, bundle.Join(ctx))

	_, err = srv.CreateRun(ctx, CreateRequest{AgentName: "echo", Input: []acp.Message{acp.Text("y")}})
	var perr *acp.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, acp.CodeRateLimited, perr.Code)
}

func TestRateLimitZeroBurst(t *testing.T) {
	srv := New(WithRateLimit(rate.Limit(5), 0))
	require.NoError(t, srv.Register(echoAgent()))
	ctx := context.Background()

	// An unset burst must not starve the limiter.
	bundle, err := srv.CreateRun(ctx, CreateRequest{AgentName: "echo", Input: []acp.Message{acp.Text("x")}})
	require.NoError(t, err)
	bundle.Start()
	require.NoError(t, bundle.Join(ctx))
}

func TestRegistry(t *testing.T) {
	srv := New()
	require.NoError(t, srv.Register(echoAgent()))
	require.NoError(t, srv.Register(awaiterAgent()))
	require.Error(t, srv.Register(echoAgent()), "duplicate registration must fail")

	manifests := srv.Agents()
	require.Len(t, manifests, 2)
	require.Equal(t, "echo", manifests[0].Name)
	require.Equal(t, "awaiter", manifests[1].Name)

	_, err := srv.Agent("nope")
	var perr *acp.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, acp.CodeNotFound, perr.Code)
}

func TestGetRunMissing(t *testing.T) {
	srv := New()
	_, err := srv.GetRun(context.Background(), "nope")
	var perr *acp.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, acp.CodeNotFound, perr.Code)
}
