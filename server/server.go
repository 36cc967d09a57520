package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	acp "github.com/agentcomm/acp"
	"github.com/agentcomm/acp/run"
	runmem "github.com/agentcomm/acp/run/inmem"
	"github.com/agentcomm/acp/session"
	sessionmem "github.com/agentcomm/acp/session/inmem"
	"github.com/agentcomm/acp/stream"
)

// Server hosts agents and orchestrates their runs. It owns the agent
// registry, the run and session stores, and the event fan-out used by
// stream subscribers.
type Server struct {
	runs     run.Store
	sessions session.Store
	broker   *stream.Broker
	sink     stream.Sink
	limiter  *rate.Limiter
	tracer   trace.Tracer

	mu      sync.Mutex
	agents  map[string]*registration
	order   []string
	bundles map[string]*Bundle
}

type registration struct {
	agent    Agent
	manifest acp.AgentManifest
	input    *jsonschema.Schema
	output   *jsonschema.Schema
}

// Option configures the server.
type Option func(*Server)

// WithRunStore overrides the in-memory run store.
func WithRunStore(s run.Store) Option {
	return func(srv *Server) { srv.runs = s }
}

// WithSessionStore overrides the in-memory session store.
func WithSessionStore(s session.Store) Option {
	return func(srv *Server) { srv.sessions = s }
}

// WithSink adds a sink that receives every run event alongside the
// built-in subscriber fan-out, e.g. a Redis stream sink.
func WithSink(s stream.Sink) Option {
	return func(srv *Server) { srv.sink = s }
}

// WithRateLimit caps run creation at limit runs per second with the given
// burst. A zero limit disables rate limiting; a burst below 1 is raised to
// 1 so a configured limiter always admits traffic.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(srv *Server) {
		if limit <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		srv.limiter = rate.NewLimiter(limit, burst)
	}
}

// New creates a server. With no options runs and sessions live in memory
// and events fan out to in-process subscribers only.
func New(opts ...Option) *Server {
	srv := &Server{
		runs:     runmem.New(),
		sessions: sessionmem.New(),
		broker:   stream.NewBroker(),
		tracer:   otel.Tracer("acp/server"),
		agents:   make(map[string]*registration),
		bundles:  make(map[string]*Bundle),
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Register adds an agent to the registry. The manifest name must be unique
// and any manifest schemas must compile.
func (s *Server) Register(agent Agent) error {
	manifest := agent.Manifest()
	if err := manifest.Validate(); err != nil {
		return err
	}
	reg := &registration{agent: agent, manifest: manifest}
	var err error
	if reg.input, err = acp.CompileSchema(manifest.InputSchema); err != nil {
		return fmt.Errorf("agent %s: input schema: %w", manifest.Name, err)
	}
	if reg.output, err = acp.CompileSchema(manifest.OutputSchema); err != nil {
		return fmt.Errorf("agent %s: output schema: %w", manifest.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[manifest.Name]; ok {
		return fmt.Errorf("agent %s already registered", manifest.Name)
	}
	s.agents[manifest.Name] = reg
	s.order = append(s.order, manifest.Name)
	return nil
}

// Agents lists the manifests of all registered agents in registration
// order.
func (s *Server) Agents() []acp.AgentManifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]acp.AgentManifest, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.agents[name].manifest)
	}
	return out
}

// Agent returns the manifest of a single registered agent.
func (s *Server) Agent(name string) (acp.AgentManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.agents[name]
	if !ok {
		return acp.AgentManifest{}, acp.Errorf(acp.CodeNotFound, "agent %s not found", name)
	}
	return reg.manifest, nil
}

// CreateRequest carries the parameters of a new run.
type CreateRequest struct {
	AgentName string        `json:"agent_name"`
	SessionID string        `json:"session_id,omitempty"`
	Mode      acp.RunMode   `json:"mode,omitempty"`
	Input     []acp.Message `json:"input"`
}

// CreateRun validates the request, resolves the session, and returns an
// unstarted bundle. Callers subscribe to the stream before calling Start
// so no event is missed.
func (s *Server) CreateRun(ctx context.Context, req CreateRequest) (*Bundle, error) {
	if s.limiter != nil && !s.limiter.Allow() {
		return nil, acp.Errorf(acp.CodeRateLimited, "run creation rate limit exceeded")
	}
	if req.Mode != "" && !req.Mode.Valid() {
		return nil, acp.Errorf(acp.CodeInvalidInput, "invalid run mode %q", req.Mode)
	}
	for i, msg := range req.Input {
		if err := msg.Validate(); err != nil {
			return nil, acp.Errorf(acp.CodeInvalidInput, "input message %d: %s", i, err.Error())
		}
	}

	s.mu.Lock()
	reg, ok := s.agents[req.AgentName]
	s.mu.Unlock()
	if !ok {
		return nil, acp.Errorf(acp.CodeNotFound, "agent %s not found", req.AgentName)
	}
	if err := validateSchema(reg.input, req.Input); err != nil {
		return nil, acp.Errorf(acp.CodeInvalidInput, "input rejected by agent schema: %s", err.Error())
	}

	var history []acp.Message
	if req.SessionID != "" {
		sess, err := s.sessions.Create(ctx, req.SessionID, time.Now().UTC())
		if err != nil {
			if errors.Is(err, session.ErrEnded) {
				return nil, acp.Errorf(acp.CodeSessionEnded, "session %s has ended", req.SessionID)
			}
			return nil, err
		}
		history = sess.History
	}

	now := time.Now().UTC()
	r := acp.Run{
		RunID:     uuid.NewString(),
		AgentName: req.AgentName,
		SessionID: req.SessionID,
		Status:    acp.StatusCreated,
		CreatedAt: now,
	}
	if err := s.runs.Upsert(ctx, run.FromSnapshot(r)); err != nil {
		return nil, err
	}

	bundle := &Bundle{
		agent:    reg.agent,
		sink:     s.eventSink(),
		runs:     s.runs,
		sessions: s.sessions,
		tracer:   s.tracer,
		base:     context.WithoutCancel(ctx),
		input:    append(append([]acp.Message(nil), history...), req.Input...),
		newInput: req.Input,
		run:      r,
		resume:   make(chan acp.AwaitResume, 1),
		stateCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	bundle.onDone = func() {
		s.mu.Lock()
		delete(s.bundles, r.RunID)
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.bundles[r.RunID] = bundle
	s.mu.Unlock()
	return bundle, nil
}

// ResumeRun locates the live bundle for an awaiting run. The actual resume
// handshake happens through Bundle.Resume so stream callers can subscribe
// first.
func (s *Server) ResumeRun(ctx context.Context, runID string) (*Bundle, error) {
	s.mu.Lock()
	bundle, ok := s.bundles[runID]
	s.mu.Unlock()
	if ok {
		return bundle, nil
	}
	rec, err := s.runs.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			return nil, acp.Errorf(acp.CodeNotFound, "run %s not found", runID)
		}
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, acp.Errorf(acp.CodeRunTerminal, "run %s is %s", runID, rec.Status)
	}
	return nil, acp.Errorf(acp.CodeNotAwaiting, "run %s is not resumable", runID)
}

// CancelRun requests cancellation of a run and returns its snapshot.
func (s *Server) CancelRun(ctx context.Context, runID string) (acp.Run, error) {
	s.mu.Lock()
	bundle, ok := s.bundles[runID]
	s.mu.Unlock()
	if !ok {
		rec, err := s.runs.Load(ctx, runID)
		if err != nil {
			if errors.Is(err, run.ErrNotFound) {
				return acp.Run{}, acp.Errorf(acp.CodeNotFound, "run %s not found", runID)
			}
			return acp.Run{}, err
		}
		return rec.Snapshot(), acp.Errorf(acp.CodeRunTerminal, "run %s is %s", runID, rec.Status)
	}
	return bundle.Cancel(ctx)
}

// GetRun returns the current state of a run, preferring the live bundle
// over the store.
func (s *Server) GetRun(ctx context.Context, runID string) (acp.Run, error) {
	s.mu.Lock()
	bundle, ok := s.bundles[runID]
	s.mu.Unlock()
	if ok {
		return bundle.Snapshot(), nil
	}
	rec, err := s.runs.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			return acp.Run{}, acp.Errorf(acp.CodeNotFound, "run %s not found", runID)
		}
		return acp.Run{}, err
	}
	return rec.Snapshot(), nil
}

// SessionState is a session together with the IDs of its runs in creation
// order.
type SessionState struct {
	session.Session
	Runs []string `json:"runs"`
}

// GetSession returns a session with its accumulated history and run IDs.
func (s *Server) GetSession(ctx context.Context, sessionID string) (SessionState, error) {
	sess, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return SessionState{}, acp.Errorf(acp.CodeNotFound, "session %s not found", sessionID)
		}
		return SessionState{}, err
	}
	recs, err := s.runs.ListBySession(ctx, sessionID)
	if err != nil {
		return SessionState{}, err
	}
	state := SessionState{Session: sess}
	for _, rec := range recs {
		state.Runs = append(state.Runs, rec.RunID)
	}
	return state, nil
}

// EndSession marks a session terminal. Ending an already-ended session
// returns its stored state; further runs against it are rejected.
func (s *Server) EndSession(ctx context.Context, sessionID string) (session.Session, error) {
	sess, err := s.sessions.End(ctx, sessionID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return session.Session{}, acp.Errorf(acp.CodeNotFound, "session %s not found", sessionID)
		}
		return session.Session{}, err
	}
	return sess, nil
}

// Subscribe attaches a stream subscriber to a run.
func (s *Server) Subscribe(runID string, buffer int) *stream.Subscription {
	return s.broker.Subscribe(runID, buffer)
}

// Shutdown waits for all live runs to finish or ctx to expire, then closes
// the event sinks.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	bundles := make([]*Bundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		bundles = append(bundles, b)
	}
	s.mu.Unlock()
	for _, b := range bundles {
		select {
		case <-b.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.eventSink().Close(ctx)
}

func (s *Server) eventSink() stream.Sink {
	if s.sink != nil {
		return stream.Multi(s.broker, s.sink)
	}
	return s.broker
}

// validateSchema checks the JSON form of the messages against a compiled
// manifest schema. A nil schema accepts anything.
func validateSchema(sch *jsonschema.Schema, msgs []acp.Message) error {
	if sch == nil {
		return nil
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	val, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return sch.Validate(val)
}
