package client

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	acp "github.com/agentcomm/acp"
	"github.com/agentcomm/acp/session"
)

// Session scopes runs to one conversation so the server feeds each run the
// accumulated history.
type Session struct {
	c  *Client
	id string
}

// NewSession starts a fresh session with a generated identifier. The
// server materializes it on the first run.
func (c *Client) NewSession() *Session {
	return &Session{c: c, id: uuid.NewString()}
}

// Session attaches to an existing session by identifier.
func (c *Client) Session(id string) *Session {
	return &Session{c: c, id: id}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// SessionState is a session snapshot with the IDs of its runs in creation
// order.
type SessionState struct {
	session.Session
	Runs []string `json:"runs"`
}

// State fetches the session with its accumulated history and run IDs.
func (s *Session) State(ctx context.Context) (SessionState, error) {
	var out SessionState
	err := s.c.do(ctx, http.MethodGet, "/sessions/"+s.id, nil, &out)
	return out, err
}

// End marks the session terminal on the server. Further runs against it
// fail with the session ended error.
func (s *Session) End(ctx context.Context) (session.Session, error) {
	var out session.Session
	err := s.c.do(ctx, http.MethodPost, "/sessions/"+s.id+"/end", nil, &out)
	return out, err
}

// RunSync creates a run in the session and blocks until it settles or hits
// an await.
func (s *Session) RunSync(ctx context.Context, agent string, input ...acp.Message) (acp.Run, error) {
	return s.c.createRun(ctx, RunRequest{AgentName: agent, SessionID: s.id, Mode: acp.ModeSync, Input: input})
}

// RunAsync creates a run in the session and returns immediately.
func (s *Session) RunAsync(ctx context.Context, agent string, input ...acp.Message) (acp.Run, error) {
	return s.c.createRun(ctx, RunRequest{AgentName: agent, SessionID: s.id, Mode: acp.ModeAsync, Input: input})
}

// RunStream creates a run in the session and returns its event feed.
func (s *Session) RunStream(ctx context.Context, agent string, input ...acp.Message) (<-chan acp.Event, error) {
	return s.c.stream(ctx, http.MethodPost, "/runs", RunRequest{AgentName: agent, SessionID: s.id, Mode: acp.ModeStream, Input: input})
}
