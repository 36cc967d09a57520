// Package client is the Go client for ACP servers. It covers agent
// discovery, the three run modes, await resumption, cancellation, and
// session-scoped conversations.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	acp "github.com/agentcomm/acp"
)

type (
	// Option configures the client.
	Option func(*Client)

	// Client talks to one ACP server.
	Client struct {
		baseURL string
		http    *http.Client
		headers http.Header
	}

	// RunRequest is the wire payload for run creation.
	RunRequest struct {
		AgentName string        `json:"agent_name"`
		SessionID string        `json:"session_id,omitempty"`
		Mode      acp.RunMode   `json:"mode,omitempty"`
		Input     []acp.Message `json:"input"`
	}

	// ResumeRequest is the wire payload answering an await request.
	ResumeRequest struct {
		AwaitResume acp.AwaitResume `json:"await_resume"`
		Mode        acp.RunMode     `json:"mode,omitempty"`
	}

	agentList struct {
		Agents []acp.AgentManifest `json:"agents"`
	}

	errorBody struct {
		Error *acp.Error `json:"error"`
	}
)

// WithHTTPClient overrides the underlying *http.Client used for requests.
// Streaming calls strip its timeout, so prefer per-call contexts for
// deadlines.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		if cl.headers == nil {
			cl.headers = make(http.Header)
		}
		cl.headers.Add(name, value)
	}
}

// WithBearerToken configures the client to send an Authorization Bearer token.
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// New constructs a client for the server at baseURL (for example
// "http://127.0.0.1:8000").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	cl := &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{Timeout: 30 * time.Second}
	}
	return cl, nil
}

// Agents lists the agents hosted by the server.
func (c *Client) Agents(ctx context.Context) ([]acp.AgentManifest, error) {
	var out agentList
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Agent fetches the manifest of a single agent.
func (c *Client) Agent(ctx context.Context, name string) (acp.AgentManifest, error) {
	var out acp.AgentManifest
	err := c.do(ctx, http.MethodGet, "/agents/"+name, nil, &out)
	return out, err
}

// RunSync creates a run and blocks until it settles or hits an await.
func (c *Client) RunSync(ctx context.Context, agent string, input ...acp.Message) (acp.Run, error) {
	return c.createRun(ctx, RunRequest{AgentName: agent, Mode: acp.ModeSync, Input: input})
}

// RunAsync creates a run and returns immediately with its initial snapshot.
func (c *Client) RunAsync(ctx context.Context, agent string, input ...acp.Message) (acp.Run, error) {
	return c.createRun(ctx, RunRequest{AgentName: agent, Mode: acp.ModeAsync, Input: input})
}

// RunStream creates a run and returns its event feed. The channel closes
// after the terminal event or when ctx is cancelled.
func (c *Client) RunStream(ctx context.Context, agent string, input ...acp.Message) (<-chan acp.Event, error) {
	return c.stream(ctx, http.MethodPost, "/runs", RunRequest{AgentName: agent, Mode: acp.ModeStream, Input: input})
}

// Run fetches the current snapshot of a run.
func (c *Client) Run(ctx context.Context, runID string) (acp.Run, error) {
	var out acp.Run
	err := c.do(ctx, http.MethodGet, "/runs/"+runID, nil, &out)
	return out, err
}

// ResumeSync answers an await request and blocks until the run settles or
// awaits again.
func (c *Client) ResumeSync(ctx context.Context, runID string, res acp.AwaitResume) (acp.Run, error) {
	var out acp.Run
	err := c.do(ctx, http.MethodPost, "/runs/"+runID, ResumeRequest{AwaitResume: res, Mode: acp.ModeSync}, &out)
	return out, err
}

// ResumeAsync answers an await request and returns immediately.
func (c *Client) ResumeAsync(ctx context.Context, runID string, res acp.AwaitResume) (acp.Run, error) {
	var out acp.Run
	err := c.do(ctx, http.MethodPost, "/runs/"+runID, ResumeRequest{AwaitResume: res, Mode: acp.ModeAsync}, &out)
	return out, err
}

// ResumeStream answers an await request and returns the run's event feed.
func (c *Client) ResumeStream(ctx context.Context, runID string, res acp.AwaitResume) (<-chan acp.Event, error) {
	return c.stream(ctx, http.MethodPost, "/runs/"+runID, ResumeRequest{AwaitResume: res, Mode: acp.ModeStream})
}

// Cancel requests cancellation of a run.
func (c *Client) Cancel(ctx context.Context, runID string) (acp.Run, error) {
	var out acp.Run
	err := c.do(ctx, http.MethodPost, "/runs/"+runID+"/cancel", nil, &out)
	return out, err
}

func (c *Client) createRun(ctx context.Context, req RunRequest) (acp.Run, error) {
	var out acp.Run
	err := c.do(ctx, http.MethodPost, "/runs", req, &out)
	return out, err
}

// do performs a JSON round trip and decodes either the result or the error
// envelope.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	c.setHeaders(req, body != nil)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	for name, values := range c.headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, text/event-stream")
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != nil {
		return body.Error
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
}
