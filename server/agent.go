// Package server hosts ACP agents: it owns run execution, the lifecycle
// state machine, session history, and the HTTP protocol surface.
package server

import (
	"context"

	acp "github.com/agentcomm/acp"
)

type (
	// Agent is an executable agent hosted by a Server. Implementations
	// receive the full conversational input (session history followed by the
	// new request messages) and produce output through the RunContext.
	//
	// Run returns nil when the agent is done; every message yielded so far
	// becomes the run output. Returning an error fails the run. Agents must
	// honor ctx cancellation: it is how run cancellation reaches them.
	Agent interface {
		// Manifest describes the agent to clients.
		Manifest() acp.AgentManifest
		// Run executes one agent invocation.
		Run(ctx context.Context, input []acp.Message, rc *RunContext) error
	}

	// RunFunc adapts a function to the Agent interface.
	RunFunc func(ctx context.Context, input []acp.Message, rc *RunContext) error

	funcAgent struct {
		manifest acp.AgentManifest
		fn       RunFunc
	}
)

// NewAgent wraps fn as an Agent with the given manifest.
func NewAgent(manifest acp.AgentManifest, fn RunFunc) Agent {
	return &funcAgent{manifest: manifest, fn: fn}
}

// Manifest implements Agent.
func (a *funcAgent) Manifest() acp.AgentManifest { return a.manifest }

// Run implements Agent.
func (a *funcAgent) Run(ctx context.Context, input []acp.Message, rc *RunContext) error {
	return a.fn(ctx, input, rc)
}
