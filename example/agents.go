// Package example provides a set of demonstration agents exercising the
// protocol surface: plain echo, streaming output, await/resume, session
// history, and failure reporting.
package example

import (
	"context"
	"fmt"
	"strings"

	acp "github.com/agentcomm/acp"
	"github.com/agentcomm/acp/server"
)

// Echo yields every input message back unchanged.
func Echo() server.Agent {
	return server.NewAgent(acp.AgentManifest{
		Name:        "echo",
		Description: "Echoes input messages back to the caller.",
	}, func(ctx context.Context, input []acp.Message, rc *server.RunContext) error {
		for _, msg := range input {
			if err := rc.Yield(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

// Streamer splits each input message into words and streams them as
// individual message parts.
func Streamer() server.Agent {
	return server.NewAgent(acp.AgentManifest{
		Name:        "streamer",
		Description: "Streams input back word by word.",
	}, func(ctx context.Context, input []acp.Message, rc *server.RunContext) error {
		for _, msg := range input {
			for _, word := range strings.Fields(msg.Text()) {
				if err := rc.YieldPart(ctx, acp.TextPart(word)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Awaiter suspends immediately and echoes whatever message resumes it.
func Awaiter() server.Agent {
	return server.NewAgent(acp.AgentManifest{
		Name:        "awaiter",
		Description: "Requests additional input before answering.",
	}, func(ctx context.Context, input []acp.Message, rc *server.RunContext) error {
		prompt := acp.Text("more input required")
		res, err := rc.Await(ctx, acp.AwaitRequest{Message: &prompt})
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

// Sessioner reports how much conversation history the run received,
// demonstrating session accumulation across runs.
func Sessioner() server.Agent {
	return server.NewAgent(acp.AgentManifest{
		Name:        "sessioner",
		Description: "Reports the accumulated session history size.",
	}, func(ctx context.Context, input []acp.Message, rc *server.RunContext) error {
		return rc.Yield(ctx, acp.Text(fmt.Sprintf("history holds %d messages", len(input))))
	})
}

// Failer always fails with a run error.
func Failer() server.Agent {
	return server.NewAgent(acp.AgentManifest{
		Name:        "failer",
		Description: "Always fails.",
	}, func(ctx context.Context, input []acp.Message, rc *server.RunContext) error {
		return acp.Errorf(acp.CodeServerError, "the failer agent always fails")
	})
}

// All returns every demonstration agent.
func All() []server.Agent {
	return []server.Agent{Echo(), Streamer(), Awaiter(), Sessioner(), Failer()}
}
