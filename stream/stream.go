// Package stream provides abstractions for delivering run events to clients.
//
// The server publishes every lifecycle and message event of a run through a
// Sink. The in-process Broker sink fans events out to per-run subscriptions
// backing SSE responses; the Pulse sink (features/stream/pulse) publishes
// the same events to Redis Streams so other instances can serve streams for
// runs they do not host.
package stream

import (
	"context"

	acp "github.com/agentcomm/acp"
)

type (
	// Sink delivers run events to a transport. Implementations must be
	// thread-safe: the server sends events for concurrent runs from multiple
	// goroutines.
	Sink interface {
		// Send publishes an event. Send returns an error when delivery
		// fails; the server surfaces sink failures on the emitting run.
		Send(ctx context.Context, event acp.Event) error
		// Close releases resources owned by the sink. Idempotent.
		Close(ctx context.Context) error
	}

	multi struct {
		sinks []Sink
	}
)

// Multi returns a sink that forwards every event to all given sinks in
// order. The first send error aborts delivery and is returned.
func Multi(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &multi{sinks: out}
}

// Send implements Sink.
func (m *multi) Send(ctx context.Context, event acp.Event) error {
	for _, s := range m.sinks {
		if err := s.Send(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Sink. All sinks are closed; the first error is returned.
func (m *multi) Close(ctx context.Context) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
