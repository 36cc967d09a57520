// Package pulse exposes a stream.Sink implementation that publishes run
// events to goa.design/pulse streams backed by Redis. Servers add it
// alongside the in-process fan-out so external consumers can follow runs.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	acp "github.com/agentcomm/acp"
	"github.com/agentcomm/acp/features/stream/pulse/clients/pulse"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults
		// to `run/<RunID>`.
		StreamID func(acp.Event) (string, error)
	}

	// Sink publishes run events into Pulse streams. Safe for concurrent
	// Send operations.
	Sink struct {
		client   pulse.Client
		streamID func(acp.Event) (string, error)
	}

	// envelope wraps run events for transmission over Pulse streams.
	envelope struct {
		Type      string          `json:"type"`
		RunID     string          `json:"run_id"`
		SessionID string          `json:"session_id,omitempty"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{
		client:   opts.Client,
		streamID: streamID,
	}, nil
}

// Send publishes the event to the derived Pulse stream.
func (s *Sink) Send(ctx context.Context, event acp.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(event.Type),
		RunID:     event.RunID,
		SessionID: event.SessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, raw); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(event acp.Event) (string, error) {
	if event.RunID == "" {
		return "", errors.New("stream event missing run id")
	}
	return fmt.Sprintf("run/%s", event.RunID), nil
}
