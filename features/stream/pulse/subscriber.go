package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	acp "github.com/agentcomm/acp"
	clientspulse "github.com/agentcomm/acp/features/stream/pulse/clients/pulse"
)

type (
	// EnvelopeDecoder converts raw payloads read from Pulse into run events.
	EnvelopeDecoder func([]byte) (acp.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "acp_subscriber".
		SinkName string
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to the built-in
		// envelope decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes Pulse streams and emits run events. It wraps a
	// Pulse consumer group and decodes incoming envelopes.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "acp_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a consumer group on the given stream and returns channels
// for events and errors. The returned cancel function stops consumption,
// closes the Pulse sink, and closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan acp.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan acp.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads envelopes from the Pulse sink, decodes them, and emits run
// events on out. Each event is acked after emission. Both channels close
// when ctx is cancelled or the sink channel closes.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- acp.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the default envelope format and extracts the
// run event carried in its payload.
func decodeEnvelope(payload []byte) (acp.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return acp.Event{}, err
	}
	var event acp.Event
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &event); err != nil {
			return acp.Event{}, err
		}
	}
	if event.Type == "" {
		event.Type = acp.EventType(env.Type)
	}
	if event.RunID == "" {
		event.RunID = env.RunID
	}
	if event.SessionID == "" {
		event.SessionID = env.SessionID
	}
	return event, nil
}
