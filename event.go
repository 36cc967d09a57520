package acp

import "encoding/json"

// EventType enumerates the stream event kinds emitted during a run.
type EventType string

const (
	// EventRunCreated is emitted once when the run is accepted.
	EventRunCreated EventType = "run.created"
	// EventRunInProgress is emitted when execution starts or resumes.
	EventRunInProgress EventType = "run.in-progress"
	// EventMessagePart is emitted for each part the agent yields
	// incrementally into the current output message.
	EventMessagePart EventType = "message.part"
	// EventMessageCompleted is emitted when an output message is complete.
	EventMessageCompleted EventType = "message.completed"
	// EventRunAwaiting is emitted when the agent suspends pending input.
	EventRunAwaiting EventType = "run.awaiting"
	// EventRunCompleted is emitted when the run completes. Terminal.
	EventRunCompleted EventType = "run.completed"
	// EventRunFailed is emitted when the run fails. Terminal.
	EventRunFailed EventType = "run.failed"
	// EventRunCancelled is emitted when the run is cancelled. Terminal.
	EventRunCancelled EventType = "run.cancelled"
	// EventGeneric carries agent-defined payloads that do not fit the
	// protocol event kinds.
	EventGeneric EventType = "generic"
)

// Event is the stream envelope delivered over SSE and message buses. Exactly
// one of Run, Message, Part, or Generic is populated depending on Type.
type Event struct {
	// Type identifies the event kind.
	Type EventType `json:"type"`
	// RunID links the event to its run.
	RunID string `json:"run_id"`
	// SessionID is the session of the run, when any.
	SessionID string `json:"session_id,omitempty"`
	// Run is the run snapshot for lifecycle events.
	Run *Run `json:"run,omitempty"`
	// Message is the completed output message for message.completed events.
	Message *Message `json:"message,omitempty"`
	// Part is the incremental part for message.part events.
	Part *MessagePart `json:"part,omitempty"`
	// Generic carries agent-defined data for generic events.
	Generic json.RawMessage `json:"generic,omitempty"`
}

// Terminal reports whether the event closes the run's stream. Streams always
// end with exactly one terminal event.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	}
	return false
}
