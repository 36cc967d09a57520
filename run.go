package acp

import "time"

type (
	// RunStatus is the lifecycle state of a run.
	RunStatus string

	// RunMode selects how run creation and resumption respond: wait for the
	// terminal state, return immediately, or stream events.
	RunMode string

	// Run is the protocol view of a single agent invocation. It is returned
	// by every run operation and embedded in lifecycle stream events.
	Run struct {
		// RunID uniquely identifies the run.
		RunID string `json:"run_id"`
		// AgentName identifies the agent executing the run.
		AgentName string `json:"agent_name"`
		// SessionID groups runs sharing conversational history. Optional.
		SessionID string `json:"session_id,omitempty"`
		// Status is the current lifecycle state.
		Status RunStatus `json:"status"`
		// AwaitRequest carries the agent's pending request for external input.
		// Set only while Status is awaiting.
		AwaitRequest *AwaitRequest `json:"await_request,omitempty"`
		// Output accumulates the messages yielded by the agent so far.
		Output []Message `json:"output"`
		// Error describes the failure when Status is failed.
		Error *Error `json:"error,omitempty"`
		// CreatedAt records when the run was accepted.
		CreatedAt time.Time `json:"created_at"`
		// FinishedAt records when the run reached a terminal status.
		FinishedAt *time.Time `json:"finished_at,omitempty"`
	}

	// AwaitRequest is the payload an agent emits when it suspends execution
	// pending external input. The optional message tells the caller what is
	// needed.
	AwaitRequest struct {
		Message *Message `json:"message,omitempty"`
	}

	// AwaitResume is the payload a caller provides to resume an awaiting run.
	AwaitResume struct {
		Message *Message `json:"message,omitempty"`
	}
)

const (
	// StatusCreated indicates the run has been accepted but not started.
	StatusCreated RunStatus = "created"
	// StatusInProgress indicates the agent is executing.
	StatusInProgress RunStatus = "in-progress"
	// StatusAwaiting indicates the agent suspended pending external input.
	StatusAwaiting RunStatus = "awaiting"
	// StatusCancelling indicates cancellation was requested and the agent is
	// winding down.
	StatusCancelling RunStatus = "cancelling"
	// StatusCancelled indicates the run was cancelled. Terminal.
	StatusCancelled RunStatus = "cancelled"
	// StatusCompleted indicates the agent finished successfully. Terminal.
	StatusCompleted RunStatus = "completed"
	// StatusFailed indicates the agent failed. Terminal.
	StatusFailed RunStatus = "failed"

	// ModeSync waits for the run to settle and returns the final snapshot.
	ModeSync RunMode = "sync"
	// ModeAsync returns the run snapshot immediately.
	ModeAsync RunMode = "async"
	// ModeStream delivers run events over SSE as they occur.
	ModeStream RunMode = "stream"
)

// Terminal reports whether the status is final. Terminal runs never change.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether the status is a known lifecycle state.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusInProgress, StatusAwaiting, StatusCancelling,
		StatusCancelled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether the mode is known.
func (m RunMode) Valid() bool {
	switch m {
	case ModeSync, ModeAsync, ModeStream:
		return true
	}
	return false
}

// CanTransition reports whether a run may move from one status to another.
// The lifecycle forms a DAG: created runs start or get cancelled, executing
// runs may suspend, settle, or be cancelled, and terminal states absorb.
func CanTransition(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusCreated:
		return to == StatusInProgress || to == StatusCancelling || to == StatusFailed
	case StatusInProgress:
		return to == StatusAwaiting || to == StatusCompleted || to == StatusFailed || to == StatusCancelling
	case StatusAwaiting:
		return to == StatusInProgress || to == StatusFailed || to == StatusCancelling
	case StatusCancelling:
		return to == StatusCancelled || to == StatusFailed
	}
	return false
}
