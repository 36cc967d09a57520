package acp

import "fmt"

// ErrorCode classifies protocol errors into a small set of stable categories
// that clients can branch on.
type ErrorCode string

const (
	// CodeServerError indicates an unexpected failure inside the server or
	// the agent implementation.
	CodeServerError ErrorCode = "server_error"
	// CodeInvalidInput indicates the request payload failed validation.
	CodeInvalidInput ErrorCode = "invalid_input"
	// CodeNotFound indicates the referenced agent, run, or session does not
	// exist.
	CodeNotFound ErrorCode = "not_found"
	// CodeSessionEnded indicates the referenced session is terminal and
	// cannot accept new runs.
	CodeSessionEnded ErrorCode = "session_ended"
	// CodeRunTerminal indicates the operation is not valid for a run in a
	// terminal state (for example cancelling a completed run).
	CodeRunTerminal ErrorCode = "run_terminal"
	// CodeNotAwaiting indicates a resume was sent to a run that is not
	// suspended on an await request.
	CodeNotAwaiting ErrorCode = "not_awaiting"
	// CodeRateLimited indicates run creation was throttled.
	CodeRateLimited ErrorCode = "rate_limited"
)

// Error is the protocol error envelope. It is returned in HTTP error bodies
// and recorded on failed runs.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a protocol error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
