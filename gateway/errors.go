package gateway

import "fmt"

// Rejection codes reported by Submit.
const (
	CodeInvalidCommand = "invalid_command"
	CodeUnknownRun     = "unknown_run"
	CodeInboxError     = "inbox_error"
)

// RejectionError is returned by Submit when a command is not accepted.
type RejectionError struct {
	Code      string
	CommandID string
	Message   string
	Err       error
}

func (e *RejectionError) Error() string {
	if e.CommandID != "" {
		return fmt.Sprintf("command %s rejected (%s): %s", e.CommandID, e.Code, e.Message)
	}
	return fmt.Sprintf("command rejected (%s): %s", e.Code, e.Message)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

func reject(code, commandID, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, CommandID: commandID, Message: fmt.Sprintf(format, args...)}
}
