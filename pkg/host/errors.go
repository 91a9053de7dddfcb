package host

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout indicates a request deadline elapsed with no matching
	// response.
	ErrTimeout = errors.New("request timed out")

	// ErrUnreachable indicates the entry handshake never completed.
	ErrUnreachable = errors.New("unit unreachable")

	// ErrClosed indicates the session's transport is gone.
	ErrClosed = errors.New("session closed")
)

// CommandError is a structured error response from the unit.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unit error: %s", e.Code)
	}
	return fmt.Sprintf("unit error: %s: %s", e.Code, e.Message)
}
