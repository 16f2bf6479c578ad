package agent

import (
	"errors"
	"fmt"
)

// Common sentinel errors for agent operations
var (
	// ErrTaskNotPending indicates Start was called on a task that already
	// started or was stopped.
	ErrTaskNotPending = errors.New("task status is not pending")

	// ErrDuplicateTool indicates a tool with the same name is already registered.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrInvalidTool indicates a tool definition is missing required fields.
	ErrInvalidTool = errors.New("invalid tool definition")
)

// StreamError reports a transport failure while a round was streaming.
type StreamError struct {
	ChatID string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("round %s: stream failed: %v", e.ChatID, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// ValidationFailure is returned as a tool result when arguments do not match
// the tool's parameter schema. The model sees it and can correct the call.
type ValidationFailure struct {
	Error   string   `json:"error"`
	Tool    string   `json:"tool"`
	Details []string `json:"details,omitempty"`
}
