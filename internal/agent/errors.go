package agent

import (
	"errors"
	"fmt"

	"github.com/skiff-ai/skiff/pkg/models"
)

// Common sentinel errors for engine operations.
var (
	// ErrNoProvider indicates no LLM provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrInterrupted indicates the turn was interrupted.
	ErrInterrupted = errors.New("turn interrupted")

	// ErrToolTimeout indicates a tool execution timed out.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrTurnActive indicates SendMessage was called while a turn is running.
	ErrTurnActive = errors.New("a turn is already active")
)

// ToolError is a structured error from tool dispatch, carrying the error
// kind that travels back to the model inside the tool message.
type ToolError struct {
	// Kind classifies the error per the engine's error model.
	Kind models.ErrorKind

	// ToolName is the tool that failed.
	ToolName string

	// ToolCallID is the failing call's id.
	ToolCallID string

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.ToolName != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.ToolName, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a tool error for the given call.
func NewToolError(kind models.ErrorKind, toolName, toolCallID, message string) *ToolError {
	return &ToolError{Kind: kind, ToolName: toolName, ToolCallID: toolCallID, Message: message}
}

// WithCause attaches the underlying error.
func (e *ToolError) WithCause(cause error) *ToolError {
	e.Cause = cause
	return e
}
