package agent

import (
	"context"
	"encoding/json"

	"github.com/skiff-ai/skiff/pkg/models"
)

// LLMProvider is the narrow transport interface the engine depends on.
//
// Implementations handle the specifics of one LLM API (OpenAI, Anthropic)
// while presenting a uniform terminal contract: a completion carrying text
// and/or tool calls, or a transport-flagged validation failure when the
// model emitted malformed function-call JSON.
//
// Complete must honor context cancellation by aborting the in-flight
// request. Implementations must be safe for concurrent use.
type LLMProvider interface {
	// Name returns the provider name for logging and metrics.
	Name() string

	// Complete sends the conversation and tool schemas and returns the
	// model's terminal response.
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// ToolSchema describes one tool to the LLM transport.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// CompletionRequest carries one LLM call's inputs.
type CompletionRequest struct {
	// Model selects the model; empty uses the provider default.
	Model string

	// Messages is the conversation in chronological order. The privileged
	// system message, if any, is at index 0.
	Messages []models.Message

	// Tools lists the callable tool schemas.
	Tools []ToolSchema

	// MaxTokens caps the response length; 0 uses the provider default.
	MaxTokens int

	// OnContentDelta, when set, receives streamed response text as it
	// arrives. The terminal Completion still carries the full content.
	OnContentDelta func(delta string)

	// OnThoughtDelta, when set, receives streamed reasoning text for
	// models that expose it.
	OnThoughtDelta func(delta string)
}

// Completion is the terminal result of one LLM call.
type Completion struct {
	// Content is the assistant's text; may be empty when ToolCalls is set.
	Content string

	// ToolCalls holds any tool invocations the model requested. Ids are
	// transport-assigned and unique within this completion.
	ToolCalls []models.ToolCall

	// ValidationFailed marks malformed function-call JSON per the
	// transport. The turn controller retries with a corrective reminder.
	ValidationFailed bool

	// ValidationErrors carries transport detail for a validation failure.
	ValidationErrors []string
}
