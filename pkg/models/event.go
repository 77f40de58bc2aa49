package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of an activity event. The set is closed;
// subscribers may rely on exhaustive switches over these values.
type EventType string

const (
	EventTurnStart                EventType = "turn.start"
	EventTurnEnd                  EventType = "turn.end"
	EventAssistantMessageComplete EventType = "assistant.complete"
	EventAssistantChunk           EventType = "assistant.chunk"
	EventThoughtChunk             EventType = "thought.chunk"
	EventToolCallStart            EventType = "tool.start"
	EventToolOutputChunk          EventType = "tool.chunk"
	EventToolCallEnd              EventType = "tool.end"
	EventPermissionRequest        EventType = "permission.request"
	EventPermissionResponse       EventType = "permission.response"
	EventConversationClear        EventType = "conversation.clear"
	EventError                    EventType = "error"
)

// EventWildcard subscribes a handler to every event type.
const EventWildcard EventType = "*"

// Event is a single activity broadcast on the event bus. Exactly one of the
// payload pointers is populated, matching Type. ParentID carries context
// scope so parent UIs can separate nested agent activity from their own.
type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	Time     time.Time `json:"time"`
	ParentID string    `json:"parent_id,omitempty"`

	Turn       *TurnEventPayload       `json:"turn,omitempty"`
	Assistant  *AssistantEventPayload  `json:"assistant,omitempty"`
	Tool       *ToolEventPayload       `json:"tool,omitempty"`
	Permission *PermissionEventPayload `json:"permission,omitempty"`
	Error      *ErrorEventPayload      `json:"error,omitempty"`
}

// TurnEndReason explains why a turn transitioned back to idle.
type TurnEndReason string

const (
	TurnReasonCompleted           TurnEndReason = "completed"
	TurnReasonInterrupted         TurnEndReason = "interrupted"
	TurnReasonCycle               TurnEndReason = "cycle"
	TurnReasonTimeout             TurnEndReason = "timeout"
	TurnReasonValidationExhausted TurnEndReason = "validation_exhausted"
)

// TurnEventPayload accompanies turn.start and turn.end events.
type TurnEventPayload struct {
	Interrupted bool          `json:"interrupted,omitempty"`
	Reason      TurnEndReason `json:"reason,omitempty"`
	Iterations  int           `json:"iterations,omitempty"`
	ToolCalls   int           `json:"tool_calls,omitempty"`
	Elapsed     time.Duration `json:"elapsed,omitempty"`
}

// AssistantEventPayload accompanies assistant.* and thought.chunk events.
type AssistantEventPayload struct {
	Content   string     `json:"content,omitempty"`
	Delta     string     `json:"delta,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolEventPayload accompanies tool.* events.
type ToolEventPayload struct {
	CallID      string          `json:"call_id"`
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Status      ToolCallStatus  `json:"status,omitempty"`
	Preview     string          `json:"preview,omitempty"`
	Chunk       string          `json:"chunk,omitempty"`
	ErrorKind   ErrorKind       `json:"error_kind,omitempty"`
	Transparent bool            `json:"transparent,omitempty"`
	Elapsed     time.Duration   `json:"elapsed,omitempty"`
}

// PermissionEventPayload accompanies permission.request and
// permission.response events. RequestID correlates a response with the
// prompt that is blocked waiting for it.
type PermissionEventPayload struct {
	RequestID   string      `json:"request_id"`
	Tool        string      `json:"tool"`
	Summary     string      `json:"summary,omitempty"`
	Sensitivity Sensitivity `json:"sensitivity,omitempty"`
	Approved    bool        `json:"approved,omitempty"`
	Scope       GrantScope  `json:"scope,omitempty"`
}

// ErrorEventPayload accompanies error events.
type ErrorEventPayload struct {
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind,omitempty"`
}

// ErrorKind classifies failures flowing through the engine; see the error
// handling design. Tool-level kinds travel back to the model inside tool
// messages, terminal kinds end the turn.
type ErrorKind string

const (
	ErrorKindValidation       ErrorKind = "validation_error"
	ErrorKindPermissionDenied ErrorKind = "permission_denied"
	ErrorKindSystem           ErrorKind = "system_error"
	ErrorKindPlugin           ErrorKind = "plugin_error"
	ErrorKindTransport        ErrorKind = "transport_error"
	ErrorKindInterrupted      ErrorKind = "interrupted"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindCycle            ErrorKind = "cycle"
)
