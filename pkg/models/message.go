package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in a conversation history.
//
// Invariants enforced by the history:
//   - at most one system message, always at index 0 when present
//   - a tool message references a tool call id from an earlier
//     assistant message in the same history
//   - CreatedAt is non-decreasing in insertion order
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls holds tool execution requests attached to an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool message back to the assistant tool call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName is the name of the tool that produced a tool message.
	ToolName string `json:"tool_name,omitempty"`

	// IsError marks a tool message that carries an error payload.
	IsError bool `json:"is_error,omitempty"`

	// Ephemeral marks a reminder injected for a single turn and purged at turn end.
	Ephemeral bool `json:"ephemeral,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ToolCall represents an LLM's request to execute a tool.
// The ID is assigned by the LLM transport and treated opaquely; it must be
// unique within a single assistant response.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// NewUserMessage builds a user message stamped with the current time.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, CreatedAt: time.Now()}
}

// NewSystemMessage builds a system message stamped with the current time.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, CreatedAt: time.Now()}
}

// NewAssistantMessage builds an assistant message carrying any tool calls the
// model requested. Content may be empty when tool calls are present.
func NewAssistantMessage(content string, toolCalls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls, CreatedAt: time.Now()}
}

// NewToolMessage builds a tool message answering the given tool call.
func NewToolMessage(toolCallID, toolName, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		IsError:    isError,
		CreatedAt:  time.Now(),
	}
}
