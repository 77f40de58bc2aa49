package models

import (
	"encoding/json"
	"time"
)

// ToolCallStatus tracks a tool call through its runtime lifecycle.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallExecuting ToolCallStatus = "executing"
	ToolCallSuccess   ToolCallStatus = "success"
	ToolCallError     ToolCallStatus = "error"
	ToolCallCancelled ToolCallStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s ToolCallStatus) Terminal() bool {
	switch s {
	case ToolCallSuccess, ToolCallError, ToolCallCancelled:
		return true
	default:
		return false
	}
}

// ToolCallState is the runtime projection of a ToolCall. It is created by
// the orchestrator on dispatch, mutated by the executing tool through output
// chunks and a terminal status, and sealed when tool.end is emitted.
//
// A transparent state belongs to a wrapper call (e.g. a batch) whose
// children logically replace it in any observer's view.
type ToolCallState struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Status      ToolCallStatus  `json:"status"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   ErrorKind       `json:"error_kind,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"`
	Transparent bool            `json:"transparent,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
}

// Duration returns the wall-clock execution time, or the time since start
// for a call that has not finished.
func (s *ToolCallState) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Sensitivity is the coarse category attached to each tool that drives
// whether a permission prompt is needed.
type Sensitivity string

const (
	SensitivityReadOnly      Sensitivity = "read-only"
	SensitivityLocalEffect   Sensitivity = "local-effect"
	SensitivityDestructive   Sensitivity = "destructive"
	SensitivityNetworkEgress Sensitivity = "network-egress"
)

// Classification is the permission gate's view of one concrete tool call:
// the tool's declared sensitivity refined by its arguments. CommandPrefix is
// set for shell-style tools (the leading command token), PathPrefix for
// filesystem targets.
type Classification struct {
	Sensitivity   Sensitivity `json:"sensitivity"`
	Summary       string      `json:"summary,omitempty"`
	CommandPrefix string      `json:"command_prefix,omitempty"`
	PathPrefix    string      `json:"path_prefix,omitempty"`
}
