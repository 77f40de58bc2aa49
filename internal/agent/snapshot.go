package agent

import (
	"time"

	"github.com/skiff-ai/skiff/pkg/models"
)

// maxToolHistory bounds the retained tool-call states; the oldest are
// dropped first.
const maxToolHistory = 200

// TurnStats is the read-only turn accounting exposed to external
// persisters.
type TurnStats struct {
	// Turns counts completed turns this session.
	Turns int `json:"turns"`

	// LastIterations is the loop iteration count of the last turn.
	LastIterations int `json:"last_iterations"`

	// LastToolCalls counts tool calls dispatched in the last turn.
	LastToolCalls int `json:"last_tool_calls"`

	// TotalToolCalls counts tool calls dispatched this session.
	TotalToolCalls int `json:"total_tool_calls"`

	// LastReason is the last turn's terminal reason.
	LastReason models.TurnEndReason `json:"last_reason,omitempty"`

	// LastElapsed is the last turn's wall-clock duration.
	LastElapsed time.Duration `json:"last_elapsed,omitempty"`

	// Interrupted reports whether the last turn ended interrupted.
	Interrupted bool `json:"interrupted,omitempty"`
}

// GetMessages returns a copy of the conversation for an external persister.
// Safe to call at any time; the snapshot is consistent but may race a turn
// in progress.
func (a *Agent) GetMessages() []models.Message {
	return a.history.All()
}

// GetToolHistory returns the retained tool-call states, oldest first.
func (a *Agent) GetToolHistory() []models.ToolCallState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.ToolCallState(nil), a.toolStates...)
}

// GetTurnStats returns the session's turn accounting.
func (a *Agent) GetTurnStats() TurnStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// recordToolLifecycle mirrors tool.start/tool.end events into the retained
// tool history, so persisters read sealed states without touching the
// orchestrator.
func (a *Agent) recordToolLifecycle() {
	a.bus.Subscribe(models.EventToolCallStart, func(e models.Event) {
		if e.Tool == nil {
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		a.toolStates = append(a.toolStates, models.ToolCallState{
			ID:          e.Tool.CallID,
			Name:        e.Tool.Name,
			Arguments:   e.Tool.Arguments,
			Status:      models.ToolCallPending,
			ParentID:    e.ParentID,
			Transparent: e.Tool.Transparent,
			StartedAt:   e.Time,
		})
		if over := len(a.toolStates) - maxToolHistory; over > 0 {
			a.toolStates = a.toolStates[over:]
		}
	})

	a.bus.Subscribe(models.EventToolCallEnd, func(e models.Event) {
		if e.Tool == nil {
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		for i := len(a.toolStates) - 1; i >= 0; i-- {
			if a.toolStates[i].ID != e.Tool.CallID || a.toolStates[i].Status.Terminal() {
				continue
			}
			a.toolStates[i].Status = e.Tool.Status
			a.toolStates[i].ErrorKind = e.Tool.ErrorKind
			a.toolStates[i].FinishedAt = e.Time
			return
		}
	})
}
