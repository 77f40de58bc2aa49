// Package history holds the token-budgeted conversation state owned by the
// turn controller: an ordered message sequence with a privileged system
// slot, a cached token estimate, and FIFO eviction that never strands a
// tool message without its originating assistant message.
package history

import (
	"encoding/json"
	"sync"

	"github.com/skiff-ai/skiff/pkg/models"
)

// Default budget settings.
const (
	DefaultMaxMessages   = 200
	DefaultMaxTokens     = 48000
	DefaultCharsPerToken = 4

	// messageOverhead approximates the per-message serialization cost
	// (role, framing, ids) in characters.
	messageOverhead = 24
)

// Config bounds the history. Zero values fall back to the defaults above.
type Config struct {
	// MaxMessages caps the number of messages, system message included.
	MaxMessages int

	// MaxTokens caps the cached token estimate.
	MaxTokens int

	// CharsPerToken is the divisor for the character-based token estimate.
	CharsPerToken int
}

func (c Config) withDefaults() Config {
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = DefaultCharsPerToken
	}
	return c
}

// History is an ordered conversation with an incrementally cached token
// estimate. The turn controller is the single writer; reads may come from
// the orchestrator and the snapshot persister, so access is serialized.
type History struct {
	mu     sync.RWMutex
	cfg    Config
	msgs   []models.Message
	tokens int
}

// Snapshot is an immutable copy of the history suitable for restore.
type Snapshot struct {
	Messages []models.Message `json:"messages"`
}

// New creates an empty history with the given budget configuration.
func New(cfg Config) *History {
	return &History{cfg: cfg.withDefaults()}
}

// estimate returns the token cost of one message:
// ceil((content + serialized tool calls + overhead) / chars_per_token).
func (h *History) estimate(m models.Message) int {
	chars := len(m.Content) + messageOverhead
	if len(m.ToolCalls) > 0 {
		if data, err := json.Marshal(m.ToolCalls); err == nil {
			chars += len(data)
		}
	}
	return (chars + h.cfg.CharsPerToken - 1) / h.cfg.CharsPerToken
}

// Append adds one message and enforces the message and token budgets, in
// that order, by dropping the oldest non-system messages.
func (h *History) Append(m models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appendLocked(m)
	h.evictLocked()
}

// AppendMany adds messages in order, then enforces the budgets once.
func (h *History) AppendMany(msgs []models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range msgs {
		h.appendLocked(m)
	}
	h.evictLocked()
}

func (h *History) appendLocked(m models.Message) {
	// Ephemeral system-role reminders append in place; only the durable
	// system prompt occupies the privileged slot at index 0.
	if m.Role == models.RoleSystem && !m.Ephemeral {
		h.replaceSystemLocked(m.Content)
		return
	}
	h.msgs = append(h.msgs, m)
	h.tokens += h.estimate(m)
}

// ReplaceSystem installs or replaces the privileged system message at index
// 0, adjusting the cached token total by delta.
func (h *History) ReplaceSystem(content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replaceSystemLocked(content)
	h.evictLocked()
}

func (h *History) replaceSystemLocked(content string) {
	sys := models.NewSystemMessage(content)
	if len(h.msgs) > 0 && h.msgs[0].Role == models.RoleSystem {
		h.tokens -= h.estimate(h.msgs[0])
		h.msgs[0] = sys
		h.tokens += h.estimate(sys)
		return
	}
	h.msgs = append([]models.Message{sys}, h.msgs...)
	h.tokens += h.estimate(sys)
}

// evictLocked enforces MaxMessages then MaxTokens by dropping the oldest
// non-system message. An assistant message carrying tool calls is evicted
// together with its dependent tool messages so no tool message ever
// references an evicted call id.
func (h *History) evictLocked() {
	for len(h.msgs) > h.cfg.MaxMessages && h.evictOldestLocked() {
	}
	for h.tokens > h.cfg.MaxTokens && h.evictOldestLocked() {
	}
}

// evictOldestLocked removes the oldest eviction unit. Returns false when
// only the system message (or nothing) remains.
func (h *History) evictOldestLocked() bool {
	start := 0
	if len(h.msgs) > 0 && h.msgs[0].Role == models.RoleSystem {
		start = 1
	}
	if start >= len(h.msgs) {
		return false
	}

	victim := h.msgs[start]
	end := start + 1
	if victim.Role == models.RoleAssistant && len(victim.ToolCalls) > 0 {
		ids := make(map[string]bool, len(victim.ToolCalls))
		for _, tc := range victim.ToolCalls {
			ids[tc.ID] = true
		}
		for end < len(h.msgs) && h.msgs[end].Role == models.RoleTool && ids[h.msgs[end].ToolCallID] {
			end++
		}
	}

	for i := start; i < end; i++ {
		h.tokens -= h.estimate(h.msgs[i])
	}
	h.msgs = append(h.msgs[:start], h.msgs[end:]...)
	return true
}

// All returns a copy of the current messages in order.
func (h *History) All() []models.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]models.Message(nil), h.msgs...)
}

// Tail returns a copy of the most recent n messages.
func (h *History) Tail(n int) []models.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || len(h.msgs) == 0 {
		return nil
	}
	if n > len(h.msgs) {
		n = len(h.msgs)
	}
	return append([]models.Message(nil), h.msgs[len(h.msgs)-n:]...)
}

// Len returns the number of messages, system message included.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.msgs)
}

// ClearConversation drops every message except the system message.
func (h *History) ClearConversation() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.msgs) > 0 && h.msgs[0].Role == models.RoleSystem {
		sys := h.msgs[0]
		h.msgs = []models.Message{sys}
		h.tokens = h.estimate(sys)
		return
	}
	h.msgs = nil
	h.tokens = 0
}

// ClearAll drops every message, system message included.
func (h *History) ClearAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = nil
	h.tokens = 0
}

// RemoveEphemeral expunges every ephemeral reminder message.
func (h *History) RemoveEphemeral() {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.msgs[:0]
	for _, m := range h.msgs {
		if m.Ephemeral {
			h.tokens -= h.estimate(m)
			continue
		}
		kept = append(kept, m)
	}
	h.msgs = kept
}

// Snapshot returns a deep-enough copy of the current messages.
func (h *History) Snapshot() Snapshot {
	return Snapshot{Messages: h.All()}
}

// Restore replaces the history with the snapshot's messages, recomputes the
// token estimate from scratch, and re-applies eviction.
func (h *History) Restore(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append([]models.Message(nil), s.Messages...)
	h.tokens = 0
	for _, m := range h.msgs {
		h.tokens += h.estimate(m)
	}
	h.evictLocked()
}

// EstimateTokens returns the cached token estimate for the whole history.
func (h *History) EstimateTokens() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tokens
}

// UsagePercent returns the token estimate as a percentage of the budget.
func (h *History) UsagePercent() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cfg.MaxTokens == 0 {
		return 0
	}
	return float64(h.tokens) / float64(h.cfg.MaxTokens) * 100
}

// NearCapacity reports whether usage meets or exceeds the given threshold
// percentage.
func (h *History) NearCapacity(thresholdPercent float64) bool {
	return h.UsagePercent() >= thresholdPercent
}
