package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/skiff-ai/skiff/pkg/models"
)

// Default checkpoint settings: every checkpointInterval successful tool
// calls the user's original goal is restated, provided the prompt was
// substantial enough to be worth repeating and short enough to re-inject.
const (
	DefaultCheckpointInterval        = 10
	DefaultCheckpointMinPromptTokens = 8
	DefaultCheckpointMaxPromptTokens = 500
)

const (
	cycleReminderText = "You appear to be repeating the same action. " +
		"Change your approach or stop and summarize what you have found."

	validationReminderText = "Your previous response contained a malformed tool call. " +
		"Re-send it using valid JSON arguments that match the tool schema."
)

// ephemeralReminder builds a system-role reminder purged at turn end.
func ephemeralReminder(content string) models.Message {
	return models.Message{
		Role:      models.RoleSystem,
		Content:   content,
		Ephemeral: true,
		CreatedAt: time.Now(),
	}
}

// checkpointTracker re-injects the user's original intent every N
// successful tool calls so long multi-tool turns do not drift.
type checkpointTracker struct {
	interval      int
	minTokens     int
	maxTokens     int
	charsPerToken int

	initialPrompt string
	toolCalls     int
	lastFired     int
}

func newCheckpointTracker(interval, minTokens, maxTokens, charsPerToken int) *checkpointTracker {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	if minTokens <= 0 {
		minTokens = DefaultCheckpointMinPromptTokens
	}
	if maxTokens <= 0 {
		maxTokens = DefaultCheckpointMaxPromptTokens
	}
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	return &checkpointTracker{
		interval:      interval,
		minTokens:     minTokens,
		maxTokens:     maxTokens,
		charsPerToken: charsPerToken,
	}
}

// beginTurn captures the turn's initial prompt and resets counters.
func (c *checkpointTracker) beginTurn(prompt string) {
	c.initialPrompt = prompt
	c.toolCalls = 0
	c.lastFired = 0
}

// observe counts successful tool calls and returns a reminder when the
// interval threshold is crossed. Trivial prompts never produce reminders.
func (c *checkpointTracker) observe(successfulCalls int) (models.Message, bool) {
	c.toolCalls += successfulCalls
	if c.toolCalls-c.lastFired < c.interval {
		return models.Message{}, false
	}
	c.lastFired = c.toolCalls

	promptTokens := len(c.initialPrompt) / c.charsPerToken
	if promptTokens < c.minTokens {
		return models.Message{}, false
	}

	goal := c.initialPrompt
	maxChars := c.maxTokens * c.charsPerToken
	if len(goal) > maxChars {
		goal = cutAtRune(goal, maxChars) + "…"
	}
	text := fmt.Sprintf("Reminder of the user's original request:\n%s", strings.TrimSpace(goal))
	return ephemeralReminder(text), true
}
