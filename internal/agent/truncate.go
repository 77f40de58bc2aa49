package agent

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// PreviewBudget holds the four-tier token budgets for tool result previews.
// The tier in effect is keyed to current context usage: the fuller the
// context, the harder previews are truncated.
type PreviewBudget struct {
	// MaxLines caps the preview line count in every tier.
	MaxLines int

	// Per-tier preview token budgets.
	Normal     int
	Moderate   int
	Aggressive int
	Critical   int

	// CharsPerToken converts token budgets to character budgets.
	CharsPerToken int
}

// DefaultPreviewBudget returns the default preview truncation tiers.
func DefaultPreviewBudget() PreviewBudget {
	return PreviewBudget{
		MaxLines:      10,
		Normal:        1000,
		Moderate:      500,
		Aggressive:    200,
		Critical:      80,
		CharsPerToken: 4,
	}
}

// Usage-percent boundaries between tiers.
const (
	tierModerateAt   = 60.0
	tierAggressiveAt = 75.0
	tierCriticalAt   = 90.0
)

// tokensFor selects the tier budget for the given context usage percent.
func (b PreviewBudget) tokensFor(usagePercent float64) int {
	switch {
	case usagePercent >= tierCriticalAt:
		return b.Critical
	case usagePercent >= tierAggressiveAt:
		return b.Aggressive
	case usagePercent >= tierModerateAt:
		return b.Moderate
	default:
		return b.Normal
	}
}

// Truncate shapes a tool's raw output into the preview used for activity
// events. The full output still travels to the model inside the tool
// message; only the observer-facing preview is cut.
func (b PreviewBudget) Truncate(output string, usagePercent float64) string {
	if output == "" {
		return ""
	}

	charsPerToken := b.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	maxChars := b.tokensFor(usagePercent) * charsPerToken

	lines := strings.Split(output, "\n")
	droppedLines := 0
	if b.MaxLines > 0 && len(lines) > b.MaxLines {
		droppedLines = len(lines) - b.MaxLines
		lines = lines[:b.MaxLines]
	}
	preview := strings.Join(lines, "\n")

	if maxChars > 0 && len(preview) > maxChars {
		preview = cutAtRune(preview, maxChars)
	}

	if droppedLines > 0 || len(preview) < len(output) {
		preview += fmt.Sprintf("\n… (%d more bytes)", len(output)-len(preview))
	}
	return preview
}

// cutAtRune cuts s to at most max bytes without splitting a UTF-8 rune.
func cutAtRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
