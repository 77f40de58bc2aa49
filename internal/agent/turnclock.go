package agent

import (
	"sync"
	"time"
)

// TurnClock tracks wall-clock duration for the active turn and enforces an
// optional soft deadline. The turn controller polls Expired at the top of
// each loop iteration; specialized sub-turns may carry a shorter cap.
type TurnClock struct {
	mu      sync.Mutex
	started time.Time
	cap     time.Duration
}

// NewTurnClock creates a clock with the given duration cap. A zero or
// negative cap disables the deadline.
func NewTurnClock(maxDuration time.Duration) *TurnClock {
	return &TurnClock{cap: maxDuration}
}

// Start marks the beginning of a turn.
func (c *TurnClock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = time.Now()
}

// Elapsed returns the time since Start, or zero if the clock never started.
func (c *TurnClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// Expired reports whether the turn has exceeded its duration cap.
func (c *TurnClock) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cap <= 0 || c.started.IsZero() {
		return false
	}
	return time.Since(c.started) > c.cap
}

// Cap returns the configured duration cap.
func (c *TurnClock) Cap() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cap
}

// SetCap adjusts the duration cap, e.g. for a specialized sub-turn.
func (c *TurnClock) SetCap(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cap = d
}
