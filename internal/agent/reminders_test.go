package agent

import (
	"strings"
	"testing"
)

func TestCheckpointFiresAtInterval(t *testing.T) {
	c := newCheckpointTracker(10, 2, 500, 4)
	c.beginTurn("please refactor the storage layer and update all call sites")

	if _, ok := c.observe(9); ok {
		t.Fatal("checkpoint fired before the interval")
	}
	msg, ok := c.observe(1)
	if !ok {
		t.Fatal("checkpoint did not fire at the interval")
	}
	if !msg.Ephemeral {
		t.Error("checkpoint reminder is not ephemeral")
	}
	if !strings.Contains(msg.Content, "refactor the storage layer") {
		t.Errorf("reminder does not restate the goal: %q", msg.Content)
	}

	// The counter re-arms for the next interval.
	if _, ok := c.observe(9); ok {
		t.Fatal("checkpoint re-fired early")
	}
	if _, ok := c.observe(1); !ok {
		t.Fatal("checkpoint did not re-fire at the next interval")
	}
}

func TestCheckpointSkipsTrivialPrompt(t *testing.T) {
	c := newCheckpointTracker(10, 8, 500, 4)
	c.beginTurn("hi")

	if _, ok := c.observe(10); ok {
		t.Error("checkpoint fired for a trivial prompt")
	}
}

func TestCheckpointTruncatesLongPrompt(t *testing.T) {
	c := newCheckpointTracker(10, 2, 5, 4)
	c.beginTurn(strings.Repeat("do the thing ", 50))

	msg, ok := c.observe(10)
	if !ok {
		t.Fatal("checkpoint did not fire")
	}
	if len(msg.Content) > 200 {
		t.Errorf("reminder not truncated: %d chars", len(msg.Content))
	}
}

func TestCheckpointResetsPerTurn(t *testing.T) {
	c := newCheckpointTracker(10, 2, 500, 4)
	c.beginTurn("first goal with enough words to matter here")
	c.observe(9)

	c.beginTurn("second goal with enough words to matter here")
	if _, ok := c.observe(9); ok {
		t.Error("counter leaked across turns")
	}
}
