// Package sessions persists conversation snapshots across process restarts.
//
// A snapshot captures the conversation, the retained tool-call history, and
// the turn accounting at a turn boundary. Persistence is fire-and-forget from
// the engine's point of view: the Persister listens for turn.end on the event
// bus and writes in the background, so a slow or failing store never blocks
// a turn.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/skiff-ai/skiff/internal/agent"
	"github.com/skiff-ai/skiff/pkg/models"
)

// ErrNotFound is returned when a snapshot id does not exist.
var ErrNotFound = errors.New("session not found")

// Snapshot is one persisted session state.
type Snapshot struct {
	ID          string                 `json:"id"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Messages    []models.Message       `json:"messages"`
	ToolHistory []models.ToolCallState `json:"tool_history,omitempty"`
	Stats       agent.TurnStats        `json:"stats"`
}

// Summary is the listing view of a snapshot.
type Summary struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  int       `json:"messages"`
	Turns     int       `json:"turns"`
}

// Store is the snapshot persistence interface.
type Store interface {
	// Save upserts a snapshot by id.
	Save(ctx context.Context, snap *Snapshot) error

	// Load returns the snapshot for id, or ErrNotFound.
	Load(ctx context.Context, id string) (*Snapshot, error)

	// List returns snapshot summaries, most recently updated first. A
	// non-positive limit returns everything.
	List(ctx context.Context, limit int) ([]Summary, error)

	// Delete removes the snapshot for id. Deleting a missing id is not an
	// error.
	Delete(ctx context.Context, id string) error

	// Close releases store resources.
	Close() error
}
