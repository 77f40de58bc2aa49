package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and for running without
// persistence.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]*Snapshot)}
}

// Save upserts a snapshot by id.
func (s *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *snap
	stored.Messages = append(stored.Messages[:0:0], snap.Messages...)
	stored.ToolHistory = append(stored.ToolHistory[:0:0], snap.ToolHistory...)
	if existing, ok := s.snaps[snap.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = time.Now()
	s.snaps[snap.ID] = &stored
	return nil
}

// Load returns the snapshot for id, or ErrNotFound.
func (s *MemoryStore) Load(_ context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snaps[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *snap
	out.Messages = append(out.Messages[:0:0], snap.Messages...)
	out.ToolHistory = append(out.ToolHistory[:0:0], snap.ToolHistory...)
	return &out, nil
}

// List returns summaries, most recently updated first.
func (s *MemoryStore) List(_ context.Context, limit int) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]Summary, 0, len(s.snaps))
	for _, snap := range s.snaps {
		summaries = append(summaries, Summary{
			ID:        snap.ID,
			UpdatedAt: snap.UpdatedAt,
			Messages:  len(snap.Messages),
			Turns:     snap.Stats.Turns,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// Delete removes the snapshot for id.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, id)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
