package sessions

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/skiff-ai/skiff/internal/agent"
	"github.com/skiff-ai/skiff/internal/bus"
	"github.com/skiff-ai/skiff/pkg/models"
)

func sampleSnapshot(id string) *Snapshot {
	return &Snapshot{
		ID: id,
		Messages: []models.Message{
			models.NewUserMessage("hello"),
			models.NewAssistantMessage("hi there", nil),
		},
		ToolHistory: []models.ToolCallState{{
			ID:     "t1",
			Name:   "read-file",
			Status: models.ToolCallSuccess,
		}},
		Stats: agent.TurnStats{Turns: 1, LastIterations: 1},
	}
}

func testStoreRoundTrip(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if err := store.Save(ctx, sampleSnapshot("s1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Messages) != 2 || loaded.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v", loaded.Messages)
	}
	if len(loaded.ToolHistory) != 1 || loaded.ToolHistory[0].Status != models.ToolCallSuccess {
		t.Errorf("tool history = %+v", loaded.ToolHistory)
	}
	if loaded.Stats.Turns != 1 {
		t.Errorf("stats = %+v", loaded.Stats)
	}

	if _, err := store.Load(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(absent) = %v, want ErrNotFound", err)
	}

	// Save again under the same id updates in place.
	snap := sampleSnapshot("s1")
	snap.Messages = append(snap.Messages, models.NewUserMessage("again"))
	snap.Stats.Turns = 2
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	summaries, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Messages != 3 || summaries[0].Turns != 2 {
		t.Errorf("summaries = %+v", summaries)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Load(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	testStoreRoundTrip(t, NewMemoryStore())
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()
	testStoreRoundTrip(t, store)
}

func TestListOrdersByRecency(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, sampleSnapshot("old")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := store.Save(ctx, sampleSnapshot("new")); err != nil {
		t.Fatal(err)
	}

	summaries, err := store.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 || summaries[0].ID != "new" {
		t.Errorf("summaries = %+v", summaries)
	}
}

// fixedSource feeds the persister a static snapshot.
type fixedSource struct {
	messages []models.Message
	states   []models.ToolCallState
	stats    agent.TurnStats
}

func (s *fixedSource) GetMessages() []models.Message          { return s.messages }
func (s *fixedSource) GetToolHistory() []models.ToolCallState { return s.states }
func (s *fixedSource) GetTurnStats() agent.TurnStats          { return s.stats }

func TestPersisterSavesOnTurnEnd(t *testing.T) {
	store := NewMemoryStore()
	b := bus.New(nil)
	source := &fixedSource{
		messages: []models.Message{models.NewUserMessage("hi")},
		stats:    agent.TurnStats{Turns: 3},
	}

	p := NewPersister(store, source, "session-1", nil)
	p.Attach(b)
	defer p.Detach()

	b.Emit(models.Event{Type: models.EventTurnEnd})
	p.Wait()

	snap, err := store.Load(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("snapshot was not saved: %v", err)
	}
	if len(snap.Messages) != 1 || snap.Stats.Turns != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestPersisterIgnoresOtherEvents(t *testing.T) {
	store := NewMemoryStore()
	b := bus.New(nil)
	p := NewPersister(store, &fixedSource{}, "session-1", nil)
	p.Attach(b)
	defer p.Detach()

	b.Emit(models.Event{Type: models.EventAssistantChunk})
	p.Wait()

	if _, err := store.Load(context.Background(), "session-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unexpected save: %v", err)
	}
}
