package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skiff-ai/skiff/internal/agent"
	"github.com/skiff-ai/skiff/internal/bus"
	"github.com/skiff-ai/skiff/pkg/models"
)

// saveTimeout bounds one background snapshot write.
const saveTimeout = 10 * time.Second

// SnapshotSource is the read-only view of the agent the persister captures
// at turn boundaries. *agent.Agent satisfies it.
type SnapshotSource interface {
	GetMessages() []models.Message
	GetToolHistory() []models.ToolCallState
	GetTurnStats() agent.TurnStats
}

// Persister saves a session snapshot after every turn. Writes happen on a
// background goroutine; a failing store is logged and never interrupts the
// conversation.
type Persister struct {
	store     Store
	source    SnapshotSource
	sessionID string
	createdAt time.Time
	logger    *slog.Logger

	wg     sync.WaitGroup
	cancel func()
}

// NewPersister creates a persister for one session. A nil logger falls back
// to slog.Default.
func NewPersister(store Store, source SnapshotSource, sessionID string, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		store:     store,
		source:    source,
		sessionID: sessionID,
		createdAt: time.Now(),
		logger:    logger,
	}
}

// Attach subscribes to turn.end on the bus. Call Detach (or the returned
// cancel) when the session ends.
func (p *Persister) Attach(b *bus.Bus) func() {
	p.cancel = b.Subscribe(models.EventTurnEnd, func(models.Event) {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.save()
		}()
	})
	return p.cancel
}

// Detach unsubscribes from the bus.
func (p *Persister) Detach() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Wait blocks until in-flight saves finish. Intended for shutdown and tests.
func (p *Persister) Wait() {
	p.wg.Wait()
}

func (p *Persister) save() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	snap := &Snapshot{
		ID:          p.sessionID,
		CreatedAt:   p.createdAt,
		Messages:    p.source.GetMessages(),
		ToolHistory: p.source.GetToolHistory(),
		Stats:       p.source.GetTurnStats(),
	}
	if err := p.store.Save(ctx, snap); err != nil {
		p.logger.Error("failed to persist session snapshot",
			"session_id", p.sessionID,
			"error", err,
		)
	}
}
