// Package bus implements the activity event bus that couples the agent
// engine to its observers: typed and wildcard subscriptions, synchronous
// two-phase delivery, and scoped child buses for nested agents.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skiff-ai/skiff/pkg/models"
)

// Handler receives events from the bus. Delivery is synchronous on the
// emitter's goroutine; handlers must not perform long work in-band and
// should schedule long-running reactions themselves.
type Handler func(e models.Event)

// listenerWarnThreshold is the soft subscriber count above which the bus
// logs a probable leak.
const listenerWarnThreshold = 50

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a typed, wildcard-capable publish/subscribe channel. A handler
// registered against a specific type receives only events of that type; a
// wildcard handler receives everything. Per emit, the typed cohort is
// delivered before the wildcard cohort, each in registration order.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	typed  map[models.EventType][]subscription
	wild   []subscription
	closed bool
	logger *slog.Logger
}

// New creates an event bus. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		typed:  make(map[models.EventType][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for one event type, or for every event when
// t is models.EventWildcard. The returned cancel function removes the
// subscription and is safe to call more than once.
func (b *Bus) Subscribe(t models.EventType, h Handler) (cancel func()) {
	if h == nil {
		return func() {}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	b.nextID++
	sub := subscription{id: b.nextID, handler: h}
	if t == models.EventWildcard {
		b.wild = append(b.wild, sub)
	} else {
		b.typed[t] = append(b.typed[t], sub)
	}

	if n := b.listenerCountLocked(); n > listenerWarnThreshold {
		b.logger.Warn("event bus listener count is high; probable subscriber leak",
			"listeners", n,
			"threshold", listenerWarnThreshold,
		)
	}

	id := sub.id
	return func() { b.unsubscribe(t, id) }
}

func (b *Bus) unsubscribe(t models.EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t == models.EventWildcard {
		b.wild = removeSub(b.wild, id)
		return
	}
	subs := removeSub(b.typed[t], id)
	if len(subs) == 0 {
		delete(b.typed, t)
	} else {
		b.typed[t] = subs
	}
}

func removeSub(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Emit delivers the event to every matching subscriber: the typed cohort
// first, then the wildcard cohort. The subscriber set is snapshotted before
// dispatch so that handlers unsubscribing mid-emit neither skip nor
// double-deliver remaining subscribers. A panicking handler is isolated and
// logged; remaining handlers still run.
func (b *Bus) Emit(e models.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	typed := append([]subscription(nil), b.typed[e.Type]...)
	wild := append([]subscription(nil), b.wild...)
	b.mu.Unlock()

	for _, s := range typed {
		b.deliver(s, e)
	}
	for _, s := range wild {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s subscription, e models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"event_type", string(e.Type),
				"event_id", e.ID,
				"panic", r,
			)
		}
	}()
	s.handler(e)
}

// ListenerCount returns the number of active subscriptions, typed and
// wildcard combined.
func (b *Bus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listenerCountLocked()
}

func (b *Bus) listenerCountLocked() int {
	n := len(b.wild)
	for _, subs := range b.typed {
		n += len(subs)
	}
	return n
}

// Cleanup drops every subscription and marks the bus closed. Further emits
// and subscriptions are no-ops; the instance is not reusable. Repeated
// calls are harmless.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.typed = make(map[models.EventType][]subscription)
	b.wild = nil
	b.closed = true
}

// Emitter is the narrow write side of the bus. Both Bus and Scoped satisfy
// it; components that only publish take an Emitter.
type Emitter interface {
	Emit(e models.Event)
}

// Scoped wraps a root bus and stamps every emitted event with a parent id.
// Nested agents publish through a scoped bus so parent UIs can filter
// nested activity without conflating it with their own.
type Scoped struct {
	root     *Bus
	parentID string
}

// Scope returns a view of the bus that stamps parentID on emitted events.
func (b *Bus) Scope(parentID string) *Scoped {
	return &Scoped{root: b, parentID: parentID}
}

// Emit stamps the parent id and forwards to the root bus. An event that
// already carries a parent id keeps it.
func (s *Scoped) Emit(e models.Event) {
	if e.ParentID == "" {
		e.ParentID = s.parentID
	}
	s.root.Emit(e)
}

// Subscribe forwards to the root bus.
func (s *Scoped) Subscribe(t models.EventType, h Handler) (cancel func()) {
	return s.root.Subscribe(t, h)
}

// ParentID returns the scope's parent id.
func (s *Scoped) ParentID() string {
	return s.parentID
}
