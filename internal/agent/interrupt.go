package agent

import "sync"

// Interrupter is the per-turn cancellation token. Every suspension point
// (LLM call, permission wait, tool execution) polls it on entry and on
// resume; setting it causes each in-flight suspension point to return
// within a bounded grace period.
//
// The turn controller resets the flag at the start of a turn and leaves it
// set on an interrupted exit, so Interrupted is observable after
// SendMessage returns.
type Interrupter struct {
	mu        sync.Mutex
	set       bool
	done      chan struct{}
	callbacks map[uint64]func()
	nextID    uint64
}

// NewInterrupter creates a cleared interruption token.
func NewInterrupter() *Interrupter {
	return &Interrupter{
		done:      make(chan struct{}),
		callbacks: make(map[uint64]func()),
	}
}

// Interrupt sets the flag, closes the wait channel, and runs registered
// cancel callbacks. Callbacks must be idempotent; repeated calls to
// Interrupt are no-ops.
func (i *Interrupter) Interrupt() {
	i.mu.Lock()
	if i.set {
		i.mu.Unlock()
		return
	}
	i.set = true
	close(i.done)
	cbs := make([]func(), 0, len(i.callbacks))
	for _, cb := range i.callbacks {
		cbs = append(cbs, cb)
	}
	i.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// Interrupted reports whether the token is set.
func (i *Interrupter) Interrupted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.set
}

// C returns a channel closed when the token is set. The channel is only
// valid until the next Reset.
func (i *Interrupter) C() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.done
}

// OnInterrupt registers a cancel callback for the current turn. If the
// token is already set, the callback runs immediately. The returned
// function unregisters it.
func (i *Interrupter) OnInterrupt(cb func()) (remove func()) {
	i.mu.Lock()
	if i.set {
		i.mu.Unlock()
		cb()
		return func() {}
	}
	i.nextID++
	id := i.nextID
	i.callbacks[id] = cb
	i.mu.Unlock()

	return func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		delete(i.callbacks, id)
	}
}

// Reset clears the flag and drops registered callbacks, preparing the token
// for a new turn.
func (i *Interrupter) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.set {
		i.done = make(chan struct{})
	}
	i.set = false
	i.callbacks = make(map[uint64]func())
}
