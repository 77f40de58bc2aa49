// Package trust remembers user permission grants at (tool, scope)
// granularity so repeated prompts for equivalent tool calls are skipped.
// Grants carry a lifetime; turn-scoped grants are swept at turn end and
// everything expires with the session.
package trust

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skiff-ai/skiff/pkg/models"
)

// Cache is the single-writer multi-reader grant store. Writes happen on
// user decisions only, so a plain mutex is enough.
type Cache struct {
	mu     sync.RWMutex
	turn   uint64
	grants []grantEntry
}

// grantEntry pins a grant to the turn epoch it was issued in, so a
// turn-lifetime grant is recognizably stale on read.
type grantEntry struct {
	grant models.TrustGrant
	turn  uint64
}

// NewCache creates an empty trust cache.
func NewCache() *Cache {
	return &Cache{}
}

// Put records a grant. A duplicate key (same tool, command prefix, and
// path prefix) is replaced rather than accumulated.
func (c *Cache) Put(g models.TrustGrant) {
	if g.Tool == "" || g.Lifetime == models.LifetimeOnce {
		// Once-grants authorize only the prompting call; caching one
		// would turn it into a session grant.
		return
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry := grantEntry{grant: g, turn: c.turn}
	for i, existing := range c.grants {
		if existing.grant.Tool == g.Tool &&
			existing.grant.CommandPrefix == g.CommandPrefix &&
			existing.grant.PathPrefix == g.PathPrefix {
			c.grants[i] = entry
			return
		}
	}
	c.grants = append(c.grants, entry)
}

// Match reports whether a stored grant covers the classified call. Lookup
// is most-specific-first: a grant narrowed by command or path outranks a
// tool-wide grant. Expired entries are removed on read.
func (c *Cache) Match(tool string, class models.Classification) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()

	candidates := make([]models.TrustGrant, 0, len(c.grants))
	for _, e := range c.grants {
		if e.grant.Tool == tool {
			candidates = append(candidates, e.grant)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Specificity() > candidates[j].Specificity()
	})

	for _, g := range candidates {
		if g.CommandPrefix != "" && !hasTokenPrefix(class.CommandPrefix, g.CommandPrefix) {
			continue
		}
		if g.PathPrefix != "" && !hasPathPrefix(class.PathPrefix, g.PathPrefix) {
			continue
		}
		return true
	}
	return false
}

// hasTokenPrefix matches a command against a granted leading token.
func hasTokenPrefix(command, granted string) bool {
	if command == "" {
		return false
	}
	return command == granted
}

// hasPathPrefix matches a target path against a granted path prefix on
// path-segment boundaries.
func hasPathPrefix(path, granted string) bool {
	if path == "" {
		return false
	}
	if path == granted {
		return true
	}
	prefix := strings.TrimSuffix(granted, "/") + "/"
	return strings.HasPrefix(path, prefix)
}

// expireLocked removes grants whose lifetime has lapsed: a turn grant
// issued in an earlier turn epoch is stale even before the sweep runs.
func (c *Cache) expireLocked() {
	kept := c.grants[:0]
	for _, e := range c.grants {
		if e.grant.Lifetime == models.LifetimeTurn && e.turn != c.turn {
			continue
		}
		kept = append(kept, e)
	}
	c.grants = kept
}

// EndTurn advances the turn epoch and sweeps grants whose lifetime was the
// current turn.
func (c *Cache) EndTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turn++
	c.expireLocked()
}

// Clear drops every grant. Called at session end.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grants = nil
}

// Len returns the number of stored grants.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.grants)
}
