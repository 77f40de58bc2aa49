package models

import "time"

// GrantScope is the user's choice of how widely an approval applies. It
// determines both the lifetime of the resulting grant and its match shape.
type GrantScope string

const (
	// GrantOnce approves only the prompting call; nothing is cached.
	GrantOnce GrantScope = "once"
	// GrantCommand approves future calls with the same leading command token.
	GrantCommand GrantScope = "command"
	// GrantPath approves future calls targeting the same path prefix.
	GrantPath GrantScope = "path"
	// GrantSession approves the tool unconditionally for the session.
	GrantSession GrantScope = "session"
)

// GrantLifetime bounds how long a trust grant stays valid.
type GrantLifetime string

const (
	LifetimeOnce    GrantLifetime = "once"
	LifetimeTurn    GrantLifetime = "turn"
	LifetimeSession GrantLifetime = "session"
)

// TrustGrant is a cached user decision that short-circuits future
// permission prompts for matching tool calls. CommandPrefix and PathPrefix
// narrow the grant; when both are empty the grant covers the whole tool.
type TrustGrant struct {
	Tool          string        `json:"tool"`
	CommandPrefix string        `json:"command_prefix,omitempty"`
	PathPrefix    string        `json:"path_prefix,omitempty"`
	Lifetime      GrantLifetime `json:"lifetime"`
	GrantedAt     time.Time     `json:"granted_at"`
}

// Specificity orders grants for most-specific-first matching: a grant
// narrowed by command or path outranks a tool-wide grant.
func (g TrustGrant) Specificity() int {
	n := 0
	if g.CommandPrefix != "" {
		n++
	}
	if g.PathPrefix != "" {
		n++
	}
	return n
}
