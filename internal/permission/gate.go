// Package permission gates sensitive tool calls behind a user decision.
// The gate classifies a call, consults the trust cache, and on a miss turns
// an asynchronous permission.response event into a synchronous allow/deny
// decision at the call site.
package permission

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skiff-ai/skiff/internal/bus"
	"github.com/skiff-ai/skiff/internal/trust"
	"github.com/skiff-ai/skiff/pkg/models"
)

// Decision is the gate's verdict for one tool call.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// DefaultPromptTimeout bounds how long a prompt waits for a response when
// the gate is constructed with no explicit timeout.
const DefaultPromptTimeout = 5 * time.Minute

// Request describes one classified tool call awaiting a verdict.
type Request struct {
	// Tool is the registered tool name.
	Tool string

	// Class is the tool's declared sensitivity refined by the call's
	// arguments.
	Class models.Classification

	// RequiresConfirmation is the tool descriptor's confirmation policy.
	// Read-only calls from tools that never require confirmation are
	// allowed without a prompt or cache lookup.
	RequiresConfirmation bool
}

// InterruptSignal is the per-turn cancellation token as seen from a
// suspension point. The gate races the prompt against it; interruption is
// treated as deny.
type InterruptSignal interface {
	Interrupted() bool
	C() <-chan struct{}
}

// PromptBus is the slice of the event bus the gate needs: emit the request,
// subscribe for the response. Both the root bus and a scoped bus satisfy it.
type PromptBus interface {
	Emit(e models.Event)
	Subscribe(t models.EventType, h bus.Handler) (cancel func())
}

// Gate classifies tool calls and runs the prompt protocol for those that
// need confirmation.
type Gate struct {
	bus     PromptBus
	trust   *trust.Cache
	timeout time.Duration
	logger  *slog.Logger
}

// NewGate creates a permission gate. A zero timeout falls back to
// DefaultPromptTimeout; a nil logger falls back to slog.Default.
func NewGate(promptBus PromptBus, trustCache *trust.Cache, timeout time.Duration, logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultPromptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{bus: promptBus, trust: trustCache, timeout: timeout, logger: logger}
}

// Authorize returns the verdict for one classified tool call. It consults
// the trust cache first; on a miss it emits permission.request, blocks for
// the correlated permission.response, and races the wait against the
// interrupt token, the prompt timeout, and the context. Interruption and
// timeout both deny.
func (g *Gate) Authorize(ctx context.Context, req Request, sig InterruptSignal) Decision {
	if !req.RequiresConfirmation && req.Class.Sensitivity == models.SensitivityReadOnly {
		return Allow
	}
	if sig != nil && sig.Interrupted() {
		return Deny
	}
	if g.trust != nil && g.trust.Match(req.Tool, req.Class) {
		return Allow
	}
	return g.prompt(ctx, req, sig)
}

func (g *Gate) prompt(ctx context.Context, req Request, sig InterruptSignal) Decision {
	requestID := uuid.NewString()

	responses := make(chan models.PermissionEventPayload, 1)
	cancel := g.bus.Subscribe(models.EventPermissionResponse, func(e models.Event) {
		if e.Permission == nil || e.Permission.RequestID != requestID {
			return
		}
		select {
		case responses <- *e.Permission:
		default:
		}
	})
	defer cancel()

	g.bus.Emit(models.Event{
		Type: models.EventPermissionRequest,
		Permission: &models.PermissionEventPayload{
			RequestID:   requestID,
			Tool:        req.Tool,
			Summary:     req.Class.Summary,
			Sensitivity: req.Class.Sensitivity,
		},
	})

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var interruptC <-chan struct{}
	if sig != nil {
		interruptC = sig.C()
	}

	select {
	case resp := <-responses:
		if !resp.Approved {
			return Deny
		}
		g.persistGrant(req, resp.Scope)
		return Allow
	case <-interruptC:
		g.logger.Debug("permission prompt interrupted", "tool", req.Tool, "request_id", requestID)
		return Deny
	case <-timer.C:
		g.logger.Warn("permission prompt timed out", "tool", req.Tool, "request_id", requestID, "timeout", g.timeout)
		return Deny
	case <-ctx.Done():
		return Deny
	}
}

// persistGrant records the user's scope choice in the trust cache so
// matching calls skip the prompt for the rest of the session.
func (g *Gate) persistGrant(req Request, scope models.GrantScope) {
	if g.trust == nil {
		return
	}
	switch scope {
	case models.GrantCommand:
		if req.Class.CommandPrefix == "" {
			return
		}
		g.trust.Put(models.TrustGrant{
			Tool:          req.Tool,
			CommandPrefix: req.Class.CommandPrefix,
			Lifetime:      models.LifetimeSession,
		})
	case models.GrantPath:
		if req.Class.PathPrefix == "" {
			return
		}
		g.trust.Put(models.TrustGrant{
			Tool:       req.Tool,
			PathPrefix: req.Class.PathPrefix,
			Lifetime:   models.LifetimeSession,
		})
	case models.GrantSession:
		g.trust.Put(models.TrustGrant{
			Tool:     req.Tool,
			Lifetime: models.LifetimeSession,
		})
	default:
		// GrantOnce: approve this call only.
	}
}
