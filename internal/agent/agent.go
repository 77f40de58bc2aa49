// Package agent implements the turn engine: the controller that drives the
// LLM/tool loop for one user input, the orchestrator that fans tool calls
// out to registered tools, and the auxiliaries (cycle detection, checkpoint
// reminders, interruption, turn clock) the loop consults along the way.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skiff-ai/skiff/internal/bus"
	"github.com/skiff-ai/skiff/internal/history"
	"github.com/skiff-ai/skiff/internal/observability"
	"github.com/skiff-ai/skiff/internal/permission"
	"github.com/skiff-ai/skiff/internal/trust"
	"github.com/skiff-ai/skiff/pkg/models"
)

// Canonical terminal strings returned by SendMessage for turns that do not
// end with a normal assistant reply. Downstream UIs render these verbatim.
const (
	DeniedMessage      = "Permission denied. Stopping here."
	InterruptedMessage = "Interrupted."
	TimeoutMessage     = "Turn time limit reached. Stopping here."
	CycleMessage       = "I keep repeating the same action, so I am stopping here."
	ValidationMessage  = "The model kept producing malformed tool calls. Stopping here."
)

// DefaultValidationRetryLimit bounds corrective re-sends after the transport
// flags malformed tool-call JSON.
const DefaultValidationRetryLimit = 3

// Config carries the tunable behavior of one agent.
type Config struct {
	// Model selects the provider model; empty uses the provider default.
	Model string

	// MaxTokens caps each completion; 0 uses the provider default.
	MaxTokens int

	// Parallel enables concurrent execution of read-only tool calls.
	Parallel bool

	// MaxParallel bounds the read-only fan-out.
	MaxParallel int

	// MaxBatchSize bounds batch wrapper unwrapping.
	MaxBatchSize int

	// Cycle detection over tool-call signatures.
	CycleWindow    int
	CycleThreshold int

	// Thinking cycle detection over assistant content.
	ThinkingSimilarity float64
	ThinkingRepetition int

	// Checkpoint reminder cadence.
	CheckpointInterval        int
	CheckpointMinPromptTokens int
	CheckpointMaxPromptTokens int

	// TurnDurationCap bounds a turn's wall-clock time; 0 means no cap.
	TurnDurationCap time.Duration

	// ValidationRetryEnabled re-sends with a corrective reminder when the
	// transport flags malformed tool-call JSON.
	ValidationRetryEnabled bool

	// ValidationRetryLimit bounds consecutive corrective re-sends; 0 uses
	// DefaultValidationRetryLimit.
	ValidationRetryLimit int

	// PromptTimeout bounds how long a permission prompt waits.
	PromptTimeout time.Duration

	// Preview holds the tiered tool-result preview budgets.
	Preview PreviewBudget
}

// Options wires an agent's collaborators. Registry, Provider, History, and
// Bus are required; Trust and Gate are created when nil.
type Options struct {
	Provider LLMProvider
	Registry *Registry
	History  *history.History
	Bus      *bus.Bus
	Trust    *trust.Cache
	Gate     Authorizer

	Config  Config
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Agent is the turn controller: it owns the conversation loop for one
// session, one turn at a time. A turn appends the user message, then
// alternates LLM calls and tool dispatches until the model answers without
// tool calls or a terminal condition ends the turn early.
type Agent struct {
	provider LLMProvider
	registry *Registry
	history  *history.History
	bus      *bus.Bus
	trust    *trust.Cache
	orch     *Orchestrator

	interrupts *Interrupter
	clock      *TurnClock
	cycles     *CycleDetector
	thinking   *ThinkingDetector
	checkpoint *checkpointTracker

	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	active     bool
	stats      TurnStats
	toolStates []models.ToolCallState
}

// New creates an agent from its collaborators.
func New(opts Options) (*Agent, error) {
	if opts.Provider == nil {
		return nil, ErrNoProvider
	}
	if opts.Registry == nil || opts.History == nil || opts.Bus == nil {
		return nil, fmt.Errorf("agent requires a registry, history, and event bus")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Trust == nil {
		opts.Trust = trust.NewCache()
	}
	if opts.Gate == nil {
		opts.Gate = permission.NewGate(opts.Bus, opts.Trust, opts.Config.PromptTimeout, opts.Logger)
	}

	cfg := opts.Config
	if cfg.ValidationRetryLimit <= 0 {
		cfg.ValidationRetryLimit = DefaultValidationRetryLimit
	}

	a := &Agent{
		provider:   opts.Provider,
		registry:   opts.Registry,
		history:    opts.History,
		bus:        opts.Bus,
		trust:      opts.Trust,
		interrupts: NewInterrupter(),
		clock:      NewTurnClock(cfg.TurnDurationCap),
		cycles:     NewCycleDetector(cfg.CycleWindow, cfg.CycleThreshold),
		thinking:   NewThinkingDetector(cfg.ThinkingSimilarity, cfg.ThinkingRepetition),
		checkpoint: newCheckpointTracker(
			cfg.CheckpointInterval,
			cfg.CheckpointMinPromptTokens,
			cfg.CheckpointMaxPromptTokens,
			history.DefaultCharsPerToken,
		),
		cfg:     cfg,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}

	a.orch = NewOrchestrator(OrchestratorOptions{
		Registry:     opts.Registry,
		Gate:         opts.Gate,
		Events:       opts.Bus,
		Usage:        opts.History,
		Parallel:     cfg.Parallel,
		MaxParallel:  cfg.MaxParallel,
		MaxBatchSize: cfg.MaxBatchSize,
		Preview:      cfg.Preview,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})

	a.recordToolLifecycle()
	return a, nil
}

// Interrupt sets the turn's cancellation token. Safe from any goroutine.
func (a *Agent) Interrupt() {
	a.interrupts.Interrupt()
}

// WasInterrupted reports whether the last turn ended interrupted. The flag
// stays observable after SendMessage returns and clears on the next turn.
func (a *Agent) WasInterrupted() bool {
	return a.interrupts.Interrupted()
}

// SendMessage runs one full turn for the given user input and returns the
// final assistant text, or a canonical terminal string when the turn ends
// early. Only one turn may be active at a time.
func (a *Agent) SendMessage(ctx context.Context, userText string) (string, error) {
	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return "", ErrTurnActive
	}
	a.active = true
	a.mu.Unlock()

	turnID := uuid.NewString()
	a.interrupts.Reset()
	a.clock.Start()
	a.cycles.Reset()
	a.thinking.Reset()
	a.checkpoint.beginTurn(userText)

	a.history.Append(models.NewUserMessage(userText))
	a.bus.Emit(models.Event{
		Type:     models.EventTurnStart,
		ParentID: turnID,
		Turn:     &models.TurnEventPayload{},
	})

	text, reason := a.runLoop(ctx, turnID)
	a.endTurn(turnID, reason)
	return text, nil
}

// runLoop drives the LLM/tool iterations of one turn and returns the final
// text with the terminal reason.
func (a *Agent) runLoop(ctx context.Context, turnID string) (string, models.TurnEndReason) {
	validationRetries := 0
	cycleWarned := false
	iterations := 0

	for {
		iterations++
		a.noteIteration(iterations)

		if a.clock.Expired() {
			a.logger.Warn("turn duration cap reached", "cap", a.clock.Cap(), "iterations", iterations)
			return TimeoutMessage, models.TurnReasonTimeout
		}
		if a.interrupts.Interrupted() {
			return InterruptedMessage, models.TurnReasonInterrupted
		}

		completion, err := a.complete(ctx)
		if err != nil {
			if a.interrupts.Interrupted() {
				return InterruptedMessage, models.TurnReasonInterrupted
			}
			return a.transportFailure(err), models.TurnReasonInterrupted
		}

		if completion.ValidationFailed {
			if a.cfg.ValidationRetryEnabled && validationRetries < a.cfg.ValidationRetryLimit {
				validationRetries++
				a.logger.Warn("malformed tool-call JSON from model, retrying",
					"attempt", validationRetries,
					"detail", completion.ValidationErrors,
				)
				a.history.Append(ephemeralReminder(validationReminderText))
				continue
			}
			return ValidationMessage, models.TurnReasonValidationExhausted
		}
		validationRetries = 0

		assistant := models.NewAssistantMessage(completion.Content, completion.ToolCalls)
		a.history.Append(assistant)
		a.bus.Emit(models.Event{
			Type:     models.EventAssistantMessageComplete,
			ParentID: turnID,
			Assistant: &models.AssistantEventPayload{
				Content:   completion.Content,
				ToolCalls: completion.ToolCalls,
			},
		})

		// Assistant text feeds the thinking detector whether or not the
		// response carries tool calls.
		thinkingCycle := a.thinking.Observe(completion.Content)

		if len(completion.ToolCalls) == 0 {
			if thinkingCycle {
				if cycleWarned {
					return CycleMessage, models.TurnReasonCycle
				}
				cycleWarned = true
				a.history.Append(ephemeralReminder(cycleReminderText))
				continue
			}
			return completion.Content, models.TurnReasonCompleted
		}

		if a.cycles.Observe(completion.ToolCalls) || thinkingCycle {
			if cycleWarned {
				return CycleMessage, models.TurnReasonCycle
			}
			cycleWarned = true
			a.history.Append(ephemeralReminder(cycleReminderText))
		}

		results, denied := a.orch.Dispatch(ctx, completion.ToolCalls, turnID, a.interrupts)
		a.history.AppendMany(results)
		a.noteToolCalls(len(completion.ToolCalls))

		if denied {
			return DeniedMessage, models.TurnReasonInterrupted
		}
		if a.interrupts.Interrupted() {
			return InterruptedMessage, models.TurnReasonInterrupted
		}

		succeeded := 0
		for _, msg := range results {
			if !msg.IsError {
				succeeded++
			}
		}
		if reminder, ok := a.checkpoint.observe(succeeded); ok {
			a.history.Append(reminder)
		}

		if a.metrics != nil {
			a.metrics.ContextUsage.Set(a.history.UsagePercent())
		}
	}
}

// complete performs one LLM call, wiring streaming chunks onto the bus and
// the interruption token into transport cancellation.
func (a *Agent) complete(ctx context.Context) (*Completion, error) {
	llmCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	remove := a.interrupts.OnInterrupt(cancel)
	defer remove()

	req := &CompletionRequest{
		Model:     a.cfg.Model,
		Messages:  a.history.All(),
		Tools:     a.registry.Schemas(),
		MaxTokens: a.cfg.MaxTokens,
		OnContentDelta: func(delta string) {
			a.bus.Emit(models.Event{
				Type:      models.EventAssistantChunk,
				Assistant: &models.AssistantEventPayload{Delta: delta},
			})
		},
		OnThoughtDelta: func(delta string) {
			a.bus.Emit(models.Event{
				Type:      models.EventThoughtChunk,
				Assistant: &models.AssistantEventPayload{Delta: delta},
			})
		},
	}

	start := time.Now()
	completion, err := a.provider.Complete(llmCtx, req)
	a.observeLLM(time.Since(start), err)
	return completion, err
}

// transportFailure surfaces an LLM transport error as a final assistant
// message without crashing the turn; the loop stays re-entrable.
func (a *Agent) transportFailure(err error) string {
	a.logger.Error("llm transport error", "error", err)
	content := fmt.Sprintf("error talking to model: %v", err)
	a.history.Append(models.NewAssistantMessage(content, nil))
	a.bus.Emit(models.Event{
		Type:  models.EventError,
		Error: &models.ErrorEventPayload{Message: err.Error(), Kind: models.ErrorKindTransport},
	})
	return content
}

// endTurn runs turn cleanup in a fixed order: expunge ephemeral reminders,
// sweep turn-lifetime trust grants, record stats, then announce turn.end.
func (a *Agent) endTurn(turnID string, reason models.TurnEndReason) {
	a.history.RemoveEphemeral()
	a.trust.EndTurn()

	interrupted := reason != models.TurnReasonCompleted
	elapsed := a.clock.Elapsed()

	a.mu.Lock()
	a.stats.Turns++
	a.stats.LastReason = reason
	a.stats.LastElapsed = elapsed
	a.stats.Interrupted = interrupted
	iterations := a.stats.LastIterations
	toolCalls := a.stats.LastToolCalls
	a.active = false
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.TurnCounter.WithLabelValues(string(reason)).Inc()
		a.metrics.TurnDuration.Observe(elapsed.Seconds())
	}

	a.bus.Emit(models.Event{
		Type:     models.EventTurnEnd,
		ParentID: turnID,
		Turn: &models.TurnEventPayload{
			Interrupted: interrupted,
			Reason:      reason,
			Iterations:  iterations,
			ToolCalls:   toolCalls,
			Elapsed:     elapsed,
		},
	})
}

func (a *Agent) noteIteration(iterations int) {
	a.mu.Lock()
	if iterations == 1 {
		a.stats.LastIterations = 0
		a.stats.LastToolCalls = 0
	}
	a.stats.LastIterations = iterations
	a.mu.Unlock()
}

func (a *Agent) noteToolCalls(n int) {
	a.mu.Lock()
	a.stats.LastToolCalls += n
	a.stats.TotalToolCalls += n
	a.mu.Unlock()
}

func (a *Agent) observeLLM(elapsed time.Duration, err error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	model := a.cfg.Model
	if model == "" {
		model = "default"
	}
	a.metrics.LLMRequestCounter.WithLabelValues(a.provider.Name(), model, status).Inc()
	a.metrics.LLMRequestDuration.WithLabelValues(a.provider.Name(), model).Observe(elapsed.Seconds())
}
