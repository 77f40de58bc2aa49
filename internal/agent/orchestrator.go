package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skiff-ai/skiff/internal/bus"
	"github.com/skiff-ai/skiff/internal/observability"
	"github.com/skiff-ai/skiff/internal/permission"
	"github.com/skiff-ai/skiff/pkg/models"
)

// Dispatch limits.
const (
	DefaultMaxBatchSize = 10
	DefaultMaxParallel  = 4
)

// Authorizer is the slice of the permission gate the orchestrator needs.
type Authorizer interface {
	Authorize(ctx context.Context, req permission.Request, sig permission.InterruptSignal) permission.Decision
}

// UsageSource reports current context window usage percent; it keys the
// preview truncation tier.
type UsageSource interface {
	UsagePercent() float64
}

// OrchestratorOptions configures a tool orchestrator.
type OrchestratorOptions struct {
	Registry *Registry
	Gate     Authorizer
	Events   bus.Emitter
	Usage    UsageSource

	// Parallel enables concurrent execution of read-only calls.
	Parallel bool

	// MaxParallel bounds the read-only fan-out; 0 uses DefaultMaxParallel.
	MaxParallel int

	// MaxBatchSize bounds batch unwrapping; 0 uses DefaultMaxBatchSize.
	MaxBatchSize int

	// Preview holds the tiered preview truncation budgets; the zero value
	// uses DefaultPreviewBudget.
	Preview PreviewBudget

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Orchestrator fans a batch of tool calls out to individual tools: it
// unwraps transparent batch wrappers, validates arguments, gates each call
// through the permission gate, executes with bounded read-only parallelism,
// and merges tool-role result messages back in input order.
//
// Errors never propagate out of Dispatch; they travel as tool-role messages
// back to the model. The single dispatch-terminating condition is a
// permission denial, which sets the interruption token.
type Orchestrator struct {
	registry *Registry
	gate     Authorizer
	events   bus.Emitter
	usage    UsageSource

	parallel     bool
	maxParallel  int
	maxBatchSize int
	preview      PreviewBudget

	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewOrchestrator creates a tool orchestrator.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.Preview == (PreviewBudget{}) {
		opts.Preview = DefaultPreviewBudget()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		registry:     opts.Registry,
		gate:         opts.Gate,
		events:       opts.Events,
		usage:        opts.Usage,
		parallel:     opts.Parallel,
		maxParallel:  opts.MaxParallel,
		maxBatchSize: opts.MaxBatchSize,
		preview:      opts.Preview,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
}

// plannedCall is one executable call after batch unwrapping. input indexes
// the originating entry of the dispatch's calls slice; children of an
// unwrapped batch share their wrapper's input index.
type plannedCall struct {
	call        models.ToolCall
	parentID    string
	transparent bool
	input       int
}

// callResult is the terminal record of one planned call.
type callResult struct {
	state   models.ToolCallState
	message models.Message
	hasMsg  bool
}

// Dispatch executes one batch of tool calls and returns their tool-role
// result messages in the same order as the input calls, regardless of
// completion order. The second return reports whether the batch stopped on
// a permission denial rather than completing.
//
// On a permission denial it emits tool.end with status cancelled for the
// denied call, sets the interruption token, stops dispatching the remaining
// calls, and returns the messages completed so far; the denied call itself
// produces no tool-role message.
func (o *Orchestrator) Dispatch(ctx context.Context, calls []models.ToolCall, parentID string, interrupts *Interrupter) ([]models.Message, bool) {
	if len(calls) == 0 {
		return nil, false
	}

	planned := o.plan(calls, parentID)
	results := make([]*callResult, len(planned))

	sem := make(chan struct{}, o.maxParallel)
	var wg sync.WaitGroup
	denied := false

	var sig permission.InterruptSignal
	if interrupts != nil {
		sig = interrupts
	}

	for i, pc := range planned {
		if interrupts != nil && interrupts.Interrupted() {
			break
		}

		tool, ok := o.registry.Get(pc.call.Name)
		if !ok {
			results[i] = o.rejectCall(pc, models.ErrorKindValidation, fmt.Sprintf("tool not found: %s", pc.call.Name))
			continue
		}
		if err := o.registry.ValidateArgs(pc.call.Name, pc.call.Arguments); err != nil {
			results[i] = o.rejectCall(pc, models.ErrorKindValidation, err.Error())
			continue
		}

		class := Classify(tool, pc.call.Arguments)
		decision := o.gate.Authorize(ctx, permission.Request{
			Tool:                 pc.call.Name,
			Class:                class,
			RequiresConfirmation: tool.RequiresConfirmation(),
		}, sig)
		if decision != permission.Allow {
			o.observePermission(pc.call.Name, "deny")
			o.cancelCall(pc)
			if interrupts != nil {
				interrupts.Interrupt()
			}
			denied = true
			break
		}
		o.observePermission(pc.call.Name, "allow")

		if o.parallel && class.Sensitivity == models.SensitivityReadOnly {
			i, pc, tool := i, pc, tool
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				results[i] = o.executeCall(ctx, tool, pc, interrupts)
			}()
			continue
		}

		// Side-effect calls serialize behind any in-flight readers.
		wg.Wait()
		results[i] = o.executeCall(ctx, tool, pc, interrupts)
	}

	wg.Wait()

	if denied {
		o.logger.Info("dispatch stopped on permission denial", "calls", len(calls))
	}
	return o.merge(calls, planned, results), denied
}

// plan expands the input calls into executable units, unwrapping valid
// transparent batch wrappers into their children. An invalid batch passes
// through unchanged so the batch tool itself returns a structured error.
func (o *Orchestrator) plan(calls []models.ToolCall, parentID string) []plannedCall {
	var planned []plannedCall
	for i, call := range calls {
		children, ok := o.unwrapBatch(call)
		if !ok {
			planned = append(planned, plannedCall{call: call, parentID: parentID, input: i})
			continue
		}
		for n, child := range children {
			planned = append(planned, plannedCall{
				call: models.ToolCall{
					ID:        fmt.Sprintf("%s:%d", call.ID, n+1),
					Name:      child.Name,
					Arguments: child.Arguments,
				},
				parentID:    call.ID,
				transparent: true,
				input:       i,
			})
		}
	}
	return planned
}

// batchChildSpec is one child entry in a batch wrapper's arguments.
type batchChildSpec struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// unwrapBatch reports whether the call is a valid transparent batch and
// returns its children. Valid means: the named tool is registered as a
// transparent wrapper, the child list is non-empty and within the batch
// size limit, and every child has a string name and object arguments.
func (o *Orchestrator) unwrapBatch(call models.ToolCall) ([]batchChildSpec, bool) {
	tool, ok := o.registry.Get(call.Name)
	if !ok || !tool.Transparent() {
		return nil, false
	}

	var args struct {
		Calls []batchChildSpec `json:"calls"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, false
	}
	if len(args.Calls) == 0 || len(args.Calls) > o.maxBatchSize {
		return nil, false
	}
	for _, child := range args.Calls {
		if child.Name == "" || !isJSONObject(child.Arguments) {
			return nil, false
		}
	}
	return args.Calls, true
}

func isJSONObject(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(raw, &m) == nil
}

// rejectCall seals a call that failed validation: lifecycle events fire but
// the tool never executes, and the structured error travels back to the
// model in the tool-role message.
func (o *Orchestrator) rejectCall(pc plannedCall, kind models.ErrorKind, message string) *callResult {
	now := time.Now()
	state := models.ToolCallState{
		ID:          pc.call.ID,
		Name:        pc.call.Name,
		Arguments:   pc.call.Arguments,
		Status:      models.ToolCallError,
		Error:       message,
		ErrorKind:   kind,
		ParentID:    pc.parentID,
		Transparent: pc.transparent,
		StartedAt:   now,
		FinishedAt:  now,
	}
	o.emitStart(pc)
	o.emitEnd(state, "")
	o.observeExecution(pc.call.Name, "error", 0)

	return &callResult{
		state:   state,
		message: errorToolMessage(pc.call, kind, message),
		hasMsg:  true,
	}
}

// cancelCall seals a permission-denied call. No tool-role message is
// produced; the turn controller ends the turn with the canonical denial.
func (o *Orchestrator) cancelCall(pc plannedCall) {
	now := time.Now()
	o.emitStart(pc)
	o.emitEnd(models.ToolCallState{
		ID:          pc.call.ID,
		Name:        pc.call.Name,
		Arguments:   pc.call.Arguments,
		Status:      models.ToolCallCancelled,
		ErrorKind:   models.ErrorKindPermissionDenied,
		ParentID:    pc.parentID,
		Transparent: pc.transparent,
		StartedAt:   now,
		FinishedAt:  now,
	}, "")
	o.observeExecution(pc.call.Name, "cancelled", 0)
}

// executeCall runs one validated, authorized call to its terminal state.
func (o *Orchestrator) executeCall(ctx context.Context, tool Tool, pc plannedCall, interrupts *Interrupter) *callResult {
	state := models.ToolCallState{
		ID:          pc.call.ID,
		Name:        pc.call.Name,
		Arguments:   pc.call.Arguments,
		Status:      models.ToolCallExecuting,
		ParentID:    pc.parentID,
		Transparent: pc.transparent,
		StartedAt:   time.Now(),
	}
	o.emitStart(pc)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if interrupts != nil {
		remove := interrupts.OnInterrupt(cancel)
		defer remove()
	}

	tc := &ToolContext{
		Stream: func(chunk string) {
			if chunk == "" {
				return
			}
			o.events.Emit(models.Event{
				Type: models.EventToolOutputChunk,
				Tool: &models.ToolEventPayload{
					CallID: pc.call.ID,
					Name:   pc.call.Name,
					Chunk:  chunk,
				},
			})
		},
		Interrupts: interrupts,
	}

	outcome := o.safeExecute(callCtx, tool, pc.call, tc)
	state.FinishedAt = time.Now()

	switch {
	case outcome.Success:
		state.Status = models.ToolCallSuccess
		state.Output = outcome.Output
	case interrupts != nil && interrupts.Interrupted():
		state.Status = models.ToolCallCancelled
		state.Error = outcome.Error
		state.ErrorKind = models.ErrorKindInterrupted
	default:
		state.Status = models.ToolCallError
		state.Error = outcome.Error
		state.ErrorKind = outcome.Kind
		if state.ErrorKind == "" {
			state.ErrorKind = models.ErrorKindSystem
		}
	}

	o.emitEnd(state, o.previewFor(tool, state))
	o.observeExecution(pc.call.Name, string(state.Status), state.Duration())

	if state.Status == models.ToolCallCancelled {
		return &callResult{state: state}
	}

	var msg models.Message
	if state.Status == models.ToolCallSuccess {
		msg = models.NewToolMessage(pc.call.ID, pc.call.Name, state.Output, false)
	} else {
		msg = errorToolMessage(pc.call, state.ErrorKind, state.Error)
	}
	return &callResult{state: state, message: msg, hasMsg: true}
}

// safeExecute invokes the tool, converting a panic into a system error so
// a buggy tool cannot take down the turn.
func (o *Orchestrator) safeExecute(ctx context.Context, tool Tool, call models.ToolCall, tc *ToolContext) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("tool panicked",
				"tool", call.Name,
				"call_id", call.ID,
				"panic", r,
			)
			out = Fail(models.ErrorKindSystem, fmt.Sprintf("tool panicked: %v", r))
		}
	}()
	return tool.Execute(ctx, call.Arguments, tc)
}

// previewFor shapes the observer-facing preview: the tool's own formatter
// first, then the usage-tiered budget cut.
func (o *Orchestrator) previewFor(tool Tool, state models.ToolCallState) string {
	if state.Output == "" {
		return ""
	}
	preview := state.Output
	if p, ok := tool.(ResultPreviewer); ok {
		preview = p.PreviewResult(preview)
	}
	var usage float64
	if o.usage != nil {
		usage = o.usage.UsagePercent()
	}
	return o.preview.Truncate(preview, usage)
}

// merge assembles the returned tool-role messages in input-call order. An
// unwrapped batch contributes a single combined message under the wrapper's
// call id so the transport sees exactly one result per requested call.
func (o *Orchestrator) merge(calls []models.ToolCall, planned []plannedCall, results []*callResult) []models.Message {
	byInput := make([][]*callResult, len(calls))
	for i, pc := range planned {
		if results[i] == nil {
			continue
		}
		byInput[pc.input] = append(byInput[pc.input], results[i])
	}

	var msgs []models.Message
	for i, group := range byInput {
		if len(group) == 0 {
			continue
		}
		if len(group) == 1 && !group[0].state.Transparent {
			if group[0].hasMsg {
				msgs = append(msgs, group[0].message)
			}
			continue
		}
		if msg, ok := combineBatchResults(calls[i], group); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// batchChildResult is one child's entry in a combined batch result message.
type batchChildResult struct {
	Name      string           `json:"name"`
	Success   bool             `json:"success"`
	Output    string           `json:"output,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind models.ErrorKind `json:"error_kind,omitempty"`
}

// combineBatchResults folds an unwrapped batch's child results into one
// tool-role message addressed to the wrapper's call id.
func combineBatchResults(wrapper models.ToolCall, group []*callResult) (models.Message, bool) {
	children := make([]batchChildResult, 0, len(group))
	allFailed := true
	for _, r := range group {
		if !r.hasMsg {
			continue
		}
		child := batchChildResult{
			Name:      r.state.Name,
			Success:   r.state.Status == models.ToolCallSuccess,
			Output:    r.state.Output,
			Error:     r.state.Error,
			ErrorKind: r.state.ErrorKind,
		}
		if child.Success {
			allFailed = false
		}
		children = append(children, child)
	}
	if len(children) == 0 {
		return models.Message{}, false
	}

	data, err := json.Marshal(children)
	if err != nil {
		return models.Message{}, false
	}
	return models.NewToolMessage(wrapper.ID, wrapper.Name, string(data), allFailed), true
}

// errorToolMessage builds the structured error tool message fed back to the
// model so it can recover.
func errorToolMessage(call models.ToolCall, kind models.ErrorKind, message string) models.Message {
	payload, err := json.Marshal(map[string]string{
		"error":      message,
		"error_kind": string(kind),
	})
	if err != nil {
		payload = []byte(fmt.Sprintf("error: %s", message))
	}
	return models.NewToolMessage(call.ID, call.Name, string(payload), true)
}

func (o *Orchestrator) emitStart(pc plannedCall) {
	o.events.Emit(models.Event{
		Type:     models.EventToolCallStart,
		ParentID: pc.parentID,
		Tool: &models.ToolEventPayload{
			CallID:      pc.call.ID,
			Name:        pc.call.Name,
			Arguments:   pc.call.Arguments,
			Status:      models.ToolCallPending,
			Transparent: pc.transparent,
		},
	})
}

func (o *Orchestrator) emitEnd(state models.ToolCallState, preview string) {
	o.events.Emit(models.Event{
		Type:     models.EventToolCallEnd,
		ParentID: state.ParentID,
		Tool: &models.ToolEventPayload{
			CallID:      state.ID,
			Name:        state.Name,
			Status:      state.Status,
			Preview:     preview,
			ErrorKind:   state.ErrorKind,
			Transparent: state.Transparent,
			Elapsed:     state.Duration(),
		},
	})
}

func (o *Orchestrator) observeExecution(tool, status string, elapsed time.Duration) {
	if o.metrics == nil {
		return
	}
	o.metrics.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	if elapsed > 0 {
		o.metrics.ToolExecutionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
	}
}

func (o *Orchestrator) observePermission(tool, decision string) {
	if o.metrics == nil {
		return
	}
	o.metrics.PermissionDecisionCounter.WithLabelValues(tool, decision, "gate").Inc()
}
