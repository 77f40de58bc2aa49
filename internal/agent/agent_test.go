package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/skiff-ai/skiff/internal/bus"
	"github.com/skiff-ai/skiff/internal/history"
	"github.com/skiff-ai/skiff/pkg/models"
)

// scriptedProvider returns canned completions in order and records every
// request it receives.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []*Completion
	errs     map[int]error
	requests []*CompletionRequest
	calls    int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	if err, ok := p.errs[idx]; ok {
		return nil, err
	}
	if idx >= len(p.script) {
		return nil, errors.New("scripted provider exhausted")
	}
	return p.script[idx], nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) request(i int) *CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

type testRig struct {
	agent    *Agent
	bus      *bus.Bus
	history  *history.History
	recorder *eventRecorder
	provider *scriptedProvider
}

func newTestRig(t *testing.T, provider *scriptedProvider, cfg Config, tools ...Tool) *testRig {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	b := bus.New(nil)
	rec := recordEvents(b)
	h := history.New(history.Config{})

	a, err := New(Options{
		Provider: provider,
		Registry: reg,
		History:  h,
		Bus:      b,
		Config:   cfg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testRig{agent: a, bus: b, history: h, recorder: rec, provider: provider}
}

// autoRespond approves or denies every permission request on the bus.
func autoRespond(b *bus.Bus, approve bool, scope models.GrantScope) {
	b.Subscribe(models.EventPermissionRequest, func(e models.Event) {
		b.Emit(models.Event{
			Type: models.EventPermissionResponse,
			Permission: &models.PermissionEventPayload{
				RequestID: e.Permission.RequestID,
				Tool:      e.Permission.Tool,
				Approved:  approve,
				Scope:     scope,
			},
		})
	})
}

func roles(msgs []models.Message) []models.Role {
	out := make([]models.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestSimpleAnswer(t *testing.T) {
	provider := &scriptedProvider{script: []*Completion{{Content: "hi"}}}
	rig := newTestRig(t, provider, Config{})

	got, err := rig.agent.SendMessage(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got != "hi" {
		t.Errorf("SendMessage = %q, want %q", got, "hi")
	}

	msgs := rig.history.All()
	want := []models.Role{models.RoleUser, models.RoleAssistant}
	if len(msgs) != 2 || msgs[0].Role != want[0] || msgs[1].Role != want[1] {
		t.Errorf("history roles = %v, want %v", roles(msgs), want)
	}

	var types []models.EventType
	for _, e := range rig.recorder.all() {
		types = append(types, e.Type)
	}
	wantTypes := []models.EventType{
		models.EventTurnStart,
		models.EventAssistantMessageComplete,
		models.EventTurnEnd,
	}
	if len(types) != len(wantTypes) {
		t.Fatalf("event types = %v, want %v", types, wantTypes)
	}
	for i := range wantTypes {
		if types[i] != wantTypes[i] {
			t.Fatalf("event[%d] = %s, want %s", i, types[i], wantTypes[i])
		}
	}

	ends := rig.recorder.ofType(models.EventTurnEnd)
	if ends[0].Turn.Interrupted {
		t.Error("turn.end marked interrupted for a clean turn")
	}
}

func TestToolCallThenAnswer(t *testing.T) {
	provider := &scriptedProvider{script: []*Completion{
		{ToolCalls: []models.ToolCall{{ID: "t1", Name: "read-file", Arguments: json.RawMessage(`{"path":"README"}`)}}},
		{Content: "The README says hi"},
	}}
	read := readTool("read-file", func(context.Context, json.RawMessage, *ToolContext) Outcome {
		return Ok("Hello")
	})
	rig := newTestRig(t, provider, Config{}, read)

	got, err := rig.agent.SendMessage(context.Background(), "read readme")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got != "The README says hi" {
		t.Errorf("SendMessage = %q", got)
	}

	msgs := rig.history.All()
	want := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if len(msgs) != len(want) {
		t.Fatalf("history roles = %v, want %v", roles(msgs), want)
	}
	for i := range want {
		if msgs[i].Role != want[i] {
			t.Fatalf("history roles = %v, want %v", roles(msgs), want)
		}
	}
	if msgs[2].ToolCallID != "t1" || msgs[2].Content != "Hello" {
		t.Errorf("tool message = %+v", msgs[2])
	}

	// tool.start precedes tool.end for the same call.
	var sawStart bool
	for _, e := range rig.recorder.all() {
		switch e.Type {
		case models.EventToolCallStart:
			sawStart = true
		case models.EventToolCallEnd:
			if !sawStart {
				t.Fatal("tool.end before tool.start")
			}
		}
	}
	if !sawStart {
		t.Fatal("no tool.start emitted")
	}
}

func TestParallelReadsKeepInputOrder(t *testing.T) {
	var entered sync.WaitGroup
	entered.Add(2)
	release := make(chan struct{})
	go func() {
		entered.Wait()
		close(release)
	}()

	read := readTool("read-file", func(_ context.Context, args json.RawMessage, _ *ToolContext) Outcome {
		var a struct {
			Path string `json:"path"`
		}
		_ = json.Unmarshal(args, &a)
		entered.Done()
		<-release
		return Ok("read " + a.Path)
	})

	provider := &scriptedProvider{script: []*Completion{
		{ToolCalls: []models.ToolCall{
			{ID: "t1", Name: "read-file", Arguments: json.RawMessage(`{"path":"a"}`)},
			{ID: "t2", Name: "read-file", Arguments: json.RawMessage(`{"path":"b"}`)},
		}},
		{Content: "done"},
	}}
	rig := newTestRig(t, provider, Config{Parallel: true}, read)

	if _, err := rig.agent.SendMessage(context.Background(), "read both"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// The second LLM request must see t1's result before t2's.
	req := rig.provider.request(1)
	var toolMsgs []models.Message
	for _, m := range req.Messages {
		if m.Role == models.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 {
		t.Fatalf("expected 2 tool messages in second request, got %d", len(toolMsgs))
	}
	if toolMsgs[0].ToolCallID != "t1" || toolMsgs[1].ToolCallID != "t2" {
		t.Errorf("tool messages out of order: [%s, %s]", toolMsgs[0].ToolCallID, toolMsgs[1].ToolCallID)
	}
}

func TestDenialEndsTurn(t *testing.T) {
	provider := &scriptedProvider{script: []*Completion{
		{ToolCalls: []models.ToolCall{{ID: "t1", Name: "run-shell", Arguments: json.RawMessage(`{"command":"rm -rf /"}`)}}},
	}}
	shell := &testTool{
		Info: Info{
			ToolName:         "run-shell",
			ToolSensitivity:  models.SensitivityDestructive,
			NeedConfirmation: true,
		},
		execute: func(context.Context, json.RawMessage, *ToolContext) Outcome {
			t.Error("denied tool executed")
			return Ok("")
		},
	}
	rig := newTestRig(t, provider, Config{}, shell)
	autoRespond(rig.bus, false, "")

	got, err := rig.agent.SendMessage(context.Background(), "clean up")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got != DeniedMessage {
		t.Errorf("SendMessage = %q, want canonical denial", got)
	}
	if !rig.agent.WasInterrupted() {
		t.Error("WasInterrupted() = false after denial")
	}

	msgs := rig.history.All()
	if msgs[len(msgs)-1].Role != models.RoleAssistant {
		t.Errorf("history should end with the assistant message, ends with %s", msgs[len(msgs)-1].Role)
	}

	ends := rig.recorder.ofType(models.EventToolCallEnd)
	if len(ends) != 1 || ends[0].Tool.Status != models.ToolCallCancelled {
		t.Fatalf("expected tool.end cancelled, got %+v", ends)
	}
	turnEnds := rig.recorder.ofType(models.EventTurnEnd)
	if len(turnEnds) != 1 || !turnEnds[0].Turn.Interrupted {
		t.Fatalf("expected interrupted turn.end, got %+v", turnEnds)
	}
}

func TestInterruptDuringToolEndsTurn(t *testing.T) {
	provider := &scriptedProvider{script: []*Completion{
		{ToolCalls: []models.ToolCall{{ID: "t1", Name: "read-file", Arguments: json.RawMessage(`{}`)}}},
	}}
	var rig *testRig
	read := readTool("read-file", func(context.Context, json.RawMessage, *ToolContext) Outcome {
		rig.agent.Interrupt()
		return Ok("partial")
	})
	rig = newTestRig(t, provider, Config{}, read)

	got, err := rig.agent.SendMessage(context.Background(), "read it")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got != InterruptedMessage {
		t.Errorf("SendMessage = %q, want canonical interruption", got)
	}
	if !rig.agent.WasInterrupted() {
		t.Error("WasInterrupted() = false after interrupt")
	}
	ends := rig.recorder.ofType(models.EventTurnEnd)
	if len(ends) != 1 || ends[0].Turn.Reason != models.TurnReasonInterrupted {
		t.Fatalf("expected interrupted turn.end, got %+v", ends)
	}
}

func TestValidationRetry(t *testing.T) {
	provider := &scriptedProvider{script: []*Completion{
		{ValidationFailed: true, ValidationErrors: []string{"bad json"}},
		{Content: "recovered"},
	}}
	rig := newTestRig(t, provider, Config{ValidationRetryEnabled: true})
	rig.history.ReplaceSystem("you are a careful agent")

	got, err := rig.agent.SendMessage(context.Background(), "go")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got != "recovered" {
		t.Errorf("SendMessage = %q", got)
	}
	if rig.provider.callCount() != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", rig.provider.callCount())
	}

	// The corrective reminder reaches the second request.
	req := rig.provider.request(1)
	found := false
	for _, m := range req.Messages {
		if m.Ephemeral && strings.Contains(m.Content, "malformed tool call") {
			found = true
		}
	}
	if !found {
		t.Error("corrective reminder missing from retry request")
	}

	// It never displaces the system prompt and is expunged at turn end.
	msgs := rig.history.All()
	if msgs[0].Role != models.RoleSystem || msgs[0].Content != "you are a careful agent" {
		t.Errorf("system message after retry = %+v", msgs[0])
	}
	for _, m := range msgs {
		if m.Ephemeral {
			t.Errorf("ephemeral reminder left in history: %q", m.Content)
		}
	}
}

func TestValidationRetryExhausted(t *testing.T) {
	provider := &scriptedProvider{script: []*Completion{
		{ValidationFailed: true},
		{ValidationFailed: true},
		{ValidationFailed: true},
		{ValidationFailed: true},
	}}
	rig := newTestRig(t, provider, Config{ValidationRetryEnabled: true, ValidationRetryLimit: 3})

	got, err := rig.agent.SendMessage(context.Background(), "go")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got != ValidationMessage {
		t.Errorf("SendMessage = %q, want canonical validation terminal", got)
	}
	ends := rig.recorder.ofType(models.EventTurnEnd)
	if ends[0].Turn.Reason != models.TurnReasonValidationExhausted {
		t.Errorf("reason = %s, want %s", ends[0].Turn.Reason, models.TurnReasonValidationExhausted)
	}
}

func TestToolCallCycleEndsTurn(t *testing.T) {
	same := func() *Completion {
		return &Completion{ToolCalls: []models.ToolCall{
			{ID: "t", Name: "read-file", Arguments: json.RawMessage(`{"path":"x"}`)},
		}}
	}
	provider := &scriptedProvider{script: []*Completion{
		same(), same(), same(), same(), same(),
	}}
	read := readTool("read-file", func(context.Context, json.RawMessage, *ToolContext) Outcome {
		return Ok("x contents")
	})
	rig := newTestRig(t, provider, Config{}, read)

	got, err := rig.agent.SendMessage(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got != CycleMessage {
		t.Errorf("SendMessage = %q, want canonical cycle terminal", got)
	}

	// The warning fires at the threshold, the next identical signature ends
	// the turn: five LLM calls, four dispatches.
	if rig.provider.callCount() != 5 {
		t.Errorf("LLM calls = %d, want 5", rig.provider.callCount())
	}
	starts := rig.recorder.ofType(models.EventToolCallStart)
	if len(starts) != 4 {
		t.Errorf("dispatched calls = %d, want 4", len(starts))
	}

	// The warning reminder reached the model after the fourth repetition.
	req := rig.provider.request(4)
	warned := false
	for _, m := range req.Messages {
		if m.Ephemeral && strings.Contains(m.Content, "repeating") {
			warned = true
		}
	}
	if !warned {
		t.Error("cycle warning reminder missing from the fifth request")
	}

	ends := rig.recorder.ofType(models.EventTurnEnd)
	if ends[0].Turn.Reason != models.TurnReasonCycle {
		t.Errorf("reason = %s, want %s", ends[0].Turn.Reason, models.TurnReasonCycle)
	}
}

func TestThinkingCycleAcrossToolCallResponses(t *testing.T) {
	// Identical narration on every response, but distinct tool arguments,
	// so only the assistant-text detector can catch the loop.
	narrate := func(i int) *Completion {
		return &Completion{
			Content: "Let me examine the configuration file.",
			ToolCalls: []models.ToolCall{
				{ID: fmt.Sprintf("t%d", i), Name: "read-file", Arguments: json.RawMessage(fmt.Sprintf(`{"path":"f%d"}`, i))},
			},
		}
	}
	provider := &scriptedProvider{script: []*Completion{
		narrate(1), narrate(2), narrate(3), narrate(4),
	}}
	read := readTool("read-file", func(context.Context, json.RawMessage, *ToolContext) Outcome {
		return Ok("contents")
	})
	rig := newTestRig(t, provider, Config{}, read)

	got, err := rig.agent.SendMessage(context.Background(), "inspect the config")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got != CycleMessage {
		t.Errorf("SendMessage = %q, want canonical cycle terminal", got)
	}

	// Third repetition warns, fourth ends the turn before dispatch.
	if rig.provider.callCount() != 4 {
		t.Errorf("LLM calls = %d, want 4", rig.provider.callCount())
	}
	starts := rig.recorder.ofType(models.EventToolCallStart)
	if len(starts) != 3 {
		t.Errorf("dispatched calls = %d, want 3", len(starts))
	}

	req := rig.provider.request(3)
	warned := false
	for _, m := range req.Messages {
		if m.Ephemeral && strings.Contains(m.Content, "repeating") {
			warned = true
		}
	}
	if !warned {
		t.Error("cycle warning reminder missing from the fourth request")
	}

	ends := rig.recorder.ofType(models.EventTurnEnd)
	if ends[0].Turn.Reason != models.TurnReasonCycle {
		t.Errorf("reason = %s, want %s", ends[0].Turn.Reason, models.TurnReasonCycle)
	}
}

func TestTransportErrorSurfacesAsAssistantMessage(t *testing.T) {
	provider := &scriptedProvider{
		errs: map[int]error{0: errors.New("connection reset")},
	}
	rig := newTestRig(t, provider, Config{})

	got, err := rig.agent.SendMessage(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !strings.Contains(got, "error talking to model") {
		t.Errorf("SendMessage = %q", got)
	}

	msgs := rig.history.All()
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleAssistant || !strings.Contains(last.Content, "connection reset") {
		t.Errorf("last message = %+v", last)
	}
	errs := rig.recorder.ofType(models.EventError)
	if len(errs) != 1 || errs[0].Error.Kind != models.ErrorKindTransport {
		t.Fatalf("expected one transport error event, got %+v", errs)
	}
}

func TestSessionGrantSuppressesSecondPrompt(t *testing.T) {
	shellCall := func(id string) *Completion {
		return &Completion{ToolCalls: []models.ToolCall{
			{ID: id, Name: "run-shell", Arguments: json.RawMessage(`{"command":"make build"}`)},
		}}
	}
	provider := &scriptedProvider{script: []*Completion{
		shellCall("t1"), shellCall("t2"), {Content: "built"},
	}}
	shell := &testTool{
		Info: Info{
			ToolName:         "run-shell",
			ToolSensitivity:  models.SensitivityLocalEffect,
			NeedConfirmation: true,
		},
		execute: func(context.Context, json.RawMessage, *ToolContext) Outcome {
			return Ok("ok")
		},
	}
	rig := newTestRig(t, provider, Config{}, shell)
	autoRespond(rig.bus, true, models.GrantSession)

	if _, err := rig.agent.SendMessage(context.Background(), "build it twice"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	prompts := rig.recorder.ofType(models.EventPermissionRequest)
	if len(prompts) != 1 {
		t.Errorf("permission prompts = %d, want 1 (session grant should cover the second call)", len(prompts))
	}
}

func TestEmptyInputStillProducesTurnEvents(t *testing.T) {
	provider := &scriptedProvider{script: []*Completion{{Content: ""}}}
	rig := newTestRig(t, provider, Config{})

	if _, err := rig.agent.SendMessage(context.Background(), ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(rig.recorder.ofType(models.EventTurnStart)) != 1 {
		t.Error("missing turn.start")
	}
	if len(rig.recorder.ofType(models.EventTurnEnd)) != 1 {
		t.Error("missing turn.end")
	}
}

func TestSecondTurnWhileActiveIsRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	read := readTool("read-file", func(context.Context, json.RawMessage, *ToolContext) Outcome {
		close(started)
		<-release
		return Ok("")
	})
	provider := &scriptedProvider{script: []*Completion{
		{ToolCalls: []models.ToolCall{{ID: "t1", Name: "read-file", Arguments: json.RawMessage(`{}`)}}},
		{Content: "done"},
	}}
	rig := newTestRig(t, provider, Config{}, read)

	done := make(chan error, 1)
	go func() {
		_, err := rig.agent.SendMessage(context.Background(), "slow")
		done <- err
	}()

	<-started
	if _, err := rig.agent.SendMessage(context.Background(), "again"); !errors.Is(err, ErrTurnActive) {
		t.Errorf("concurrent SendMessage error = %v, want ErrTurnActive", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first turn: %v", err)
	}
}

func TestSnapshotAccessors(t *testing.T) {
	provider := &scriptedProvider{script: []*Completion{
		{ToolCalls: []models.ToolCall{{ID: "t1", Name: "read-file", Arguments: json.RawMessage(`{}`)}}},
		{Content: "done"},
	}}
	read := readTool("read-file", func(context.Context, json.RawMessage, *ToolContext) Outcome {
		return Ok("data")
	})
	rig := newTestRig(t, provider, Config{}, read)

	if _, err := rig.agent.SendMessage(context.Background(), "go"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if got := len(rig.agent.GetMessages()); got != 4 {
		t.Errorf("GetMessages len = %d, want 4", got)
	}

	states := rig.agent.GetToolHistory()
	if len(states) != 1 {
		t.Fatalf("GetToolHistory len = %d, want 1", len(states))
	}
	if states[0].ID != "t1" || states[0].Status != models.ToolCallSuccess {
		t.Errorf("tool state = %+v", states[0])
	}

	stats := rig.agent.GetTurnStats()
	if stats.Turns != 1 || stats.LastToolCalls != 1 || stats.LastReason != models.TurnReasonCompleted {
		t.Errorf("stats = %+v", stats)
	}
}
