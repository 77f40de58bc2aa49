// render.go turns bus events into terminal output and answers permission
// prompts inline.
package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/skiff-ai/skiff/internal/bus"
	"github.com/skiff-ai/skiff/pkg/models"
)

// renderer subscribes to the event bus and writes a line-oriented transcript.
// It also owns stdin: the REPL reads user input through it, and permission
// prompts borrow it while a turn is running.
type renderer struct {
	mu  sync.Mutex
	out io.Writer
	in  *bufio.Reader
	b   *bus.Bus

	cancels []func()

	// midLine tracks whether assistant deltas left the cursor mid-line, so
	// tool lines start on a fresh line.
	midLine bool
}

func newRenderer(out io.Writer, in io.Reader, b *bus.Bus) *renderer {
	r := &renderer{out: out, in: bufio.NewReader(in), b: b}
	r.attach()
	return r
}

func (r *renderer) attach() {
	sub := func(t models.EventType, h bus.Handler) {
		r.cancels = append(r.cancels, r.b.Subscribe(t, h))
	}
	sub(models.EventAssistantChunk, r.onAssistantChunk)
	sub(models.EventToolCallStart, r.onToolStart)
	sub(models.EventToolCallEnd, r.onToolEnd)
	sub(models.EventTurnEnd, r.onTurnEnd)
	sub(models.EventError, r.onError)
	sub(models.EventPermissionRequest, r.onPermissionRequest)
}

func (r *renderer) detach() {
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
}

// readLine prints the prompt and reads one input line.
func (r *renderer) readLine(prompt string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.out, prompt)
	line, err := r.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (r *renderer) onAssistantChunk(e models.Event) {
	if e.Assistant == nil || e.Assistant.Delta == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.out, e.Assistant.Delta)
	r.midLine = !strings.HasSuffix(e.Assistant.Delta, "\n")
}

func (r *renderer) onToolStart(e models.Event) {
	if e.Tool == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freshLine()
	indent := ""
	if e.Tool.Transparent {
		indent = "  "
	}
	fmt.Fprintf(r.out, "%s→ %s\n", indent, e.Tool.Name)
}

func (r *renderer) onToolEnd(e models.Event) {
	if e.Tool == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freshLine()

	indent := ""
	if e.Tool.Transparent {
		indent = "  "
	}
	switch e.Tool.Status {
	case models.ToolCallSuccess:
		fmt.Fprintf(r.out, "%s✓ %s (%s)\n", indent, e.Tool.Name, e.Tool.Elapsed.Round(time.Millisecond))
	case models.ToolCallCancelled:
		fmt.Fprintf(r.out, "%s⊘ %s cancelled\n", indent, e.Tool.Name)
	default:
		fmt.Fprintf(r.out, "%s✗ %s (%s)\n", indent, e.Tool.Name, e.Tool.ErrorKind)
	}
	if e.Tool.Preview != "" && e.Tool.Status != models.ToolCallSuccess {
		for _, line := range strings.Split(e.Tool.Preview, "\n") {
			fmt.Fprintf(r.out, "%s  %s\n", indent, line)
		}
	}
}

func (r *renderer) onTurnEnd(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freshLine()
	if e.Turn != nil && e.Turn.Reason != models.TurnReasonCompleted {
		fmt.Fprintf(r.out, "(turn ended: %s)\n", e.Turn.Reason)
	}
}

func (r *renderer) onError(e models.Event) {
	if e.Error == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freshLine()
	fmt.Fprintf(r.out, "error: %s\n", e.Error.Message)
}

// onPermissionRequest answers the gate's prompt from stdin. The gate blocks
// on the emitting goroutine, so the prompt runs on its own goroutine and
// replies with a permission.response event.
func (r *renderer) onPermissionRequest(e models.Event) {
	if e.Permission == nil {
		return
	}
	req := *e.Permission
	go func() {
		answer, err := r.readLine(fmt.Sprintf(
			"\npermission: %s wants to %s [%s]\nallow? [y]es once / [a]lways / [c]ommand / [p]ath / [n]o: ",
			req.Tool, req.Summary, req.Sensitivity,
		))
		if err != nil {
			answer = "n"
		}

		resp := models.PermissionEventPayload{RequestID: req.RequestID}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			resp.Approved = true
			resp.Scope = models.GrantOnce
		case "a", "always":
			resp.Approved = true
			resp.Scope = models.GrantSession
		case "c", "command":
			resp.Approved = true
			resp.Scope = models.GrantCommand
		case "p", "path":
			resp.Approved = true
			resp.Scope = models.GrantPath
		}
		r.b.Emit(models.Event{
			Type:       models.EventPermissionResponse,
			Permission: &resp,
		})
	}()
}

// freshLine ends a partially written assistant line. Callers hold r.mu.
func (r *renderer) freshLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}
