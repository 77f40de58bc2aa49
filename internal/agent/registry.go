package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/skiff-ai/skiff/pkg/models"
)

// Tool is the execution interface every registered tool implements. Tools
// are forbidden from mutating the conversation history; they communicate
// through their return value and through output chunks.
type Tool interface {
	// Name returns the registered tool name (lowercase kebab-case).
	Name() string

	// Description explains the tool to the model.
	Description() string

	// Schema returns the JSON schema for the tool's arguments.
	Schema() json.RawMessage

	// Sensitivity is the tool's declared sensitivity class.
	Sensitivity() models.Sensitivity

	// RequiresConfirmation reports whether calls must pass the permission
	// gate's prompt protocol when no trust grant matches.
	RequiresConfirmation() bool

	// Transparent marks a wrapper tool (e.g. a batch) whose children
	// logically replace it in any observer's view.
	Transparent() bool

	// VisibleInChat reports whether the tool's activity is rendered in
	// the chat transcript.
	VisibleInChat() bool

	// Execute runs the tool with validated arguments.
	Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) Outcome
}

// ArgClassifier refines a tool's declared sensitivity using the concrete
// call arguments; a shell tool classifies by the leading command token, a
// file writer by the target path prefix. Tools that do not implement it get
// a default classification from their descriptor.
type ArgClassifier interface {
	Classify(args json.RawMessage) models.Classification
}

// ResultPreviewer lets a tool shape the preview shown in activity events
// before budget truncation is applied.
type ResultPreviewer interface {
	PreviewResult(output string) string
}

// ToolContext carries the per-call facilities a tool may use during
// execution.
type ToolContext struct {
	// Stream emits one chunk of incremental output; observers aggregate.
	// Never nil during dispatch.
	Stream func(chunk string)

	// Interrupts is the turn's cancellation token; long-running tools
	// poll it between units of work.
	Interrupts *Interrupter
}

// Outcome is a tool execution result.
type Outcome struct {
	Success bool             `json:"success"`
	Output  string           `json:"output,omitempty"`
	Error   string           `json:"error,omitempty"`
	Kind    models.ErrorKind `json:"error_kind,omitempty"`
}

// Ok builds a successful outcome.
func Ok(output string) Outcome {
	return Outcome{Success: true, Output: output}
}

// Fail builds a failed outcome with the given error kind.
func Fail(kind models.ErrorKind, message string) Outcome {
	return Outcome{Success: false, Error: message, Kind: kind}
}

// Info is an embeddable descriptor implementing the declarative half of
// Tool. Concrete tools embed it and add Schema and Execute.
type Info struct {
	ToolName         string
	ToolDescription  string
	ToolSensitivity  models.Sensitivity
	NeedConfirmation bool
	IsTransparent    bool
	Hidden           bool
}

func (i Info) Name() string                    { return i.ToolName }
func (i Info) Description() string             { return i.ToolDescription }
func (i Info) Sensitivity() models.Sensitivity { return i.ToolSensitivity }
func (i Info) RequiresConfirmation() bool      { return i.NeedConfirmation }
func (i Info) Transparent() bool               { return i.IsTransparent }
func (i Info) VisibleInChat() bool             { return !i.Hidden }

// toolNamePattern validates lowercase kebab-case segments.
var toolNamePattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

type registryEntry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds tool descriptors keyed by name and maps a requested name
// to its callable. Argument schemas are compiled at registration so
// dispatch-time validation is cheap.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register validates the tool's name format, compiles its argument schema,
// and adds it to the registry. A tool with the same name is replaced.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name %q: must be lowercase kebab-case", name)
	}

	raw := t.Schema()
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	schema, err := jsonschema.CompileString(name+".json", string(raw))
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &registryEntry{tool: t, schema: schema}
	return nil
}

// MustRegister registers the tool and panics on a descriptor error.
// Intended for static builtin tool sets.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// ValidateArgs checks the call arguments against the tool's compiled
// schema. An unknown tool or malformed JSON is a validation error.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := e.schema.Validate(v); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

// Schemas returns the registered tools as transport schemas, sorted by
// name for a deterministic model input.
func (r *Registry) Schemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]ToolSchema, 0, len(r.entries))
	for _, e := range r.entries {
		raw := e.tool.Schema()
		if len(raw) == 0 {
			raw = json.RawMessage(`{"type":"object"}`)
		}
		schemas = append(schemas, ToolSchema{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Parameters:  raw,
		})
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Classify returns the permission gate's view of one concrete call: the
// tool's own classifier when implemented, otherwise a default built from
// the descriptor.
func Classify(t Tool, args json.RawMessage) models.Classification {
	if c, ok := t.(ArgClassifier); ok {
		return c.Classify(args)
	}
	return models.Classification{
		Sensitivity: t.Sensitivity(),
		Summary:     t.Name(),
	}
}
