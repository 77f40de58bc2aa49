package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/skiff-ai/skiff/internal/agent"
	"github.com/skiff-ai/skiff/pkg/models"
)

// WriteTool creates or overwrites a file in the workspace.
type WriteTool struct {
	agent.Info
	resolver Resolver
}

type writeArgs struct {
	Path    string `json:"path" jsonschema:"description=Path to write relative to the workspace."`
	Content string `json:"content" jsonschema:"description=Full file content to write."`
}

// NewWriteTool creates a write tool scoped to the workspace.
func NewWriteTool(cfg Config) *WriteTool {
	return &WriteTool{
		Info: agent.Info{
			ToolName:         "write-file",
			ToolDescription:  "Create or overwrite a file in the workspace.",
			ToolSensitivity:  models.SensitivityLocalEffect,
			NeedConfirmation: true,
		},
		resolver: Resolver{Root: cfg.Workspace},
	}
}

// Schema returns the JSON schema for the tool arguments.
func (t *WriteTool) Schema() json.RawMessage {
	return reflectSchema(&writeArgs{})
}

// Classify refines the call with the target directory so a path-scoped
// trust grant covers sibling writes.
func (t *WriteTool) Classify(args json.RawMessage) models.Classification {
	var in writeArgs
	_ = json.Unmarshal(args, &in)
	return models.Classification{
		Sensitivity: models.SensitivityLocalEffect,
		Summary:     fmt.Sprintf("write %s", in.Path),
		PathPrefix:  pathPrefix(t.resolver, in.Path),
	}
}

// Execute writes the file, creating parent directories as needed.
func (t *WriteTool) Execute(ctx context.Context, args json.RawMessage, _ *agent.ToolContext) agent.Outcome {
	var in writeArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return agent.Fail(models.ErrorKindValidation, fmt.Sprintf("invalid arguments: %v", err))
	}

	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return agent.Fail(models.ErrorKindValidation, err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return agent.Fail(models.ErrorKindSystem, fmt.Sprintf("create directories: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(in.Content), 0o644); err != nil {
		return agent.Fail(models.ErrorKindSystem, fmt.Sprintf("write file: %v", err))
	}
	return agent.Ok(fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path))
}
