package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/skiff-ai/skiff/internal/agent"
	"github.com/skiff-ai/skiff/pkg/models"
)

// maxReadBytes bounds a single read so one tool call cannot flood the
// conversation.
const maxReadBytes = 256 * 1024

// ReadTool reads a file from the workspace.
type ReadTool struct {
	agent.Info
	resolver Resolver
}

type readArgs struct {
	Path   string `json:"path" jsonschema:"description=Path to read relative to the workspace."`
	Offset int    `json:"offset,omitempty" jsonschema:"description=Line number to start from (1-based)."`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return."`
}

// NewReadTool creates a read tool scoped to the workspace.
func NewReadTool(cfg Config) *ReadTool {
	return &ReadTool{
		Info: agent.Info{
			ToolName:        "read-file",
			ToolDescription: "Read a file from the workspace, optionally a line range.",
			ToolSensitivity: models.SensitivityReadOnly,
		},
		resolver: Resolver{Root: cfg.Workspace},
	}
}

// Schema returns the JSON schema for the tool arguments.
func (t *ReadTool) Schema() json.RawMessage {
	return reflectSchema(&readArgs{})
}

// Classify refines the call with the target path for trust matching.
func (t *ReadTool) Classify(args json.RawMessage) models.Classification {
	var in readArgs
	_ = json.Unmarshal(args, &in)
	return models.Classification{
		Sensitivity: models.SensitivityReadOnly,
		Summary:     fmt.Sprintf("read %s", in.Path),
		PathPrefix:  pathPrefix(t.resolver, in.Path),
	}
}

// Execute reads the file.
func (t *ReadTool) Execute(ctx context.Context, args json.RawMessage, _ *agent.ToolContext) agent.Outcome {
	var in readArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return agent.Fail(models.ErrorKindValidation, fmt.Sprintf("invalid arguments: %v", err))
	}

	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return agent.Fail(models.ErrorKindValidation, err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return agent.Fail(models.ErrorKindSystem, fmt.Sprintf("read file: %v", err))
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}

	content := string(data)
	if in.Offset > 0 || in.Limit > 0 {
		lines := strings.Split(content, "\n")
		start := in.Offset - 1
		if start < 0 {
			start = 0
		}
		if start >= len(lines) {
			return agent.Ok("")
		}
		end := len(lines)
		if in.Limit > 0 && start+in.Limit < end {
			end = start + in.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return agent.Ok(content)
}
