package tools

import (
	"context"
	"encoding/json"

	"github.com/skiff-ai/skiff/internal/agent"
	"github.com/skiff-ai/skiff/pkg/models"
)

// BatchTool is the transparent wrapper that groups child tool calls. The
// orchestrator unwraps valid batches before dispatch, so Execute only runs
// for invalid arguments and returns the structured error the model needs to
// correct itself.
type BatchTool struct {
	agent.Info
}

type batchArgs struct {
	Calls []struct {
		Name      string         `json:"name" jsonschema:"description=Registered tool name."`
		Arguments map[string]any `json:"arguments" jsonschema:"description=Arguments for the child call."`
	} `json:"calls" jsonschema:"description=Child tool calls to run as one group."`
}

// NewBatchTool creates the batch wrapper.
func NewBatchTool() *BatchTool {
	return &BatchTool{
		Info: agent.Info{
			ToolName:        "batch",
			ToolDescription: "Run several tool calls as one group; read-only children may run in parallel.",
			ToolSensitivity: models.SensitivityReadOnly,
			IsTransparent:   true,
		},
	}
}

// Schema returns the JSON schema for the tool arguments.
func (t *BatchTool) Schema() json.RawMessage {
	return reflectSchema(&batchArgs{})
}

// Execute handles only invalid batches; valid ones never reach the tool.
func (t *BatchTool) Execute(_ context.Context, args json.RawMessage, _ *agent.ToolContext) agent.Outcome {
	var in batchArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return agent.Fail(models.ErrorKindValidation, "batch arguments are not valid JSON")
	}
	if len(in.Calls) == 0 {
		return agent.Fail(models.ErrorKindValidation, "batch requires a non-empty calls list")
	}
	return agent.Fail(models.ErrorKindValidation, "batch exceeds the configured size limit or carries malformed child calls")
}
