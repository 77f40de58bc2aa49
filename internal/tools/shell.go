package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/skiff-ai/skiff/internal/agent"
	"github.com/skiff-ai/skiff/pkg/models"
)

// Shell timeout bounds. A tool-level timeout surfaces as a tool error, not
// a turn-level interruption.
const (
	defaultShellTimeout = 60 * time.Second
	maxShellTimeout     = 300 * time.Second
)

// destructiveCommands escalate the sensitivity of a shell call by its
// leading command token.
var destructiveCommands = map[string]bool{
	"rm": true, "rmdir": true, "dd": true, "mkfs": true,
	"shutdown": true, "reboot": true, "truncate": true,
}

// egressCommands mark shell calls that reach the network.
var egressCommands = map[string]bool{
	"curl": true, "wget": true, "ssh": true, "scp": true,
	"nc": true, "rsync": true,
}

// ShellTool runs a shell command in the workspace.
type ShellTool struct {
	agent.Info
	workspace string
}

type shellArgs struct {
	Command        string `json:"command" jsonschema:"description=Shell command to execute."`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Timeout in seconds (default 60; max 300)."`
}

// NewShellTool creates a shell tool rooted at the workspace.
func NewShellTool(cfg Config) *ShellTool {
	return &ShellTool{
		Info: agent.Info{
			ToolName:         "run-shell",
			ToolDescription:  "Run a shell command in the workspace and return its combined output.",
			ToolSensitivity:  models.SensitivityLocalEffect,
			NeedConfirmation: true,
		},
		workspace: cfg.Workspace,
	}
}

// Schema returns the JSON schema for the tool arguments.
func (t *ShellTool) Schema() json.RawMessage {
	return reflectSchema(&shellArgs{})
}

// Classify keys the permission decision to the leading command token, so a
// command-scoped trust grant covers repeats of the same program.
func (t *ShellTool) Classify(args json.RawMessage) models.Classification {
	var in shellArgs
	_ = json.Unmarshal(args, &in)

	token := leadingToken(in.Command)
	sensitivity := models.SensitivityLocalEffect
	switch {
	case destructiveCommands[token]:
		sensitivity = models.SensitivityDestructive
	case egressCommands[token]:
		sensitivity = models.SensitivityNetworkEgress
	}

	return models.Classification{
		Sensitivity:   sensitivity,
		Summary:       fmt.Sprintf("run %s", strings.TrimSpace(in.Command)),
		CommandPrefix: token,
	}
}

// leadingToken extracts the first command word, skipping common env-var
// prefixes.
func leadingToken(command string) string {
	for _, field := range strings.Fields(command) {
		if strings.Contains(field, "=") && !strings.HasPrefix(field, "/") {
			continue
		}
		return field
	}
	return ""
}

// Execute runs the command under the call's timeout. Cancellation from the
// interruption token arrives through ctx.
func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) agent.Outcome {
	var in shellArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return agent.Fail(models.ErrorKindValidation, fmt.Sprintf("invalid arguments: %v", err))
	}
	command := strings.TrimSpace(in.Command)
	if command == "" {
		return agent.Fail(models.ErrorKindValidation, "command is required")
	}

	timeout := defaultShellTimeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = t.workspace

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if tc != nil && tc.Stream != nil && output != "" {
		tc.Stream(output)
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return agent.Fail(models.ErrorKindTimeout, fmt.Sprintf("command timed out after %s", timeout))
	case ctx.Err() != nil:
		return agent.Fail(models.ErrorKindInterrupted, "command cancelled")
	case err != nil:
		msg := fmt.Sprintf("command failed: %v", err)
		if output != "" {
			msg = fmt.Sprintf("%s\n%s", msg, output)
		}
		return agent.Fail(models.ErrorKindSystem, msg)
	}
	return agent.Ok(output)
}
