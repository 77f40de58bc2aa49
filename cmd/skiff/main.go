// Package main provides the CLI entry point for the skiff coding agent.
//
// Skiff runs a terminal conversation against an LLM provider (Anthropic or
// OpenAI) with workspace-scoped tool execution: file reads and writes, shell
// commands, and batched tool calls, all gated behind a permission prompt.
//
// # Basic Usage
//
// Start a chat in the current directory:
//
//	skiff chat
//
// Resume a persisted session:
//
//	skiff chat --session my-project
//
// List and prune persisted sessions:
//
//	skiff sessions list
//	skiff sessions delete my-project
//
// # Environment Variables
//
//   - SKIFF_CONFIG: Path to configuration file (default: skiff.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skiff",
		Short: "Skiff - terminal coding agent",
		Long: `Skiff runs an LLM-driven coding conversation in your terminal.

The agent can read and write files under the workspace, run shell commands,
and batch tool calls, with every sensitive action gated behind a permission
prompt you answer inline.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies the flag, then SKIFF_CONFIG, then the default.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("SKIFF_CONFIG"); env != "" {
		return env
	}
	return "skiff.yaml"
}
