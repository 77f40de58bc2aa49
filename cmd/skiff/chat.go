// chat.go wires the interactive REPL: configuration, provider, tools,
// permission prompts, and optional session persistence.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skiff-ai/skiff/internal/agent"
	"github.com/skiff-ai/skiff/internal/bus"
	"github.com/skiff-ai/skiff/internal/config"
	"github.com/skiff-ai/skiff/internal/history"
	"github.com/skiff-ai/skiff/internal/observability"
	"github.com/skiff-ai/skiff/internal/providers"
	"github.com/skiff-ai/skiff/internal/sessions"
	"github.com/skiff-ai/skiff/internal/tools"
	"github.com/skiff-ai/skiff/internal/trust"
	"github.com/skiff-ai/skiff/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var (
		configPath   string
		sessionID    string
		providerName string
		model        string
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive coding conversation",
		Long: `Start an interactive conversation with workspace-scoped tools.

The agent reads and writes files under the workspace, runs shell commands,
and batches tool calls. Sensitive actions prompt for permission inline;
Ctrl-C interrupts the turn in progress.`,
		Example: `  # Chat in the current directory
  skiff chat

  # Resume a persisted session
  skiff chat --session my-project

  # Use OpenAI instead of the configured default
  skiff chat --provider openai`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), chatOptions{
				configPath:   resolveConfigPath(configPath),
				sessionID:    sessionID,
				providerName: providerName,
				model:        model,
				debug:        debug,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id to resume or create")
	cmd.Flags().StringVar(&providerName, "provider", "", "LLM provider (anthropic, openai)")
	cmd.Flags().StringVar(&model, "model", "", "Model id override")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

type chatOptions struct {
	configPath   string
	sessionID    string
	providerName string
	model        string
	debug        bool
}

func runChat(ctx context.Context, opts chatOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)
	metrics := observability.NewMetrics(nil)

	workspace := cfg.Tools.Workspace
	if workspace == "" {
		if workspace, err = os.Getwd(); err != nil {
			return fmt.Errorf("failed to resolve workspace: %w", err)
		}
	}

	b := bus.New(logger)
	defer b.Cleanup()

	hist := history.New(history.Config{
		MaxMessages:   cfg.History.MaxHistoryMessages,
		MaxTokens:     cfg.History.MaxHistoryTokens,
		CharsPerToken: cfg.History.CharsPerTokenEstimate,
	})
	hist.ReplaceSystem(systemPrompt(workspace))

	registry := agent.NewRegistry()
	toolCfg := tools.Config{Workspace: workspace}
	registry.MustRegister(tools.NewReadTool(toolCfg))
	registry.MustRegister(tools.NewWriteTool(toolCfg))
	registry.MustRegister(tools.NewShellTool(toolCfg))
	registry.MustRegister(tools.NewBatchTool())

	provider, err := buildProvider(cfg, opts.providerName, opts.model)
	if err != nil {
		return err
	}

	ag, err := agent.New(agent.Options{
		Provider: provider,
		Registry: registry,
		History:  hist,
		Bus:      b,
		Trust:    trust.NewCache(),
		Config:   engineConfig(cfg, opts.model),
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	renderer := newRenderer(os.Stdout, os.Stdin, b)
	defer renderer.detach()

	if opts.sessionID != "" || cfg.Sessions.Enabled {
		cleanup, err := attachSession(cfg, b, ag, hist, opts.sessionID, logger)
		if err != nil {
			return err
		}
		defer cleanup()
	}

	// First Ctrl-C interrupts the turn; a second one exits.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		<-sigs
		ag.Interrupt()
		<-sigs
		os.Exit(130)
	}()

	fmt.Fprintf(os.Stdout, "skiff %s  workspace %s  provider %s\n", version, workspace, provider.Name())
	fmt.Fprintln(os.Stdout, `type a message, "/clear" to reset, or "exit" to leave`)

	return repl(ctx, ag, hist, b, renderer)
}

// repl reads user input lines and runs one turn per line.
func repl(ctx context.Context, ag *agent.Agent, hist *history.History, b *bus.Bus, r *renderer) error {
	for {
		line, err := r.readLine("> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)

		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "/clear":
			hist.ClearConversation()
			b.Emit(models.Event{Type: models.EventConversationClear})
			fmt.Fprintln(os.Stdout, "conversation cleared")
			continue
		}

		if _, err := ag.SendMessage(ctx, line); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(os.Stdout, "error: %v\n", err)
		}
	}
}

// loadConfig loads the file at path, falling back to built-in defaults when
// the default config file does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// buildProvider selects and configures the LLM transport.
func buildProvider(cfg *config.Config, name, model string) (agent.LLMProvider, error) {
	if name == "" {
		name = cfg.LLM.DefaultProvider
	}
	pcfg := cfg.LLM.Providers[name]
	if model != "" {
		pcfg.DefaultModel = model
	}

	switch name {
	case "anthropic":
		if pcfg.APIKey == "" {
			pcfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  pcfg.APIKey,
			BaseURL: pcfg.BaseURL,
			Model:   pcfg.DefaultModel,
		}), nil
	case "openai":
		if pcfg.APIKey == "" {
			pcfg.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  pcfg.APIKey,
			BaseURL: pcfg.BaseURL,
			Model:   pcfg.DefaultModel,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// engineConfig maps the file configuration onto the agent's tunables.
func engineConfig(cfg *config.Config, model string) agent.Config {
	return agent.Config{
		Model:                     model,
		MaxTokens:                 cfg.LLM.MaxTokens,
		Parallel:                  *cfg.Engine.ParallelTools,
		MaxParallel:               cfg.Engine.MaxParallelTools,
		MaxBatchSize:              cfg.Engine.MaxBatchSize,
		CycleWindow:               cfg.Engine.ToolCallCycleWindow,
		CycleThreshold:            cfg.Engine.ToolCallCycleThreshold,
		ThinkingSimilarity:        cfg.Engine.ThinkingCycleSimilarity,
		ThinkingRepetition:        cfg.Engine.ThinkingCycleRepetition,
		CheckpointInterval:        cfg.Engine.CheckpointInterval,
		CheckpointMinPromptTokens: cfg.Engine.CheckpointMinPromptTokens,
		CheckpointMaxPromptTokens: cfg.Engine.CheckpointMaxPromptTokens,
		TurnDurationCap:           time.Duration(cfg.Engine.TurnDurationCapMinutes) * time.Minute,
		ValidationRetryEnabled:    *cfg.Engine.ValidationRetryEnabled,
		ValidationRetryLimit:      cfg.Engine.ValidationRetryLimit,
		PromptTimeout:             cfg.Engine.PermissionPromptTimeout,
		Preview: agent.PreviewBudget{
			MaxLines:      cfg.Engine.Preview.ToolResultPreviewLines,
			Normal:        cfg.Engine.Preview.ToolResultMaxTokensNormal,
			Moderate:      cfg.Engine.Preview.ToolResultMaxTokensModerate,
			Aggressive:    cfg.Engine.Preview.ToolResultMaxTokensAggressive,
			Critical:      cfg.Engine.Preview.ToolResultMaxTokensCritical,
			CharsPerToken: cfg.History.CharsPerTokenEstimate,
		},
	}
}

// attachSession opens the configured store, restores the snapshot when one
// exists, and wires the persister. The returned cleanup flushes in-flight
// saves and closes the store.
func attachSession(cfg *config.Config, b *bus.Bus, ag *agent.Agent, hist *history.History, sessionID string, logger *slog.Logger) (func(), error) {
	if sessionID == "" {
		sessionID = "default"
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	snap, err := store.Load(context.Background(), sessionID)
	switch {
	case err == nil:
		hist.Restore(history.Snapshot{Messages: snap.Messages})
		logger.Info("session resumed",
			"session_id", sessionID,
			"messages", len(snap.Messages),
			"turns", snap.Stats.Turns,
		)
	case errors.Is(err, sessions.ErrNotFound):
	default:
		store.Close()
		return nil, fmt.Errorf("failed to load session %q: %w", sessionID, err)
	}

	persister := sessions.NewPersister(store, ag, sessionID, logger)
	persister.Attach(b)
	return func() {
		persister.Detach()
		persister.Wait()
		store.Close()
	}, nil
}

// openStore creates the configured session store.
func openStore(cfg *config.Config) (sessions.Store, error) {
	switch cfg.Sessions.Driver {
	case "memory":
		return sessions.NewMemoryStore(), nil
	case "sqlite":
		return sessions.NewSQLiteStore(cfg.Sessions.Path)
	default:
		return nil, fmt.Errorf("unknown session driver %q", cfg.Sessions.Driver)
	}
}

// systemPrompt is the privileged instruction block at history index 0.
func systemPrompt(workspace string) string {
	return strings.TrimSpace(fmt.Sprintf(`
You are skiff, a coding agent working in the workspace %s.

Use the available tools to inspect and modify the workspace. Prefer the
batch tool when several independent read-only calls are needed. Keep answers
short and concrete; show file paths relative to the workspace.`, workspace))
}
