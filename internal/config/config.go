// Package config loads the YAML configuration file. Values support
// environment variable expansion, and unset fields fall back to the engine
// defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	History  HistoryConfig  `yaml:"history"`
	LLM      LLMConfig      `yaml:"llm"`
	Tools    ToolsConfig    `yaml:"tools"`
	Sessions SessionsConfig `yaml:"sessions"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// EngineConfig tunes the turn controller and tool orchestrator.
type EngineConfig struct {
	// ParallelTools enables concurrent execution of read-only tool calls.
	// Defaults to true.
	ParallelTools *bool `yaml:"parallel_tools"`

	// MaxParallelTools bounds the read-only fan-out.
	MaxParallelTools int `yaml:"max_parallel_tools"`

	// MaxBatchSize bounds how many child calls a batch wrapper may carry.
	MaxBatchSize int `yaml:"max_batch_size"`

	// Tool-call cycle detection over recent call signatures.
	ToolCallCycleWindow    int `yaml:"tool_call_cycle_window"`
	ToolCallCycleThreshold int `yaml:"tool_call_cycle_threshold"`

	// Thinking cycle detection over assistant text.
	ThinkingCycleSimilarity float64 `yaml:"thinking_cycle_similarity"`
	ThinkingCycleRepetition int     `yaml:"thinking_cycle_repetition"`

	// Checkpoint reminder cadence.
	CheckpointInterval        int `yaml:"checkpoint_interval"`
	CheckpointMinPromptTokens int `yaml:"checkpoint_min_prompt_tokens"`
	CheckpointMaxPromptTokens int `yaml:"checkpoint_max_prompt_tokens"`

	// TurnDurationCapMinutes bounds a turn's wall-clock time. Zero means
	// no cap.
	TurnDurationCapMinutes int `yaml:"turn_duration_cap_minutes"`

	// ValidationRetryEnabled re-sends with a corrective reminder when the
	// transport flags malformed tool-call JSON. Defaults to true.
	ValidationRetryEnabled *bool `yaml:"validation_retry_enabled"`

	// ValidationRetryLimit bounds consecutive corrective re-sends.
	ValidationRetryLimit int `yaml:"validation_retry_limit"`

	// PermissionPromptTimeout bounds how long a permission prompt waits
	// before defaulting to deny.
	PermissionPromptTimeout time.Duration `yaml:"permission_prompt_timeout"`

	Preview PreviewConfig `yaml:"preview"`
}

// PreviewConfig holds the tiered tool-result preview budgets. Previews
// shrink as context usage climbs.
type PreviewConfig struct {
	ToolResultPreviewLines        int `yaml:"tool_result_preview_lines"`
	ToolResultMaxTokensNormal     int `yaml:"tool_result_max_tokens_normal"`
	ToolResultMaxTokensModerate   int `yaml:"tool_result_max_tokens_moderate"`
	ToolResultMaxTokensAggressive int `yaml:"tool_result_max_tokens_aggressive"`
	ToolResultMaxTokensCritical   int `yaml:"tool_result_max_tokens_critical"`
}

// HistoryConfig bounds the in-memory conversation.
type HistoryConfig struct {
	MaxHistoryMessages           int     `yaml:"max_history_messages"`
	MaxHistoryTokens             int     `yaml:"max_history_tokens"`
	CharsPerTokenEstimate        int     `yaml:"chars_per_token_estimate"`
	ContextNearCapacityThreshold float64 `yaml:"context_near_capacity_threshold"`
}

// LLMConfig selects and configures the model transports.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	MaxTokens       int                          `yaml:"max_tokens"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig configures one provider.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// ToolsConfig scopes the built-in tools.
type ToolsConfig struct {
	// Workspace is the root directory tools may touch. Defaults to the
	// current working directory at startup.
	Workspace string `yaml:"workspace"`
}

// SessionsConfig controls conversation persistence.
type SessionsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Driver selects the store backend, "sqlite" or "memory".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Load reads and parses the configuration file. Environment variables in the
// file body are expanded before parsing, so keys like api_key can reference
// ${ANTHROPIC_API_KEY}.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.ParallelTools == nil {
		cfg.Engine.ParallelTools = boolPtr(true)
	}
	if cfg.Engine.MaxParallelTools == 0 {
		cfg.Engine.MaxParallelTools = 4
	}
	if cfg.Engine.MaxBatchSize == 0 {
		cfg.Engine.MaxBatchSize = 10
	}
	if cfg.Engine.ToolCallCycleWindow == 0 {
		cfg.Engine.ToolCallCycleWindow = 20
	}
	if cfg.Engine.ToolCallCycleThreshold == 0 {
		cfg.Engine.ToolCallCycleThreshold = 4
	}
	if cfg.Engine.ThinkingCycleSimilarity == 0 {
		cfg.Engine.ThinkingCycleSimilarity = 0.6
	}
	if cfg.Engine.ThinkingCycleRepetition == 0 {
		cfg.Engine.ThinkingCycleRepetition = 3
	}
	if cfg.Engine.CheckpointInterval == 0 {
		cfg.Engine.CheckpointInterval = 10
	}
	if cfg.Engine.CheckpointMinPromptTokens == 0 {
		cfg.Engine.CheckpointMinPromptTokens = 8
	}
	if cfg.Engine.CheckpointMaxPromptTokens == 0 {
		cfg.Engine.CheckpointMaxPromptTokens = 500
	}
	if cfg.Engine.TurnDurationCapMinutes == 0 {
		cfg.Engine.TurnDurationCapMinutes = 10
	}
	if cfg.Engine.ValidationRetryEnabled == nil {
		cfg.Engine.ValidationRetryEnabled = boolPtr(true)
	}
	if cfg.Engine.ValidationRetryLimit == 0 {
		cfg.Engine.ValidationRetryLimit = 3
	}
	if cfg.Engine.PermissionPromptTimeout == 0 {
		cfg.Engine.PermissionPromptTimeout = 5 * time.Minute
	}

	if cfg.Engine.Preview.ToolResultPreviewLines == 0 {
		cfg.Engine.Preview.ToolResultPreviewLines = 10
	}
	if cfg.Engine.Preview.ToolResultMaxTokensNormal == 0 {
		cfg.Engine.Preview.ToolResultMaxTokensNormal = 1000
	}
	if cfg.Engine.Preview.ToolResultMaxTokensModerate == 0 {
		cfg.Engine.Preview.ToolResultMaxTokensModerate = 500
	}
	if cfg.Engine.Preview.ToolResultMaxTokensAggressive == 0 {
		cfg.Engine.Preview.ToolResultMaxTokensAggressive = 200
	}
	if cfg.Engine.Preview.ToolResultMaxTokensCritical == 0 {
		cfg.Engine.Preview.ToolResultMaxTokensCritical = 80
	}

	if cfg.History.MaxHistoryMessages == 0 {
		cfg.History.MaxHistoryMessages = 200
	}
	if cfg.History.MaxHistoryTokens == 0 {
		cfg.History.MaxHistoryTokens = 48000
	}
	if cfg.History.CharsPerTokenEstimate == 0 {
		cfg.History.CharsPerTokenEstimate = 4
	}
	if cfg.History.ContextNearCapacityThreshold == 0 {
		cfg.History.ContextNearCapacityThreshold = 80
	}

	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}

	if cfg.Sessions.Driver == "" {
		cfg.Sessions.Driver = "sqlite"
	}
	if cfg.Sessions.Path == "" {
		cfg.Sessions.Path = "skiff.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func boolPtr(v bool) *bool { return &v }
