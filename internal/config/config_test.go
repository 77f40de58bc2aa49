package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsApplied(t *testing.T) {
	cfg := Default()

	if !*cfg.Engine.ParallelTools {
		t.Error("parallel tools should default to true")
	}
	if cfg.Engine.MaxParallelTools != 4 || cfg.Engine.MaxBatchSize != 10 {
		t.Errorf("engine limits = %d/%d", cfg.Engine.MaxParallelTools, cfg.Engine.MaxBatchSize)
	}
	if cfg.Engine.ToolCallCycleWindow != 20 || cfg.Engine.ToolCallCycleThreshold != 4 {
		t.Errorf("cycle config = %d/%d", cfg.Engine.ToolCallCycleWindow, cfg.Engine.ToolCallCycleThreshold)
	}
	if cfg.Engine.PermissionPromptTimeout != 5*time.Minute {
		t.Errorf("prompt timeout = %s", cfg.Engine.PermissionPromptTimeout)
	}
	if cfg.History.MaxHistoryTokens != 48000 || cfg.History.ContextNearCapacityThreshold != 80 {
		t.Errorf("history = %+v", cfg.History)
	}
	if cfg.Engine.Preview.ToolResultMaxTokensCritical != 80 {
		t.Errorf("preview = %+v", cfg.Engine.Preview)
	}
	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Errorf("default provider = %s", cfg.LLM.DefaultProvider)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadOverridesAndKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_batch_size: 5
  parallel_tools: false
  validation_retry_enabled: false
history:
  max_history_tokens: 1000
llm:
  default_provider: openai
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.MaxBatchSize != 5 {
		t.Errorf("max batch size = %d", cfg.Engine.MaxBatchSize)
	}
	if *cfg.Engine.ParallelTools {
		t.Error("explicit parallel_tools: false was overridden")
	}
	if *cfg.Engine.ValidationRetryEnabled {
		t.Error("explicit validation_retry_enabled: false was overridden")
	}
	if cfg.History.MaxHistoryTokens != 1000 {
		t.Errorf("history tokens = %d", cfg.History.MaxHistoryTokens)
	}
	if cfg.LLM.DefaultProvider != "openai" {
		t.Errorf("provider = %s", cfg.LLM.DefaultProvider)
	}
	// Untouched keys keep their defaults.
	if cfg.Engine.MaxParallelTools != 4 {
		t.Errorf("max parallel = %d", cfg.Engine.MaxParallelTools)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-from-env")
	path := writeConfig(t, `
llm:
  providers:
    anthropic:
      api_key: ${TEST_API_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.LLM.Providers["anthropic"].APIKey; got != "sk-from-env" {
		t.Errorf("api key = %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := writeConfig(t, "engine: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
