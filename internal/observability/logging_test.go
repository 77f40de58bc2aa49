package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger := NewLogger(LogConfig{})
	if logger == nil {
		t.Fatal("NewLogger() returned nil")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("below-level records were emitted: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("expected warn and error records, got: %s", out)
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	secret := "sk-" + strings.Repeat("a", 48)
	logger.Info("provider configured", "detail", "api_key="+secret)

	out := buf.String()
	if strings.Contains(out, secret) {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, redactedPlaceholder) {
		t.Errorf("expected redaction placeholder in output: %s", out)
	}
}

func TestLoggerRedactsMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("token: abcdefghijklmnop1234")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal log record: %v", err)
	}
	msg, _ := record["msg"].(string)
	if strings.Contains(msg, "abcdefghijklmnop1234") {
		t.Errorf("message not redacted: %q", msg)
	}
}

func TestLoggerCustomPatterns(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:          "info",
		Format:         "text",
		Output:         &buf,
		RedactPatterns: []string{`internal-[0-9]+`},
	})

	logger.Info("lookup", "id", "internal-12345")
	if strings.Contains(buf.String(), "internal-12345") {
		t.Errorf("custom pattern not applied: %s", buf.String())
	}
}
