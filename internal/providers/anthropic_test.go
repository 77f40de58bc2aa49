package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/skiff-ai/skiff/internal/agent"
	"github.com/skiff-ai/skiff/pkg/models"
)

// sseServer serves a fixed sequence of SSE lines for one streaming request.
func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("expected http.Flusher")
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
}

func anthropicTextEvents() []string {
	return []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant"}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}
}

func TestAnthropicCompleteStreamsText(t *testing.T) {
	server := sseServer(t, anthropicTextEvents())
	defer server.Close()

	provider := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})

	var deltas []string
	completion, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages:       []models.Message{models.NewUserMessage("hi")},
		OnContentDelta: func(d string) { deltas = append(deltas, d) },
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if completion.Content != "Hello world" {
		t.Errorf("content = %q, want %q", completion.Content, "Hello world")
	}
	if strings.Join(deltas, "") != "Hello world" {
		t.Errorf("streamed deltas = %q", strings.Join(deltas, ""))
	}
	if completion.ValidationFailed {
		t.Error("unexpected validation failure")
	}
}

func TestAnthropicCompleteParsesToolCalls(t *testing.T) {
	server := sseServer(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant"}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tool_123","name":"get-weather","input":{}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"London\"}"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	})
	defer server.Close()

	provider := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})
	completion, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []models.Message{models.NewUserMessage("weather in london?")},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if len(completion.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(completion.ToolCalls))
	}
	tc := completion.ToolCalls[0]
	if tc.ID != "tool_123" || tc.Name != "get-weather" {
		t.Errorf("tool call = %s/%s", tc.ID, tc.Name)
	}
	var args map[string]string
	if err := json.Unmarshal(tc.Arguments, &args); err != nil || args["city"] != "London" {
		t.Errorf("arguments = %s (err %v)", tc.Arguments, err)
	}
}

func TestAnthropicMalformedToolInputFlagsValidation(t *testing.T) {
	server := sseServer(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant"}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tool_9","name":"read-file","input":{}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\": not-json"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	})
	defer server.Close()

	provider := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})
	completion, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []models.Message{models.NewUserMessage("read it")},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !completion.ValidationFailed {
		t.Fatal("expected validation failure for malformed tool input")
	}
	if len(completion.ToolCalls) != 0 {
		t.Errorf("malformed call leaked into ToolCalls: %+v", completion.ToolCalls)
	}
	if len(completion.ValidationErrors) == 0 || !strings.Contains(completion.ValidationErrors[0], "read-file") {
		t.Errorf("validation errors = %v", completion.ValidationErrors)
	}
}

func TestAnthropicMissingAPIKey(t *testing.T) {
	provider := NewAnthropicProvider(AnthropicConfig{})
	_, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []models.Message{models.NewUserMessage("hi")},
	})
	if err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	messages := []models.Message{
		models.NewSystemMessage("be brief"),
		models.NewUserMessage("list files"),
		models.NewAssistantMessage("", []models.ToolCall{
			{ID: "t1", Name: "read-file", Arguments: json.RawMessage(`{"path":"a.txt"}`)},
		}),
		models.NewToolMessage("t1", "read-file", "contents of a", false),
		models.NewToolMessage("t2", "read-file", "contents of b", true),
		models.NewAssistantMessage("done", nil),
	}

	system, converted, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if system != "be brief" {
		t.Errorf("system = %q", system)
	}
	// user, assistant tool call, one grouped tool-result message, assistant.
	if len(converted) != 4 {
		t.Fatalf("converted %d messages, want 4", len(converted))
	}
	if got := string(converted[0].Role); got != "user" {
		t.Errorf("message 0 role = %s", got)
	}
	if got := string(converted[1].Role); got != "assistant" {
		t.Errorf("message 1 role = %s", got)
	}
	if got := string(converted[2].Role); got != "user" {
		t.Errorf("tool results should convert to role user, got %s", got)
	}
	if len(converted[2].Content) != 2 {
		t.Errorf("consecutive tool results not grouped, %d blocks", len(converted[2].Content))
	}
}

func TestConvertAnthropicMessagesRejectsBadToolArgs(t *testing.T) {
	_, _, err := convertAnthropicMessages([]models.Message{
		models.NewAssistantMessage("", []models.ToolCall{
			{ID: "t1", Name: "read-file", Arguments: json.RawMessage(`not json`)},
		}),
	})
	if err == nil {
		t.Fatal("expected error for non-object tool arguments")
	}
}

func TestConvertAnthropicTools(t *testing.T) {
	tools := []agent.ToolSchema{{
		Name:        "read-file",
		Description: "Read a file.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}}

	converted, err := convertAnthropicTools(tools)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if len(converted) != 1 || converted[0].OfTool == nil {
		t.Fatalf("converted = %+v", converted)
	}
	if converted[0].OfTool.Name != "read-file" {
		t.Errorf("name = %s", converted[0].OfTool.Name)
	}
	if converted[0].OfTool.Description.Value != "Read a file." {
		t.Errorf("description = %q", converted[0].OfTool.Description.Value)
	}
}

func TestConvertAnthropicToolsRejectsBadSchema(t *testing.T) {
	_, err := convertAnthropicTools([]agent.ToolSchema{{
		Name:       "broken",
		Parameters: json.RawMessage(`not a schema`),
	}})
	if err == nil {
		t.Fatal("expected error for invalid schema JSON")
	}
}

func TestRetryableErrorMessage(t *testing.T) {
	tests := []struct {
		err   error
		retry bool
	}{
		{errors.New("429 too many requests"), true},
		{errors.New("rate_limit_error"), true},
		{errors.New("internal server error"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("connection refused"), true},
		{errors.New("invalid api key"), false},
		{errors.New("model not found"), false},
	}
	for _, tt := range tests {
		if got := retryableErrorMessage(tt.err.Error()); got != tt.retry {
			t.Errorf("retryableErrorMessage(%q) = %v, want %v", tt.err, got, tt.retry)
		}
	}
}
