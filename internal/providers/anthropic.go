// Package providers implements the LLM transports behind agent.LLMProvider.
//
// Each provider converts the engine's conversation into its API's wire
// format, consumes the streaming response internally, forwards deltas to the
// request callbacks, and returns a single terminal completion. Retries with
// backoff cover transient transport failures; malformed function-call JSON
// from the model surfaces as a validation-flagged completion rather than an
// error, so the turn controller can ask the model to correct itself.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/skiff-ai/skiff/internal/agent"
	"github.com/skiff-ai/skiff/pkg/models"
)

const (
	// defaultAnthropicModel is used when a request does not name a model.
	defaultAnthropicModel = "claude-sonnet-4-20250514"

	// defaultMaxTokens caps the response when the request leaves it unset.
	defaultMaxTokens = 4096

	// maxIdleStreamEvents bounds consecutive stream events that carry no
	// usable payload, guarding against a malformed stream that never ends.
	maxIdleStreamEvents = 300
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and test servers.
	BaseURL string

	// Model is the default model when a request does not specify one.
	Model string

	// MaxRetries bounds retry attempts for transient failures. Zero means
	// the default of 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Zero means one second. The
	// actual delay doubles per attempt.
	RetryDelay time.Duration
}

// AnthropicProvider implements agent.LLMProvider on the Anthropic Messages
// API. It always streams, forwarding text and thinking deltas to the request
// callbacks while accumulating the terminal completion.
//
// Safe for concurrent use; each Complete call owns its own stream.
type AnthropicProvider struct {
	client       anthropic.Client
	apiKey       string
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropicProvider creates an Anthropic provider. An empty API key is
// allowed for delayed configuration; Complete fails until one is set.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		apiKey:       cfg.APIKey,
		defaultModel: model,
		maxRetries:   retries,
		retryDelay:   delay,
	}
}

// Name returns the provider identifier used in logs and metrics.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete sends the conversation and returns the terminal completion.
//
// The stream is consumed inside this call: text deltas reach
// req.OnContentDelta and thinking deltas reach req.OnThoughtDelta as they
// arrive. Transient failures retry with exponential backoff, but only while
// nothing has been delivered to the callbacks; a stream that breaks mid-reply
// is surfaced as an error instead of silently replayed.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	if p.apiKey == "" {
		return nil, errors.New("anthropic API key not configured")
	}

	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		completion, streamed, err := p.consumeStream(ctx, params, req)
		if err == nil {
			return completion, nil
		}
		lastErr = err
		if streamed || ctx.Err() != nil || !p.isRetryableError(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// buildParams converts the request into Anthropic message parameters.
func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	system, messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// toolBuild accumulates one tool_use block while its input JSON streams in.
type toolBuild struct {
	id    string
	name  string
	input strings.Builder
}

// consumeStream runs one streaming request to completion. The streamed flag
// reports whether any delta reached the request callbacks, which disqualifies
// the attempt from retry.
func (p *AnthropicProvider) consumeStream(ctx context.Context, params anthropic.MessageNewParams, req *agent.CompletionRequest) (*agent.Completion, bool, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		content        strings.Builder
		toolCalls      []models.ToolCall
		validationErrs []string
		current        *toolBuild
		streamed       bool
		idle           int
	)

	seal := func() {
		if current == nil {
			return
		}
		raw := current.input.String()
		if strings.TrimSpace(raw) == "" {
			raw = "{}"
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			validationErrs = append(validationErrs,
				fmt.Sprintf("tool call %s has malformed input: %v", current.name, err))
		} else {
			toolCalls = append(toolCalls, models.ToolCall{
				ID:        current.id,
				Name:      current.name,
				Arguments: json.RawMessage(raw),
			})
		}
		current = nil
	}

	for stream.Next() {
		event := stream.Current()
		idle++

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				current = &toolBuild{id: tu.ID, name: tu.Name}
			}
			idle = 0
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				content.WriteString(delta.Text)
				if req.OnContentDelta != nil {
					req.OnContentDelta(delta.Text)
					streamed = true
				}
			case "thinking_delta":
				if req.OnThoughtDelta != nil {
					req.OnThoughtDelta(delta.Thinking)
					streamed = true
				}
			case "input_json_delta":
				if current != nil {
					current.input.WriteString(delta.PartialJSON)
				}
			}
			idle = 0
		case "content_block_stop":
			seal()
			idle = 0
		case "message_start", "message_delta", "message_stop":
			idle = 0
		}

		if idle > maxIdleStreamEvents {
			return nil, streamed, errors.New("stream stalled without usable events")
		}
	}
	if err := stream.Err(); err != nil {
		return nil, streamed, p.wrapError(err)
	}
	seal()

	return &agent.Completion{
		Content:          content.String(),
		ToolCalls:        toolCalls,
		ValidationFailed: len(validationErrs) > 0,
		ValidationErrors: validationErrs,
	}, streamed, nil
}

// convertAnthropicMessages translates the conversation into Anthropic message
// parameters. The privileged system message is lifted out for the params
// System field. Tool-role messages become tool_result blocks in user
// messages, with consecutive results grouped into one message.
func convertAnthropicMessages(messages []models.Message) (string, []anthropic.MessageParam, error) {
	var system string
	result := make([]anthropic.MessageParam, 0, len(messages))

	var pendingResults []anthropic.ContentBlockParamUnion
	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if system == "" {
				system = msg.Content
			}
		case models.RoleAssistant:
			flushResults()
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return "", nil, fmt.Errorf("tool call %s has invalid arguments: %w", tc.Name, err)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		case models.RoleTool:
			pendingResults = append(pendingResults,
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		default:
			flushResults()
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flushResults()

	return system, result, nil
}

// convertAnthropicTools translates tool schemas into Anthropic tool
// parameters.
func convertAnthropicTools(tools []agent.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		if tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

// isRetryableError reports whether a failed request is worth retrying.
// Rate limits, server errors, timeouts, and connection failures retry;
// authentication and validation errors do not.
func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}

	return retryableErrorMessage(err.Error())
}

// retryableErrorMessage classifies errors that carry no structured status by
// their message text.
func retryableErrorMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{
		"rate_limit", "rate limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError extracts the API error detail so callers see the model's own
// message instead of raw JSON.
func (p *AnthropicProvider) wrapError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
			return fmt.Errorf("anthropic request failed (status %d, %s): %s",
				apiErr.StatusCode, payload.Error.Type, payload.Error.Message)
		}
	}
	return fmt.Errorf("anthropic request failed (status %d): %w", apiErr.StatusCode, err)
}

// sortedIndices returns map keys in ascending order. Used by the OpenAI
// provider to finalize tool calls in stream order.
func sortedIndices[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
