package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/skiff-ai/skiff/internal/agent"
	"github.com/skiff-ai/skiff/pkg/models"
)

// defaultOpenAIModel is used when a request does not name a model.
const defaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and compatible
	// servers.
	BaseURL string

	// Model is the default model when a request does not specify one.
	Model string

	// MaxRetries bounds retry attempts for transient failures. Zero means
	// the default of 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Zero means one second.
	RetryDelay time.Duration
}

// OpenAIProvider implements agent.LLMProvider on the OpenAI chat completions
// API. Tool calls stream incrementally, so fragments are accumulated by index
// until the stream finishes.
//
// Safe for concurrent use; each Complete call owns its own stream.
type OpenAIProvider struct {
	client       *openai.Client
	apiKey       string
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAIProvider creates an OpenAI provider. An empty API key is allowed
// for delayed configuration; Complete fails until one is set.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	p := &OpenAIProvider{
		apiKey:       cfg.APIKey,
		defaultModel: model,
		maxRetries:   retries,
		retryDelay:   delay,
	}
	if cfg.APIKey != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
		p.client = openai.NewClientWithConfig(clientCfg)
	}
	return p
}

// Name returns the provider identifier used in logs and metrics.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete sends the conversation and returns the terminal completion. Text
// deltas reach req.OnContentDelta as they arrive; OpenAI does not expose
// reasoning deltas, so OnThoughtDelta is never invoked. Stream creation
// retries with backoff for transient failures.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	if p.client == nil {
		return nil, errors.New("openai API key not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: convertOpenAIMessages(req.Messages),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(1<<(attempt-1))):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !retryableErrorMessage(lastErr.Error()) {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
	}
	defer stream.Close()

	return p.consume(ctx, stream, req)
}

// consume reads the stream to completion, emitting content deltas and
// accumulating tool-call fragments by index.
func (p *OpenAIProvider) consume(ctx context.Context, stream *openai.ChatCompletionStream, req *agent.CompletionRequest) (*agent.Completion, error) {
	var content strings.Builder
	partial := make(map[int]*models.ToolCall)
	fragments := make(map[int]*strings.Builder)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if req.OnContentDelta != nil {
				req.OnContentDelta(delta.Content)
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if partial[index] == nil {
				partial[index] = &models.ToolCall{}
				fragments[index] = &strings.Builder{}
			}
			if tc.ID != "" {
				partial[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				partial[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				fragments[index].WriteString(tc.Function.Arguments)
			}
		}
	}

	var toolCalls []models.ToolCall
	var validationErrs []string
	for _, index := range sortedIndices(partial) {
		tc := partial[index]
		if tc.ID == "" || tc.Name == "" {
			validationErrs = append(validationErrs,
				fmt.Sprintf("tool call at index %d is missing id or name", index))
			continue
		}
		raw := fragments[index].String()
		if strings.TrimSpace(raw) == "" {
			raw = "{}"
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			validationErrs = append(validationErrs,
				fmt.Sprintf("tool call %s has malformed arguments: %v", tc.Name, err))
			continue
		}
		tc.Arguments = json.RawMessage(raw)
		toolCalls = append(toolCalls, *tc)
	}

	return &agent.Completion{
		Content:          content.String(),
		ToolCalls:        toolCalls,
		ValidationFailed: len(validationErrs) > 0,
		ValidationErrors: validationErrs,
	}, nil
}

func (p *OpenAIProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// convertOpenAIMessages translates the conversation into OpenAI chat
// messages. The system message passes through in place; tool results become
// role "tool" messages linked by tool call id.
func convertOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, oaiMsg)
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return result
}

// convertOpenAITools translates tool schemas into OpenAI function
// definitions. A schema that is not valid JSON degrades to an empty object
// schema so one bad tool cannot break the whole request.
func convertOpenAITools(tools []agent.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
