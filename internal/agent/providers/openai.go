package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentd/internal/agent"
	"github.com/haasonsaas/agentd/internal/config"
	"github.com/haasonsaas/agentd/pkg/models"
)

// OpenAIProvider implements agent.LLMProvider for the OpenAI chat protocol
// and compatible servers (OpenRouter, DeepSeek, Ollama, LM Studio).
//
// Protocol specifics handled here:
//   - System messages are part of the messages array, not a separate field.
//   - Tool calls stream incrementally and are accumulated by index.
//   - Usage arrives on a final chunk when include_usage is requested.
//   - reasoning_effort is sent only to models in the capability table.
//
// Safe for concurrent use; each Complete call owns its stream.
type OpenAIProvider struct {
	name         string
	client       *openai.Client
	tagReasoning bool
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAIProvider creates an adapter for one configured endpoint. An empty
// base URL targets api.openai.com.
func NewOpenAIProvider(name string, cfg config.ProviderConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		name:         name,
		client:       openai.NewClientWithConfig(clientCfg),
		tagReasoning: cfg.TagReasoning,
		maxRetries:   3,
		retryDelay:   time.Second,
	}
}

// Name returns the configured endpoint name.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// TagReasoning reports whether this endpoint's models interleave <think>
// tags with visible text.
func (p *OpenAIProvider) TagReasoning() bool {
	return p.tagReasoning
}

// reasoningEffortModels is the capability table for the reasoning_effort
// parameter. Sending it to other models is a 400.
var reasoningEffortModels = []string{"o1", "o3", "o4", "gpt-5"}

func supportsReasoningEffort(model string) bool {
	for _, prefix := range reasoningEffortModels {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// Complete sends a streaming completion request and returns the canonical
// chunk channel. Retryable transport failures are retried with linear
// backoff before the fallback policy ever sees them.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertToOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}
	if req.ReasoningEffort != "" && supportsReasoningEffort(req.Model) {
		chatReq.ReasoningEffort = string(req.ReasoningEffort)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if pe := p.wrapError(req.Model, lastErr); !pe.Retryable() {
			return nil, pe
		}
	}
	if lastErr != nil {
		return nil, p.wrapError(req.Model, lastErr)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, req.Model, stream, chunks)
	return chunks, nil
}

// processStream converts the SDK stream into canonical chunks. Tool call
// fragments are accumulated by index and emitted fully assembled.
func (p *OpenAIProvider) processStream(ctx context.Context, model string, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	var order []int
	emitted := false

	flushToolCalls := func() {
		for _, idx := range order {
			tc := toolCalls[idx]
			if tc.ID != "" && tc.Name != "" {
				chunks <- &agent.CompletionChunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
		order = order[:0]
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !emitted {
					flushToolCalls()
				}
				chunks <- &agent.CompletionChunk{Done: true}
				return
			}
			chunks <- &agent.CompletionChunk{Error: p.wrapError(model, err), Done: true}
			return
		}

		// The include_usage chunk has no choices.
		if response.Usage != nil {
			chunks <- &agent.CompletionChunk{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
				order = append(order, index)
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				args := string(toolCalls[index].Input) + tc.Function.Arguments
				toolCalls[index].Input = json.RawMessage(args)
			}
		}

		if response.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls()
			emitted = true
		}
	}
}

// convertToOpenAIMessages maps canonical messages onto the wire format. The
// mapping is 1-to-1 except that tool results each become a separate message.
func convertToOpenAIMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{Role: msg.Role}

		switch msg.Role {
		case "user", "system":
			if hasImages(msg.Attachments) {
				parts := make([]openai.ChatMessagePart, 0, len(msg.Attachments)+1)
				if msg.Content != "" {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: msg.Content,
					})
				}
				for _, att := range msg.Attachments {
					if att.Type == "image" {
						parts = append(parts, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL:    att.URL,
								Detail: openai.ImageURLDetailAuto,
							},
						})
					}
				}
				oaiMsg.MultiContent = parts
			} else {
				oaiMsg.Content = msg.Content
			}

		case "assistant":
			oaiMsg.Content = msg.Content
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}

		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		result = append(result, oaiMsg)
	}
	return result
}

func hasImages(attachments []models.Attachment) bool {
	for _, att := range attachments {
		if att.Type == "image" {
			return true
		}
	}
	return false
}

func convertToOpenAITools(tools []agent.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			// A bad schema must not break the other tools.
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

// wrapError converts an SDK error into the typed provider error the
// fallback policy classifies.
func (p *OpenAIProvider) wrapError(model string, err error) *agent.ProviderError {
	pe := &agent.ProviderError{
		Provider: p.name,
		Model:    model,
		Message:  err.Error(),
		Cause:    err,
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.HTTPStatusCode
		pe.Message = apiErr.Message
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		pe.StatusCode = reqErr.HTTPStatusCode
	}
	return pe
}
