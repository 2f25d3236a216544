package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/agentd/internal/agent"
	"github.com/haasonsaas/agentd/internal/config"
	"github.com/haasonsaas/agentd/pkg/models"
)

// AnthropicProvider implements agent.LLMProvider for the Anthropic messages
// protocol.
//
// Protocol specifics handled here:
//   - System text is extracted from canonical system messages and sent as a
//     separate field.
//   - Images are passed as base64 with a media type; data-URLs are parsed,
//     other URLs become text placeholders.
//   - Assistant tool calls re-emit as tool_use blocks, tool results as
//     tool_result blocks on a user message.
//   - Stream events are converted on the fly to the canonical chunk stream
//     so the loop consumes a single dialect.
//
// Safe for concurrent use; each Complete call owns its stream.
type AnthropicProvider struct {
	name       string
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicProvider creates an adapter for one configured endpoint.
func NewAnthropicProvider(name string, cfg config.ProviderConfig) *AnthropicProvider {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		name:       name,
		client:     anthropic.NewClient(options...),
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// Name returns the configured endpoint name.
func (p *AnthropicProvider) Name() string {
	return p.name
}

// TagReasoning is false: Anthropic models have a native thinking channel.
func (p *AnthropicProvider) TagReasoning() bool {
	return false
}

// Complete sends a streaming completion request and returns the canonical
// chunk channel. Transport failures are retried with exponential backoff.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream = p.client.Messages.NewStreaming(ctx, params)
			if stream.Err() == nil {
				break
			}

			pe := p.wrapError(req.Model, stream.Err())
			if !pe.Retryable() || attempt == p.maxRetries {
				chunks <- &agent.CompletionChunk{Error: pe, Done: true}
				return
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				chunks <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
				return
			case <-time.After(backoff):
			}
		}

		p.processStream(stream, chunks, req.Model)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	// System text goes in its own field, never in the messages array.
	if system := collectSystem(req.System, req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// maxEmptyStreamEvents bounds consecutive events that produce no output
// before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// processStream converts Anthropic stream events into canonical chunks.
//
// Conversion rules:
//   - message_start carries input token usage.
//   - content_block_start of type tool_use opens an indexed tool call.
//   - text_delta emits text; thinking_delta emits thinking.
//   - input_json_delta accumulates tool arguments until content_block_stop.
//   - message_delta carries output token usage.
//   - message_stop emits the Done chunk; error events abort.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	emptyEventCount := 0
	inThinkingBlock := false

	var inputTokens int
	var outputTokens int

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
				chunks <- &agent.CompletionChunk{InputTokens: inputTokens}
			}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			switch contentBlock.Type {
			case "thinking":
				inThinkingBlock = true
				chunks <- &agent.CompletionChunk{ThinkingStart: true}
				eventProcessed = true
			case "tool_use":
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				currentToolInput.Reset()
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					eventProcessed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &agent.CompletionChunk{Thinking: delta.Thinking}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if inThinkingBlock {
				chunks <- &agent.CompletionChunk{ThinkingEnd: true}
				inThinkingBlock = false
				eventProcessed = true
			} else if currentToolCall != nil {
				currentToolCall.Input = json.RawMessage(currentToolInput.String())
				chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
				chunks <- &agent.CompletionChunk{OutputTokens: outputTokens}
			}
			eventProcessed = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{Done: true}
			return

		case "error":
			chunks <- &agent.CompletionChunk{
				Error: p.wrapError(model, errors.New("anthropic stream error")),
				Done:  true,
			}
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				chunks <- &agent.CompletionChunk{
					Error: p.wrapError(model, fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEventCount)),
					Done:  true,
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: p.wrapError(model, err), Done: true}
	}
}

// collectSystem merges the request system field with any canonical system
// messages, which the messages array must not contain.
func collectSystem(system string, messages []agent.CompletionMessage) string {
	parts := make([]string, 0, 2)
	if system != "" {
		parts = append(parts, system)
	}
	for _, msg := range messages {
		if msg.Role == "system" && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// convertAnthropicMessages maps canonical messages onto content blocks.
// Tool roles fold into user messages carrying tool_result blocks.
func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, att := range msg.Attachments {
			if block, ok := attachmentBlock(att); ok {
				content = append(content, block)
			}
		}

		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}

		for _, toolCall := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(
				toolCall.ID,
				parseToolInput(toolCall.Input),
				toolCall.Name,
			))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

// parseToolInput parses the raw argument string, wrapping malformed JSON as
// {"raw": <string>} rather than failing the whole request.
func parseToolInput(raw json.RawMessage) map[string]any {
	var input map[string]any
	if len(raw) == 0 {
		return map[string]any{}
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return input
}

// attachmentBlock converts an image attachment. Data-URLs become base64
// image blocks; anything else becomes a text placeholder because the
// messages protocol needs inline bytes.
func attachmentBlock(att models.Attachment) (anthropic.ContentBlockParamUnion, bool) {
	if att.Type != "image" && !strings.HasPrefix(att.MimeType, "image/") {
		return anthropic.ContentBlockParamUnion{}, false
	}
	if mediaType, data, ok := parseDataURL(att.URL); ok {
		if mt, ok := imageMediaType(mediaType); ok {
			return anthropic.ContentBlockParamUnion{
				OfImage: &anthropic.ImageBlockParam{
					Source: anthropic.ImageBlockParamSourceUnion{
						OfBase64: &anthropic.Base64ImageSourceParam{
							Data:      data,
							MediaType: mt,
						},
					},
				},
			}, true
		}
	}
	if att.URL != "" {
		return anthropic.NewTextBlock(fmt.Sprintf("[image attachment: %s]", att.URL)), true
	}
	return anthropic.ContentBlockParamUnion{}, false
}

func imageMediaType(mediaType string) (anthropic.Base64ImageSourceMediaType, bool) {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, true
	default:
		return "", false
	}
}

func parseDataURL(raw string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, parts[1], true
}

func convertAnthropicTools(tools []agent.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) wrapError(model string, err error) *agent.ProviderError {
	pe := &agent.ProviderError{
		Provider: p.name,
		Model:    model,
		Message:  err.Error(),
		Cause:    err,
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.StatusCode
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
				pe.Message = payload.Error.Message
			}
		}
	}
	return pe
}
