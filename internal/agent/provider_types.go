package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agentd/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of one wire dialect (OpenAI-style,
// Anthropic-style) while presenting a single canonical streaming interface
// to the chat loop.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple goroutines may
// call Complete() simultaneously for different runs.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// TagReasoning reports whether this provider's models interleave
	// <think> tags with visible text instead of a native thinking channel.
	TagReasoning() bool
}

// ReasoningEffort maps a thinking level onto providers that accept a
// reasoning-effort knob.
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which model to use. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System is the system prompt. Handled separately from messages in
	// most LLM APIs.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines tool schemas the model may call.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens limits the response length. 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// ReasoningEffort is passed to models with a reasoning-effort knob
	// (capability table in the adapter). Empty means none requested.
	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty"`

	// EnableThinking enables extended thinking for supported models.
	EnableThinking bool `json:"enable_thinking,omitempty"`

	// ThinkingBudgetTokens sets the token budget for extended thinking.
	// Only used when EnableThinking is true.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`
}

// CompletionMessage represents a single message in a conversation.
//
// Role values: "system", "user", "assistant", "tool".
type CompletionMessage struct {
	Role string `json:"role"`

	// Content is the text content (may be empty for tool-only messages).
	Content string `json:"content,omitempty"`

	// ToolCalls contains tool execution requests from the assistant.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolResults contains responses from executed tools.
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`

	// Attachments contains images or files for vision-capable models.
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
//
// Chunks may carry partial text, a complete tool call, thinking text, usage
// counters, a done signal, or an error. Providers always deliver tool calls
// fully assembled; fragment accumulation happens inside the adapter.
type CompletionChunk struct {
	// Text contains partial response text.
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`

	// Thinking contains reasoning text when extended thinking is enabled.
	Thinking      string `json:"thinking,omitempty"`
	ThinkingStart bool   `json:"thinking_start,omitempty"`
	ThinkingEnd   bool   `json:"thinking_end,omitempty"`

	// InputTokens and OutputTokens carry usage counters. They may arrive
	// on any chunk; consumers accumulate them.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Tool defines the interface for executable agent tools.
//
// Implementations are opaque plugins behind the registry. A tool may
// additionally implement CategorizedTool and ReversibleTool to participate
// in the guard stack with more precision than the name heuristics allow.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description returns what the tool does, for the LLM.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON parameters.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// CategorizedTool declares the tool's side-effect category explicitly.
// Tools without it are classified by a name heuristic.
type CategorizedTool interface {
	Tool
	Category() models.ActionCategory
}

// ReversibleTool can produce a reversal plan for a given invocation before
// it executes. A nil plan means this particular invocation is irreversible.
type ReversibleTool interface {
	Tool
	ReversalFor(params json.RawMessage) *models.Reversal
}

// ToolResult contains the output from a tool execution. Errors are
// communicated with IsError=true so the LLM can handle failures gracefully.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`

	// Reversal refines the pre-execution reversal plan with state captured
	// during execution.
	Reversal *models.Reversal `json:"-"`
}

// ToolDefinition is the immutable schema snapshot handed to providers and
// clients.
type ToolDefinition struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Schema      json.RawMessage       `json:"schema"`
	Category    models.ActionCategory `json:"category"`
	Undoable    bool                  `json:"undoable"`
}
