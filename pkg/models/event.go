package models

import "encoding/json"

// EventType identifies the kind of a streamed run event.
type EventType string

const (
	EventRunStart         EventType = "run_start"
	EventSessionInfo      EventType = "session_info"
	EventProgress         EventType = "progress"
	EventToken            EventType = "token"
	EventThinking         EventType = "thinking"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventApprovalPending  EventType = "approval_pending"
	EventWarning          EventType = "warning"
	EventUsage            EventType = "usage"
	EventCompaction       EventType = "compaction"
	EventAlignment        EventType = "alignment"
	EventFallback         EventType = "fallback"
	EventDirectiveApplied EventType = "directive_applied"
	EventAborted          EventType = "aborted"
	EventError            EventType = "error"
	EventDone             EventType = "done"
)

// UsageTotals is the monotonic token tally for a run.
type UsageTotals struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another tally into this one.
func (u *UsageTotals) Add(prompt, completion int) {
	u.PromptTokens += prompt
	u.CompletionTokens += completion
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}

// Event is one frame on the run's server-to-client stream. Fields beyond
// Type are populated per kind and omitted otherwise.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`

	// progress
	Iteration     int `json:"iteration,omitempty"`
	MaxIterations int `json:"max_iterations,omitempty"`

	// token, thinking, done
	Content   string `json:"content,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`

	// tool_call, tool_result, approval_pending
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     string          `json:"result,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`

	// warning, error, fallback, directive_applied
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Model   string `json:"model,omitempty"`

	// usage, done
	Usage *UsageTotals `json:"usage,omitempty"`

	// kind-specific extras (compaction stats, alignment score,
	// directive payloads, spend snapshots)
	Meta map[string]any `json:"meta,omitempty"`
}

// Terminal reports whether the event ends the run stream.
func (e *Event) Terminal() bool {
	switch e.Type {
	case EventDone, EventAborted, EventError:
		return true
	}
	return false
}
