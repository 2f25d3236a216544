// Package contextprep builds the working message list for each LLM call:
// history retrieval, system prompt synthesis, and compaction triggering.
package contextprep

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/haasonsaas/agentd/pkg/models"
)

// HistoryStore is the opaque session transcript store. Writes within a
// session are serialized by the store; this package never reorders them.
type HistoryStore interface {
	GetHistory(ctx context.Context, sessionID string) ([]models.Message, error)
	AppendMessage(ctx context.Context, msg models.Message) error
	ClearSession(ctx context.Context, sessionID string) error
}

// Compactor shrinks an oversized history. The core only decides when to
// invoke it and reports the outcome.
type Compactor interface {
	Compact(ctx context.Context, msgs []models.Message, targetTokens int) ([]models.Message, error)
}

// CompactionStats reports one compaction pass for the compaction event.
type CompactionStats struct {
	MessagesBefore  int `json:"messages_before"`
	MessagesAfter   int `json:"messages_after"`
	EstimatedTokens int `json:"estimated_tokens"`
	TargetTokens    int `json:"target_tokens"`
}

// Facts are the runtime details rendered into the system prompt. Captured
// per iteration so mid-run directive changes show up immediately.
type Facts struct {
	AgentName     string
	BasePrompt    string
	Provider      string
	Model         string
	Workspace     string
	EconomyMode   bool
	UndoGuarantee bool
	ToolDigest    []string
	SkillHints    []string
}

// Preparer assembles the per-iteration context.
type Preparer struct {
	store     HistoryStore
	compactor Compactor
	logger    *slog.Logger

	maxTokens         int
	compactionTrigger int
}

// Options configures a Preparer.
type Options struct {
	Store     HistoryStore
	Compactor Compactor // nil uses the middle-drop default
	Logger    *slog.Logger

	// MaxTokens is the compaction target; CompactionTrigger is the
	// estimated size at which compaction runs. Zero disables compaction.
	MaxTokens         int
	CompactionTrigger int
}

// New creates a Preparer.
func New(opts Options) *Preparer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Compactor == nil {
		opts.Compactor = middleDropCompactor{}
	}
	return &Preparer{
		store:             opts.Store,
		compactor:         opts.Compactor,
		logger:            opts.Logger,
		maxTokens:         opts.MaxTokens,
		compactionTrigger: opts.CompactionTrigger,
	}
}

// Prepare returns the rendered system prompt, the session history ready for
// the provider, and compaction stats when a pass ran.
func (p *Preparer) Prepare(ctx context.Context, sessionID string, facts Facts) (string, []models.Message, *CompactionStats, error) {
	history, err := p.store.GetHistory(ctx, sessionID)
	if err != nil {
		return "", nil, nil, fmt.Errorf("load history: %w", err)
	}

	system := RenderSystemPrompt(facts)

	var stats *CompactionStats
	if p.compactionTrigger > 0 {
		estimated := EstimateTokens(history) + estimateText(system)
		if estimated > p.compactionTrigger {
			compacted, err := p.compactor.Compact(ctx, history, p.maxTokens)
			if err != nil {
				p.logger.Warn("compaction failed, continuing with full history",
					"session_id", sessionID, "error", err)
			} else {
				stats = &CompactionStats{
					MessagesBefore:  len(history),
					MessagesAfter:   len(compacted),
					EstimatedTokens: estimated,
					TargetTokens:    p.maxTokens,
				}
				history = compacted
			}
		}
	}
	return system, history, stats, nil
}

// Append writes one message to the session history.
func (p *Preparer) Append(ctx context.Context, msg models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return p.store.AppendMessage(ctx, msg)
}

// Reset clears the session history.
func (p *Preparer) Reset(ctx context.Context, sessionID string) error {
	return p.store.ClearSession(ctx, sessionID)
}

// RenderSystemPrompt builds the leading system message from the agent
// identity and runtime facts.
func RenderSystemPrompt(facts Facts) string {
	var b strings.Builder

	if facts.BasePrompt != "" {
		b.WriteString(facts.BasePrompt)
		b.WriteString("\n\n")
	} else {
		fmt.Fprintf(&b, "You are %s, a local agent daemon.\n\n", facts.AgentName)
	}

	b.WriteString("## Runtime\n")
	fmt.Fprintf(&b, "- Model: %s (%s)\n", facts.Model, facts.Provider)
	fmt.Fprintf(&b, "- OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if facts.Workspace != "" {
		fmt.Fprintf(&b, "- Workspace: %s\n", facts.Workspace)
	}
	if facts.EconomyMode {
		b.WriteString("- Economy mode is on: be brief, avoid speculative tool calls.\n")
	}
	if facts.UndoGuarantee {
		b.WriteString("- Undo guarantee is on: irreversible actions will be blocked. Prefer reversible tools.\n")
	}

	if len(facts.ToolDigest) > 0 {
		b.WriteString("\n## Tools\n")
		for _, line := range facts.ToolDigest {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	if len(facts.SkillHints) > 0 {
		b.WriteString("\n## Relevant skills\n")
		for _, hint := range facts.SkillHints {
			fmt.Fprintf(&b, "- %s\n", hint)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// EstimateTokens estimates the token footprint of a history slice using the
// usual 4 characters per token approximation.
func EstimateTokens(msgs []models.Message) int {
	total := 0
	for _, msg := range msgs {
		total += estimateText(msg.Content)
		for _, tc := range msg.ToolCalls {
			total += estimateText(tc.Name) + estimateText(string(tc.Input))
		}
		for _, tr := range msg.ToolResults {
			total += estimateText(tr.Content)
		}
		total += 4 // role and framing overhead
	}
	return total
}

func estimateText(s string) int {
	return len(s) / 4
}

// middleDropCompactor keeps the oldest and newest turns and drops the
// middle until the estimate fits the target.
type middleDropCompactor struct{}

func (middleDropCompactor) Compact(_ context.Context, msgs []models.Message, targetTokens int) ([]models.Message, error) {
	if targetTokens <= 0 || len(msgs) <= 4 {
		return msgs, nil
	}

	// Always keep the first exchange and the most recent turns.
	head, tail := 2, 2
	kept := append([]models.Message(nil), msgs...)
	for EstimateTokens(kept) > targetTokens && len(kept) > head+tail {
		// Drop the oldest middle message.
		kept = append(kept[:head], kept[head+1:]...)
	}
	return kept, nil
}
