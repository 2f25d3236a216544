// Package agent implements the chat orchestration core: the iterative
// LLM and tool loop, the guard stack, run supervision, and the canonical
// provider types.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentd/internal/config"
	"github.com/haasonsaas/agentd/internal/contextprep"
	"github.com/haasonsaas/agentd/internal/observability"
	"github.com/haasonsaas/agentd/internal/usage"
	"github.com/haasonsaas/agentd/pkg/models"
)

// ProviderSet resolves configured providers by name.
type ProviderSet map[string]LLMProvider

// SkillSuggester searches an external skills service for hints relevant to
// the prompt. Calls are bounded by the loop's discovery timeout.
type SkillSuggester interface {
	Suggest(ctx context.Context, message string) ([]string, error)
}

// DriftDetector scores a prompt against the session's alignment baseline.
// When drifted, the returned stabilizer is injected as a system message.
type DriftDetector interface {
	Check(ctx context.Context, sessionID, message string) (stabilizer string, drifted bool)
}

// skillDiscoveryTimeout is the hard ceiling on auto skill discovery.
const skillDiscoveryTimeout = 8 * time.Second

// ChatRequest is one inbound chat prompt.
type ChatRequest struct {
	Message     string              `json:"message"`
	SessionID   string              `json:"sessionId,omitempty"`
	AgentID     string              `json:"agentId,omitempty"`
	Model       string              `json:"model,omitempty"` // request-scoped "provider/model" override
	Attachments []models.Attachment `json:"attachments,omitempty"`

	// SwarmMode is accepted for wire compatibility with clients that
	// request multi-agent fan-out; this daemon runs every chat single-agent
	// and ignores the flag.
	SwarmMode bool `json:"swarmMode,omitempty"`
}

// ChatLoop drives the iterative LLM and tool loop for chat runs. One loop
// instance serves all runs; per-run state lives on the stack of Run.
type ChatLoop struct {
	runtime    *config.Runtime
	agent      config.AgentConfig
	providers  ProviderSet
	registry   *ToolRegistry
	preparer   *contextprep.Preparer
	supervisor *RunSupervisor
	tracker    *usage.Tracker
	spend      *usage.SpendGuard
	policy     *ToolPolicy
	skills     SkillSuggester
	drift      DriftDetector
	logger     *slog.Logger
}

// LoopOptions wires a ChatLoop. Skills and Drift are optional.
type LoopOptions struct {
	Runtime    *config.Runtime
	Agent      config.AgentConfig
	Providers  ProviderSet
	Registry   *ToolRegistry
	Preparer   *contextprep.Preparer
	Supervisor *RunSupervisor
	Tracker    *usage.Tracker
	Spend      *usage.SpendGuard
	Policy     *ToolPolicy
	Skills     SkillSuggester
	Drift      DriftDetector
	Logger     *slog.Logger
}

// NewChatLoop creates the loop.
func NewChatLoop(opts LoopOptions) *ChatLoop {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ChatLoop{
		runtime:    opts.Runtime,
		agent:      opts.Agent,
		providers:  opts.Providers,
		registry:   opts.Registry,
		preparer:   opts.Preparer,
		supervisor: opts.Supervisor,
		tracker:    opts.Tracker,
		spend:      opts.Spend,
		policy:     opts.Policy,
		skills:     opts.Skills,
		drift:      opts.Drift,
		logger:     opts.Logger,
	}
}

// Run starts one chat run. Pre-flight failures (operation mode, spend
// budget, attachments) return an error before any event is emitted so the
// transport can map them onto status codes. Once the channel is returned,
// all outcomes arrive as events ending in exactly one terminal.
func (l *ChatLoop) Run(ctx context.Context, req *ChatRequest) (<-chan *models.Event, error) {
	snap := l.runtime.Snapshot()

	if snap.OperationMode != config.OperationNormal {
		return nil, ErrDaemonBlocked
	}
	if err := l.spend.PreRunCheck(spendSettings(snap)); err != nil {
		return nil, err
	}

	// Directives parse strictly before attachment validation.
	directives, remaining := ParseDirectives(req.Message)
	if err := validateAttachments(req.Attachments); err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	runID := l.supervisor.NewRunID()
	runCtx, _ := l.supervisor.Register(ctx, runID, sessionID)

	events := make(chan *models.Event, 64)
	go l.run(runCtx, events, runID, sessionID, req, snap, directives, remaining)
	return events, nil
}

// emitter serializes event emission for one run and enforces the terminal
// contract: exactly one of done|aborted|error, silence afterwards.
type emitter struct {
	events   chan<- *models.Event
	runID    string
	session  string
	terminal bool
}

func (e *emitter) emit(ev *models.Event) {
	if e.terminal {
		return
	}
	ev.RunID = e.runID
	ev.SessionID = e.session
	if ev.Terminal() {
		e.terminal = true
	}
	e.events <- ev
}

func (l *ChatLoop) run(ctx context.Context, events chan<- *models.Event, runID, sessionID string, req *ChatRequest, snap config.Snapshot, directives []Directive, message string) {
	em := &emitter{events: events, runID: runID, session: sessionID}
	iterations := 0
	status := "done"
	defer func() {
		observability.ObserveRun(status, iterations)
		l.registry.Approvals().EndRun(runID)
		l.supervisor.Deregister(runID)
		close(events)
	}()

	em.emit(&models.Event{Type: models.EventRunStart})
	em.emit(&models.Event{Type: models.EventSessionInfo, Meta: map[string]any{
		"model": l.modelRef(req, snap),
		"mode":  string(snap.Mode),
	}})

	// Approval waits surface as events on this run's stream.
	l.registry.Approvals().SetOnPending(runID, func(p PendingApproval) {
		em.emit(&models.Event{
			Type:       models.EventApprovalPending,
			ApprovalID: p.ID,
			ToolName:   p.Tool,
			Input:      p.Input,
		})
	})

	snap = l.applyDirectives(ctx, em, sessionID, snap, directives)

	// A directives-only message skips the LLM entirely.
	if strings.TrimSpace(message) == "" && len(req.Attachments) == 0 {
		em.emit(&models.Event{Type: models.EventDone, Meta: map[string]any{"directives_only": true}})
		return
	}

	if err := l.preparer.Append(ctx, models.Message{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Role:        models.RoleUser,
		Content:     message,
		Attachments: req.Attachments,
	}); err != nil {
		status = "error"
		em.emit(&models.Event{Type: models.EventError, Code: "history_write_failed", Message: err.Error()})
		return
	}

	facts := l.baseFacts(req, snap)
	facts.SkillHints = l.discoverSkills(ctx, em, message)
	stabilizer := l.detectDrift(ctx, em, sessionID, message)

	tally := &models.UsageTotals{}
	maxIterations := snap.EffectiveMaxIterations()
	gc := GuardContext{
		RunID:             runID,
		SessionID:         sessionID,
		AllowIrreversible: snap.AllowIrreversibleActions,
		ApprovalMode:      snap.EffectiveApprovalMode(),
		BypassPermissions: snap.BypassAllPermissions,
		ResultLimit:       snap.EffectiveToolResultLimit(),
	}

	for iterations < maxIterations {
		if ctx.Err() != nil {
			status = "aborted"
			em.emit(&models.Event{Type: models.EventAborted})
			return
		}
		iterations++
		em.emit(&models.Event{Type: models.EventProgress, Iteration: iterations, MaxIterations: maxIterations})

		system, history, compaction, err := l.preparer.Prepare(ctx, sessionID, facts)
		if err != nil {
			status = "error"
			em.emit(&models.Event{Type: models.EventError, Code: "context_prepare_failed", Message: err.Error()})
			return
		}
		if compaction != nil {
			em.emit(&models.Event{Type: models.EventCompaction, Meta: map[string]any{
				"messages_before":  compaction.MessagesBefore,
				"messages_after":   compaction.MessagesAfter,
				"estimated_tokens": compaction.EstimatedTokens,
			}})
		}
		if stabilizer != "" {
			system += "\n\n" + stabilizer
		}

		turn, ok := l.completeWithFallback(ctx, em, req, snap, system, history, tally)
		if !ok {
			if ctx.Err() != nil {
				status = "aborted"
				em.emit(&models.Event{Type: models.EventAborted})
			} else {
				status = "error"
			}
			return
		}

		l.recordUsage(runID, turn)

		// Spend re-check after the completion: pending tool calls are
		// skipped and the run ends cleanly with a note.
		if len(turn.toolCalls) > 0 && l.spend.ExceededAfter(spendSettings(snap)) {
			note := "\n\n[Stopping here: the daily spend limit was reached. Pending tool calls were not executed.]"
			turn.content += note
			em.emit(&models.Event{Type: models.EventToken, Content: note})
			em.emit(&models.Event{Type: models.EventWarning, Code: "spend_limit_reached",
				Message: "daily spend limit reached; pending tool calls skipped",
				Meta:    map[string]any{"spend": l.spend.Snapshot(spendSettings(snap))},
			})
			l.appendAssistant(ctx, sessionID, turn.content, nil)
			em.emit(&models.Event{Type: models.EventDone, Content: turn.content, Usage: tally,
				Meta: map[string]any{"iterations": iterations}})
			return
		}

		if len(turn.toolCalls) == 0 {
			l.appendAssistant(ctx, sessionID, turn.content, nil)
			em.emit(&models.Event{Type: models.EventDone, Content: turn.content, Usage: tally,
				Meta: map[string]any{"iterations": iterations}})
			return
		}

		l.appendAssistant(ctx, sessionID, turn.content, turn.toolCalls)

		aborted, fatal := l.executeToolCalls(ctx, em, gc, sessionID, turn.toolCalls, iterations, maxIterations)
		if aborted {
			status = "aborted"
			em.emit(&models.Event{Type: models.EventAborted})
			return
		}
		if fatal {
			status = "error"
			return
		}

		// Polling-only iterations do not consume the budget.
		if l.pollingOnly(snap, turn.toolCalls) {
			iterations--
		}
	}

	em.emit(&models.Event{Type: models.EventWarning, Code: "max_iterations_reached",
		Message: fmt.Sprintf("stopped after %d iterations", maxIterations),
		Meta:    map[string]any{"mode": string(snap.Mode), "max_iterations": maxIterations},
	})
	em.emit(&models.Event{Type: models.EventDone, Usage: tally,
		Meta: map[string]any{"iterations": maxIterations, "capped": true}})
}

// turnResult is the outcome of one LLM completion.
type turnResult struct {
	content      string
	toolCalls    []models.ToolCall
	provider     string
	model        string
	inputTokens  int
	outputTokens int
}

// completeWithFallback walks the fallback list until a candidate streams
// successfully. Retryable failures emit fallback events; non-retryable or
// exhausted failures emit the terminal error.
func (l *ChatLoop) completeWithFallback(ctx context.Context, em *emitter, req *ChatRequest, snap config.Snapshot, system string, history []models.Message, tally *models.UsageTotals) (*turnResult, bool) {
	candidates := append([]string{l.modelRef(req, snap)}, snap.Fallbacks...)

	var lastErr error
	for i, ref := range candidates {
		providerName, model := config.SplitModelRef(ref)
		provider, ok := l.providers[providerName]
		if !ok {
			lastErr = fmt.Errorf("%w: %s", ErrNoProvider, ref)
			if i < len(candidates)-1 {
				em.emit(&models.Event{Type: models.EventFallback, Model: ref, Message: lastErr.Error()})
				continue
			}
			break
		}

		creq := l.buildRequest(snap, provider, model, system, history)
		start := time.Now()
		chunks, err := provider.Complete(ctx, creq)
		if err != nil {
			observability.ObserveLLMRequest(providerName, model, "error", time.Since(start))
			lastErr = err
			if pe, ok := GetProviderError(err); ok && pe.Retryable() && i < len(candidates)-1 {
				em.emit(&models.Event{Type: models.EventFallback, Model: ref, Message: pe.Message})
				continue
			}
			break
		}

		turn, err := l.consumeStream(ctx, em, snap, provider, chunks, tally)
		if err != nil {
			observability.ObserveLLMRequest(providerName, model, "error", time.Since(start))
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil, false
			}
			lastErr = err
			// Retry the next candidate only if the stream died before
			// producing anything the client has seen.
			if pe, ok := GetProviderError(err); ok && pe.Retryable() && turn.content == "" && len(turn.toolCalls) == 0 && i < len(candidates)-1 {
				em.emit(&models.Event{Type: models.EventFallback, Model: ref, Message: pe.Message})
				continue
			}
			break
		}

		observability.ObserveLLMRequest(providerName, model, "success", time.Since(start))
		turn.provider = providerName
		turn.model = model
		return turn, true
	}

	code := "provider_failed"
	message := "all providers failed"
	if pe, ok := GetProviderError(lastErr); ok {
		code = string(pe.Reason())
		message = pe.Error()
		if hint := pe.Hint(); hint != "" {
			message += " (" + hint + ")"
		}
	} else if lastErr != nil {
		message = lastErr.Error()
	}
	em.emit(&models.Event{Type: models.EventError, Code: code, Message: message})
	return nil, false
}

// consumeStream drains one canonical chunk stream, splitting tag reasoning,
// accumulating tool calls, and emitting token, thinking and usage events.
func (l *ChatLoop) consumeStream(ctx context.Context, em *emitter, snap config.Snapshot, provider LLMProvider, chunks <-chan *CompletionChunk, tally *models.UsageTotals) (*turnResult, error) {
	turn := &turnResult{}
	_, visibility := snap.EffectiveThinking()

	var splitter *tagSplitter
	if provider.TagReasoning() {
		splitter = newTagSplitter()
	}
	var thinkingBuf strings.Builder

	handleSegment := func(seg segment) {
		if seg.Thinking {
			if visibility == config.VisibilityStream {
				em.emit(&models.Event{Type: models.EventThinking, Content: seg.Text, Streaming: true})
			} else {
				thinkingBuf.WriteString(seg.Text)
			}
			return
		}
		turn.content += seg.Text
		em.emit(&models.Event{Type: models.EventToken, Content: seg.Text})
	}

	emitUsage := func(in, out int) {
		changed := false
		if in > turn.inputTokens {
			turn.inputTokens = in
			changed = true
		}
		if out > turn.outputTokens {
			turn.outputTokens = out
			changed = true
		}
		if changed {
			snapshot := *tally
			snapshot.Add(turn.inputTokens, turn.outputTokens)
			em.emit(&models.Event{Type: models.EventUsage, Usage: &snapshot})
		}
	}

	finish := func() {
		if splitter != nil {
			for _, seg := range splitter.Flush() {
				handleSegment(seg)
			}
		}
		if thinkingBuf.Len() > 0 && visibility == config.VisibilityOn {
			em.emit(&models.Event{Type: models.EventThinking, Content: thinkingBuf.String(), Streaming: false})
		}
		tally.Add(turn.inputTokens, turn.outputTokens)
	}

	for {
		select {
		case <-ctx.Done():
			return turn, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				finish()
				return turn, nil
			}
			if chunk.Error != nil {
				finish()
				return turn, chunk.Error
			}
			if chunk.Text != "" {
				if splitter != nil {
					for _, seg := range splitter.Feed(chunk.Text) {
						handleSegment(seg)
					}
				} else {
					handleSegment(segment{Text: chunk.Text})
				}
			}
			if chunk.Thinking != "" {
				handleSegment(segment{Thinking: true, Text: chunk.Thinking})
			}
			if chunk.ToolCall != nil {
				tc := *chunk.ToolCall
				if tc.ID == "" {
					tc.ID = uuid.New().String()
				}
				turn.toolCalls = append(turn.toolCalls, tc)
			}
			if chunk.InputTokens > 0 || chunk.OutputTokens > 0 {
				emitUsage(chunk.InputTokens, chunk.OutputTokens)
			}
			if chunk.Done {
				finish()
				return turn, nil
			}
		}
	}
}

// executeToolCalls runs the iteration's tool calls sequentially through the
// guard stack.
func (l *ChatLoop) executeToolCalls(ctx context.Context, em *emitter, gc GuardContext, sessionID string, calls []models.ToolCall, iteration, maxIterations int) (aborted, fatal bool) {
	for _, call := range calls {
		if ctx.Err() != nil {
			return true, false
		}

		em.emit(&models.Event{
			Type:          models.EventToolCall,
			ToolName:      call.Name,
			ToolCallID:    call.ID,
			Input:         call.Input,
			Iteration:     iteration,
			MaxIterations: maxIterations,
		})

		outcome, err := l.registry.GuardedExecute(ctx, gc, call)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return true, false
			}
			em.emit(&models.Event{Type: models.EventError, Code: "tool_failed", Message: err.Error()})
			return false, true
		}

		if outcome.Denied != nil {
			em.emit(&models.Event{
				Type:     models.EventWarning,
				Code:     outcome.Denied.Code,
				Message:  outcome.Denied.Message,
				ToolName: call.Name,
			})
		}

		l.appendToolResult(ctx, sessionID, call.ID, outcome.Result)
		em.emit(&models.Event{
			Type:       models.EventToolResult,
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Result:     outcome.Result.Content,
		})
	}
	return false, false
}

func (l *ChatLoop) applyDirectives(ctx context.Context, em *emitter, sessionID string, snap config.Snapshot, directives []Directive) config.Snapshot {
	for _, d := range directives {
		meta := map[string]any{"directive": d.Name}
		switch d.Name {
		case "think":
			level := config.ThinkingLevel(d.Arg)
			switch level {
			case config.ThinkingOff, config.ThinkingLow, config.ThinkingMedium, config.ThinkingHigh:
				l.runtime.SetThinking(level, "")
				meta["level"] = d.Arg
			default:
				meta["error"] = fmt.Sprintf("unknown thinking level %q", d.Arg)
			}
		case "model":
			if d.Arg != "" {
				l.runtime.SetModel(d.Arg)
				meta["model"] = d.Arg
			}
		case "reset":
			if err := l.preparer.Reset(ctx, sessionID); err != nil {
				meta["error"] = err.Error()
			}
		case "status":
			meta["config"] = map[string]any{
				"mode":           string(snap.Mode),
				"model":          snap.Model,
				"max_iterations": snap.EffectiveMaxIterations(),
				"economy":        snap.Economy.Enabled,
				"approval_mode":  snap.EffectiveApprovalMode(),
			}
			meta["spend"] = l.spend.Snapshot(spendSettings(snap))
		case "help":
			meta["help"] = HelpText()
		}
		em.emit(&models.Event{Type: models.EventDirectiveApplied, Code: d.Name, Meta: meta})
	}
	if len(directives) > 0 {
		// Directives mutate session state; pick up the result.
		return l.runtime.Snapshot()
	}
	return snap
}

func (l *ChatLoop) discoverSkills(ctx context.Context, em *emitter, message string) []string {
	if l.skills == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, skillDiscoveryTimeout)
	defer cancel()
	hints, err := l.skills.Suggest(sctx, message)
	if err != nil || len(hints) == 0 {
		return nil
	}
	em.emit(&models.Event{Type: models.EventWarning, Code: "skills_suggested",
		Message: fmt.Sprintf("%d relevant skills woven into context", len(hints)),
		Meta:    map[string]any{"skills": hints},
	})
	return hints
}

func (l *ChatLoop) detectDrift(ctx context.Context, em *emitter, sessionID, message string) string {
	if l.drift == nil {
		return ""
	}
	stabilizer, drifted := l.drift.Check(ctx, sessionID, message)
	if !drifted {
		return ""
	}
	em.emit(&models.Event{Type: models.EventAlignment,
		Message: "conversation drift detected; stabilizer injected",
	})
	return stabilizer
}

func (l *ChatLoop) buildRequest(snap config.Snapshot, provider LLMProvider, model, system string, history []models.Message) *CompletionRequest {
	creq := &CompletionRequest{
		Model:    model,
		System:   system,
		Messages: toCompletionMessages(history),
		Tools:    l.registry.Definitions(l.policy),
	}

	level, _ := snap.EffectiveThinking()
	switch level {
	case config.ThinkingLow:
		creq.ReasoningEffort = EffortLow
		creq.EnableThinking = true
		creq.ThinkingBudgetTokens = 2048
	case config.ThinkingMedium:
		creq.ReasoningEffort = EffortMedium
		creq.EnableThinking = true
		creq.ThinkingBudgetTokens = 8192
	case config.ThinkingHigh:
		creq.ReasoningEffort = EffortHigh
		creq.EnableThinking = true
		creq.ThinkingBudgetTokens = 32768
	}
	return creq
}

func (l *ChatLoop) modelRef(req *ChatRequest, snap config.Snapshot) string {
	if req.Model != "" {
		return req.Model
	}
	return snap.Model
}

func (l *ChatLoop) baseFacts(req *ChatRequest, snap config.Snapshot) contextprep.Facts {
	providerName, model := config.SplitModelRef(l.modelRef(req, snap))
	digest := make([]string, 0)
	for _, def := range l.registry.Definitions(l.policy) {
		digest = append(digest, fmt.Sprintf("%s: %s", def.Name, def.Description))
	}
	return contextprep.Facts{
		AgentName:     l.agent.Name,
		BasePrompt:    l.agent.SystemPrompt,
		Provider:      providerName,
		Model:         model,
		Workspace:     l.agent.Workspace,
		EconomyMode:   snap.Economy.Enabled,
		UndoGuarantee: !snap.AllowIrreversibleActions,
		ToolDigest:    digest,
	}
}

func (l *ChatLoop) recordUsage(runID string, turn *turnResult) {
	if turn.inputTokens == 0 && turn.outputTokens == 0 {
		return
	}
	l.tracker.Record(usage.Record{
		RunID:    runID,
		Provider: turn.provider,
		Model:    turn.model,
		Usage: usage.Usage{
			InputTokens:  int64(turn.inputTokens),
			OutputTokens: int64(turn.outputTokens),
		},
	})
	observability.ObserveTokens(turn.provider, turn.model, turn.inputTokens, turn.outputTokens)
	observability.Spend24h.Set(l.tracker.Spent24h())
}

func (l *ChatLoop) appendAssistant(ctx context.Context, sessionID, content string, toolCalls []models.ToolCall) {
	err := l.preparer.Append(ctx, models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
	})
	if err != nil {
		l.logger.Warn("failed to persist assistant message", "session_id", sessionID, "error", err)
	}
}

func (l *ChatLoop) appendToolResult(ctx context.Context, sessionID, toolCallID string, result *ToolResult) {
	err := l.preparer.Append(ctx, models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      models.RoleTool,
		ToolResults: []models.ToolResult{{
			ToolCallID: toolCallID,
			Content:    result.Content,
			IsError:    result.IsError,
		}},
	})
	if err != nil {
		l.logger.Warn("failed to persist tool result", "session_id", sessionID, "error", err)
	}
}

// pollingOnly reports whether every call in the iteration matches a
// configured polling pattern. Patterns are either a tool name or
// "tool.action" for multiplexed tools like process.
func (l *ChatLoop) pollingOnly(snap config.Snapshot, calls []models.ToolCall) bool {
	if len(calls) == 0 {
		return false
	}
	for _, call := range calls {
		if !matchesPolling(snap.PollingTools, call) {
			return false
		}
	}
	return true
}

func matchesPolling(patterns []string, call models.ToolCall) bool {
	for _, pat := range patterns {
		name, action, hasAction := strings.Cut(pat, ".")
		if name != call.Name {
			continue
		}
		if !hasAction {
			return true
		}
		var args struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(call.Input, &args); err == nil && args.Action == action {
			return true
		}
	}
	return false
}

func toCompletionMessages(history []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, msg := range history {
		out = append(out, CompletionMessage{
			Role:        string(msg.Role),
			Content:     msg.Content,
			ToolCalls:   msg.ToolCalls,
			ToolResults: msg.ToolResults,
			Attachments: msg.Attachments,
		})
	}
	return out
}

// validateAttachments rejects attachments the providers cannot carry.
func validateAttachments(attachments []models.Attachment) error {
	for _, att := range attachments {
		if att.URL == "" {
			return fmt.Errorf("%w: attachment %q has no URL", ErrAttachmentInvalid, att.Filename)
		}
		switch att.Type {
		case "image", "document", "audio", "video":
		case "":
			return fmt.Errorf("%w: attachment %q has no type", ErrAttachmentInvalid, att.Filename)
		default:
			return fmt.Errorf("%w: unsupported attachment type %q", ErrAttachmentInvalid, att.Type)
		}
		if !strings.HasPrefix(att.URL, "data:") &&
			!strings.HasPrefix(att.URL, "http://") &&
			!strings.HasPrefix(att.URL, "https://") {
			return fmt.Errorf("%w: attachment URL scheme not supported", ErrAttachmentInvalid)
		}
	}
	return nil
}

func spendSettings(snap config.Snapshot) usage.SpendSettings {
	return usage.SpendSettings{
		DailyBudgetUSD: snap.DailyBudgetUSD,
		AutoPause:      snap.DailyBudgetAutoPause,
		Paused:         snap.SpendPaused,
	}
}
