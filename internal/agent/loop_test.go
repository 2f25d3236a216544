package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/agentd/internal/actions"
	"github.com/haasonsaas/agentd/internal/config"
	"github.com/haasonsaas/agentd/internal/contextprep"
	"github.com/haasonsaas/agentd/internal/usage"
	"github.com/haasonsaas/agentd/pkg/models"
)

// scriptedProvider replays canned chunk scripts, one per Complete call.
type scriptedProvider struct {
	name  string
	turns [][]*CompletionChunk
	errs  []error
	calls int
	tag   bool
	block bool
}

func (p *scriptedProvider) Name() string       { return p.name }
func (p *scriptedProvider) TagReasoning() bool { return p.tag }

func (p *scriptedProvider) Complete(ctx context.Context, _ *CompletionRequest) (<-chan *CompletionChunk, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if p.block {
		// Never produces chunks; the consumer must bail out on ctx.
		return make(chan *CompletionChunk), nil
	}
	var script []*CompletionChunk
	if i < len(p.turns) {
		script = p.turns[i]
	} else {
		script = []*CompletionChunk{{Text: "out of script"}, {Done: true}}
	}
	ch := make(chan *CompletionChunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type loopHarness struct {
	loop    *ChatLoop
	runtime *config.Runtime
	journal *actions.Journal
}

func loopTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Agent.Model = "test/model-one"
	cfg.Run.ApprovalMode = "off"
	return cfg
}

func newLoopHarness(t *testing.T, provider *scriptedProvider, extra map[string]LLMProvider, tools ...Tool) *loopHarness {
	return newLoopHarnessCfg(t, loopTestConfig(), provider, extra, tools...)
}

func newLoopHarnessCfg(t *testing.T, cfg *config.Config, provider *scriptedProvider, extra map[string]LLMProvider, tools ...Tool) *loopHarness {
	t.Helper()

	runtime := config.NewRuntime(cfg)

	journal, err := actions.OpenJournal(":memory:")
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	approvals := NewApprovalGate()
	registry := NewToolRegistry(journal, approvals, nil)
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	providers := ProviderSet{"test": provider}
	for name, p := range extra {
		providers[name] = p
	}

	tracker := usage.NewTracker()
	loop := NewChatLoop(LoopOptions{
		Runtime:    runtime,
		Agent:      cfg.Agent,
		Providers:  providers,
		Registry:   registry,
		Preparer:   contextprep.New(contextprep.Options{Store: contextprep.NewMemoryStore()}),
		Supervisor: NewRunSupervisor(),
		Tracker:    tracker,
		Spend:      usage.NewSpendGuard(tracker),
	})
	return &loopHarness{loop: loop, runtime: runtime, journal: journal}
}

// drain collects all run events, failing the test on a stall.
func drain(t *testing.T, events <-chan *models.Event) []*models.Event {
	t.Helper()
	var out []*models.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("run stalled after %d events", len(out))
		}
	}
}

func eventsOfType(events []*models.Event, typ models.EventType) []*models.Event {
	var out []*models.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func lastEvent(t *testing.T, events []*models.Event) *models.Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	return events[len(events)-1]
}

func assertSingleTerminal(t *testing.T, events []*models.Event, typ models.EventType) {
	t.Helper()
	terminals := 0
	for _, ev := range events {
		if ev.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly 1 terminal event, got %d", terminals)
	}
	if last := lastEvent(t, events); last.Type != typ {
		t.Fatalf("last event = %s, want %s", last.Type, typ)
	}
}

func TestLoopSingleTurn(t *testing.T) {
	provider := &scriptedProvider{name: "test", turns: [][]*CompletionChunk{
		{{Text: "Hello "}, {Text: "world"}, {InputTokens: 10, OutputTokens: 2}, {Done: true}},
	}}
	h := newLoopHarness(t, provider, nil)

	events, err := h.loop.Run(context.Background(), &ChatRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	all := drain(t, events)

	if all[0].Type != models.EventRunStart {
		t.Errorf("first event = %s, want run_start", all[0].Type)
	}
	if !strings.HasPrefix(all[0].RunID, "run-") {
		t.Errorf("run id %q missing prefix", all[0].RunID)
	}

	var streamed strings.Builder
	for _, ev := range eventsOfType(all, models.EventToken) {
		streamed.WriteString(ev.Content)
	}
	if streamed.String() != "Hello world" {
		t.Errorf("streamed = %q", streamed.String())
	}

	assertSingleTerminal(t, all, models.EventDone)
	done := lastEvent(t, all)
	if done.Content != "Hello world" {
		t.Errorf("done content = %q", done.Content)
	}
	if done.Usage == nil || done.Usage.PromptTokens != 10 || done.Usage.CompletionTokens != 2 {
		t.Errorf("done usage = %+v", done.Usage)
	}
}

func TestLoopToolCallThenAnswer(t *testing.T) {
	provider := &scriptedProvider{name: "test", turns: [][]*CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "tc1", Name: "write", Input: json.RawMessage(`{"path":"a"}`)}}, {Done: true}},
		{{Text: "written"}, {Done: true}},
	}}

	tool := &reversibleEcho{}
	tool.name = "write"
	tool.category = models.CategoryMutate
	tool.plan = &models.Reversal{Tool: "restore", Input: json.RawMessage(`{}`)}

	h := newLoopHarness(t, provider, nil, tool)

	events, err := h.loop.Run(context.Background(), &ChatRequest{Message: "write a file"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	all := drain(t, events)

	calls := eventsOfType(all, models.EventToolCall)
	if len(calls) != 1 || calls[0].ToolName != "write" {
		t.Fatalf("tool_call events = %+v", calls)
	}
	results := eventsOfType(all, models.EventToolResult)
	if len(results) != 1 || results[0].ToolCallID != "tc1" {
		t.Fatalf("tool_result events = %+v", results)
	}
	assertSingleTerminal(t, all, models.EventDone)
	if lastEvent(t, all).Content != "written" {
		t.Errorf("done content = %q", lastEvent(t, all).Content)
	}

	// Both iterations visible as progress events.
	if got := len(eventsOfType(all, models.EventProgress)); got != 2 {
		t.Errorf("progress events = %d, want 2", got)
	}

	recs, _ := h.journal.List(actions.Filter{})
	if len(recs) != 1 || recs[0].Tool != "write" {
		t.Fatalf("journal = %+v", recs)
	}
}

func TestLoopUndoGuaranteeBlock(t *testing.T) {
	provider := &scriptedProvider{name: "test", turns: [][]*CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "tc1", Name: "wipe", Input: json.RawMessage(`{}`)}}, {Done: true}},
		{{Text: "could not do it"}, {Done: true}},
	}}

	tool := &categorizedEcho{}
	tool.name = "wipe"
	tool.category = models.CategoryMutate

	h := newLoopHarness(t, provider, nil, tool)

	events, err := h.loop.Run(context.Background(), &ChatRequest{Message: "wipe it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	all := drain(t, events)

	warnings := eventsOfType(all, models.EventWarning)
	if len(warnings) != 1 || warnings[0].Code != "undo_guarantee_blocked" {
		t.Fatalf("warnings = %+v", warnings)
	}
	// The model still receives a tool_result so the loop can continue.
	results := eventsOfType(all, models.EventToolResult)
	if len(results) != 1 || !strings.Contains(results[0].Result, "blockedByUndoGuarantee") {
		t.Fatalf("tool_result = %+v", results)
	}
	assertSingleTerminal(t, all, models.EventDone)
}

func TestLoopFallbackOnRetryableError(t *testing.T) {
	primary := &scriptedProvider{name: "test", errs: []error{
		&ProviderError{Provider: "test", Model: "model-one", StatusCode: 429, Message: "rate limited"},
	}}
	backup := &scriptedProvider{name: "backup", turns: [][]*CompletionChunk{
		{{Text: "from backup"}, {Done: true}},
	}}

	cfg := loopTestConfig()
	cfg.Agent.Fallbacks = []string{"backup/model-two"}
	h := newLoopHarnessCfg(t, cfg, primary, map[string]LLMProvider{"backup": backup})

	events, err := h.loop.Run(context.Background(), &ChatRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	all := drain(t, events)

	fallbacks := eventsOfType(all, models.EventFallback)
	if len(fallbacks) != 1 || fallbacks[0].Model != "test/model-one" {
		t.Fatalf("fallback events = %+v", fallbacks)
	}
	assertSingleTerminal(t, all, models.EventDone)
	if lastEvent(t, all).Content != "from backup" {
		t.Errorf("done content = %q", lastEvent(t, all).Content)
	}
}

func TestLoopAllFallbacksFail(t *testing.T) {
	primary := &scriptedProvider{name: "test", errs: []error{
		&ProviderError{Provider: "test", Model: "model-one", StatusCode: 429, Message: "rate limited"},
	}}
	backup := &scriptedProvider{name: "backup", errs: []error{
		&ProviderError{Provider: "backup", Model: "model-two", StatusCode: 500, Message: "upstream down"},
	}}

	cfg := loopTestConfig()
	cfg.Agent.Fallbacks = []string{"backup/model-two"}
	h := newLoopHarnessCfg(t, cfg, primary, map[string]LLMProvider{"backup": backup})

	events, err := h.loop.Run(context.Background(), &ChatRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	all := drain(t, events)

	// One fallback hop to the backup, then no candidates remain: the last
	// failure becomes the terminal error.
	fallbacks := eventsOfType(all, models.EventFallback)
	if len(fallbacks) != 1 || fallbacks[0].Model != "test/model-one" {
		t.Fatalf("fallback events = %+v", fallbacks)
	}
	assertSingleTerminal(t, all, models.EventError)
	if lastEvent(t, all).Code != "server_error" {
		t.Errorf("error code = %q, want server_error", lastEvent(t, all).Code)
	}
}

func TestLoopNonRetryableErrorIsTerminal(t *testing.T) {
	provider := &scriptedProvider{name: "test", errs: []error{
		&ProviderError{Provider: "test", Model: "model-one", StatusCode: 401, Message: "bad key"},
	}}
	h := newLoopHarness(t, provider, nil)

	events, err := h.loop.Run(context.Background(), &ChatRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	all := drain(t, events)

	assertSingleTerminal(t, all, models.EventError)
	if lastEvent(t, all).Code != "auth" {
		t.Errorf("error code = %q, want auth", lastEvent(t, all).Code)
	}
}

func TestLoopIterationCap(t *testing.T) {
	// Every turn asks for another tool call; the cap must end the run.
	turns := make([][]*CompletionChunk, 8)
	for i := range turns {
		turns[i] = []*CompletionChunk{
			{ToolCall: &models.ToolCall{ID: "tc", Name: "lookup", Input: json.RawMessage(`{}`)}},
			{Done: true},
		}
	}
	provider := &scriptedProvider{name: "test", turns: turns}
	tool := &echoTool{name: "lookup"}

	h := newLoopHarness(t, provider, nil, tool)
	h.runtime.SetMaxIterations(2)

	events, err := h.loop.Run(context.Background(), &ChatRequest{Message: "loop forever"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	all := drain(t, events)

	warnings := eventsOfType(all, models.EventWarning)
	found := false
	for _, w := range warnings {
		if w.Code == "max_iterations_reached" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing max_iterations_reached warning: %+v", warnings)
	}
	assertSingleTerminal(t, all, models.EventDone)
	if got := len(eventsOfType(all, models.EventProgress)); got != 2 {
		t.Errorf("progress events = %d, want 2", got)
	}
}

func TestLoopAborted(t *testing.T) {
	provider := &scriptedProvider{name: "test", block: true}
	h := newLoopHarness(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := h.loop.Run(ctx, &ChatRequest{Message: "hang"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cancel()
	all := drain(t, events)

	assertSingleTerminal(t, all, models.EventAborted)
}

func TestLoopDaemonBlocked(t *testing.T) {
	h := newLoopHarness(t, &scriptedProvider{name: "test"}, nil)
	h.runtime.SetOperationMode(config.OperationMaintenance)

	_, err := h.loop.Run(context.Background(), &ChatRequest{Message: "hi"})
	if !errors.Is(err, ErrDaemonBlocked) {
		t.Fatalf("err = %v, want ErrDaemonBlocked", err)
	}
}

func TestLoopSpendLimitPreflight(t *testing.T) {
	h := newLoopHarness(t, &scriptedProvider{name: "test"}, nil)
	h.runtime.SetDailyBudget(0.01)
	h.runtime.SetSpendPaused(true)

	_, err := h.loop.Run(context.Background(), &ChatRequest{Message: "hi"})
	if !errors.Is(err, usage.ErrSpendLimit) {
		t.Fatalf("err = %v, want ErrSpendLimit", err)
	}
}

func TestLoopInvalidAttachment(t *testing.T) {
	h := newLoopHarness(t, &scriptedProvider{name: "test"}, nil)

	_, err := h.loop.Run(context.Background(), &ChatRequest{
		Message:     "look at this",
		Attachments: []models.Attachment{{Type: "image", URL: "ftp://example.com/x.png"}},
	})
	if !errors.Is(err, ErrAttachmentInvalid) {
		t.Fatalf("err = %v, want ErrAttachmentInvalid", err)
	}
}

func TestLoopDirectivesOnly(t *testing.T) {
	h := newLoopHarness(t, &scriptedProvider{name: "test"}, nil)

	events, err := h.loop.Run(context.Background(), &ChatRequest{Message: "/think high"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	all := drain(t, events)

	applied := eventsOfType(all, models.EventDirectiveApplied)
	if len(applied) != 1 || applied[0].Code != "think" {
		t.Fatalf("directive events = %+v", applied)
	}
	assertSingleTerminal(t, all, models.EventDone)

	// The directive mutated the runtime; no LLM call happened.
	if h.runtime.Snapshot().ThinkingLevel != config.ThinkingHigh {
		t.Error("thinking level not applied")
	}
}

func TestLoopTagReasoningSplit(t *testing.T) {
	provider := &scriptedProvider{name: "test", tag: true, turns: [][]*CompletionChunk{
		{{Text: "<think>pondering</think>the answer"}, {Done: true}},
	}}
	h := newLoopHarness(t, provider, nil)
	h.runtime.SetThinking(config.ThinkingLow, config.VisibilityStream)

	events, err := h.loop.Run(context.Background(), &ChatRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	all := drain(t, events)

	thinking := eventsOfType(all, models.EventThinking)
	if len(thinking) == 0 || thinking[0].Content != "pondering" {
		t.Fatalf("thinking events = %+v", thinking)
	}
	if lastEvent(t, all).Content != "the answer" {
		t.Errorf("done content = %q", lastEvent(t, all).Content)
	}
	// Raw tags never reach token events.
	for _, ev := range eventsOfType(all, models.EventToken) {
		if strings.Contains(ev.Content, "<think>") {
			t.Errorf("raw tag leaked into token event: %q", ev.Content)
		}
	}
}

func TestLoopSpendCapMidRunSkipsToolCalls(t *testing.T) {
	provider := &scriptedProvider{name: "test", turns: [][]*CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "tc1", Name: "lookup", Input: json.RawMessage(`{}`)}}, {Done: true}},
	}}
	tool := &echoTool{name: "lookup"}
	h := newLoopHarness(t, provider, nil, tool)

	// Budget already burned, but auto-pause is off so the run starts.
	h.runtime.SetDailyBudget(0.01)
	h.loop.tracker.Record(usage.Record{Provider: "test", Model: "model-one", CostUSD: 1})

	events, err := h.loop.Run(context.Background(), &ChatRequest{Message: "spend"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	all := drain(t, events)

	warned := false
	for _, w := range eventsOfType(all, models.EventWarning) {
		if w.Code == "spend_limit_reached" {
			warned = true
		}
	}
	if !warned {
		t.Fatal("missing spend_limit_reached warning")
	}
	// The pending tool call is skipped entirely.
	if got := len(eventsOfType(all, models.EventToolCall)); got != 0 {
		t.Errorf("tool calls executed despite spend cap: %d", got)
	}
	assertSingleTerminal(t, all, models.EventDone)
	if !strings.Contains(lastEvent(t, all).Content, "spend limit") {
		t.Errorf("done content should carry the note: %q", lastEvent(t, all).Content)
	}
}

func TestMatchesPolling(t *testing.T) {
	patterns := []string{"process.poll", "watch"}

	tests := []struct {
		call models.ToolCall
		want bool
	}{
		{models.ToolCall{Name: "process", Input: json.RawMessage(`{"action":"poll"}`)}, true},
		{models.ToolCall{Name: "process", Input: json.RawMessage(`{"action":"kill"}`)}, false},
		{models.ToolCall{Name: "watch", Input: json.RawMessage(`{}`)}, true},
		{models.ToolCall{Name: "exec", Input: json.RawMessage(`{}`)}, false},
	}
	for _, tt := range tests {
		if got := matchesPolling(patterns, tt.call); got != tt.want {
			t.Errorf("matchesPolling(%s %s) = %v, want %v", tt.call.Name, tt.call.Input, got, tt.want)
		}
	}
}
