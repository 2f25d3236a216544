package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/haasonsaas/agentd/internal/actions"
	"github.com/haasonsaas/agentd/pkg/models"
)

// echoTool returns its params, optionally categorized and reversible.
type echoTool struct {
	name     string
	category models.ActionCategory
	plan     *models.Reversal
	schema   json.RawMessage
	result   string
	fail     bool
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "echo" }
func (e *echoTool) Schema() json.RawMessage {
	if e.schema != nil {
		return e.schema
	}
	return json.RawMessage(`{"type":"object"}`)
}
func (e *echoTool) Execute(_ context.Context, params json.RawMessage) (*ToolResult, error) {
	if e.fail {
		return &ToolResult{Content: "tool exploded", IsError: true}, nil
	}
	if e.result != "" {
		return &ToolResult{Content: e.result}, nil
	}
	return &ToolResult{Content: string(params)}, nil
}

// categorizedEcho adds an explicit category.
type categorizedEcho struct{ echoTool }

func (c *categorizedEcho) Category() models.ActionCategory { return c.category }

// reversibleEcho adds a static reversal plan.
type reversibleEcho struct{ categorizedEcho }

func (r *reversibleEcho) ReversalFor(json.RawMessage) *models.Reversal { return r.plan }

func newTestRegistry(t *testing.T) (*ToolRegistry, *actions.Journal, *ApprovalGate) {
	t.Helper()
	journal, err := actions.OpenJournal(":memory:")
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })
	approvals := NewApprovalGate()
	return NewToolRegistry(journal, approvals, nil), journal, approvals
}

func TestGuardedExecuteJournalsSuccess(t *testing.T) {
	registry, journal, _ := newTestRegistry(t)

	tool := &reversibleEcho{}
	tool.name = "write"
	tool.category = models.CategoryMutate
	tool.plan = &models.Reversal{Tool: "restore", Input: json.RawMessage(`{}`)}
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	gc := GuardContext{RunID: "r1", ApprovalMode: "off"}
	outcome, err := registry.GuardedExecute(context.Background(), gc, models.ToolCall{
		ID: "tc1", Name: "write", Input: json.RawMessage(`{"path":"x"}`),
	})
	if err != nil {
		t.Fatalf("GuardedExecute: %v", err)
	}
	if outcome.Denied != nil {
		t.Fatalf("unexpected denial: %+v", outcome.Denied)
	}
	if outcome.Result.IsError {
		t.Fatalf("unexpected error result: %s", outcome.Result.Content)
	}

	recs, _ := journal.List(actions.Filter{RunID: "r1"})
	if len(recs) != 1 {
		t.Fatalf("expected 1 journal record, got %d", len(recs))
	}
	rec := recs[0]
	if !rec.Sealed() || !rec.Succeeded() {
		t.Error("record should be sealed and successful")
	}
	if !rec.Undoable || rec.Reversal == nil {
		t.Error("record should carry the reversal plan")
	}
}

func TestGuardedExecuteUndoGateDenial(t *testing.T) {
	registry, journal, _ := newTestRegistry(t)

	tool := &categorizedEcho{}
	tool.name = "drop_tables"
	tool.category = models.CategoryMutate
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	gc := GuardContext{RunID: "r1", ApprovalMode: "off"}
	outcome, err := registry.GuardedExecute(context.Background(), gc, models.ToolCall{
		ID: "tc1", Name: "drop_tables", Input: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("GuardedExecute: %v", err)
	}
	if outcome.Denied == nil || outcome.Denied.Code != "undo_guarantee_blocked" {
		t.Fatalf("expected undo guarantee denial, got %+v", outcome.Denied)
	}
	if !outcome.Result.IsError {
		t.Error("denial must produce a synthetic error result")
	}
	if !strings.Contains(outcome.Result.Content, "blockedByUndoGuarantee") {
		t.Errorf("result should flag the block: %s", outcome.Result.Content)
	}

	// The attempt is journaled, sealed, with an error.
	recs, _ := journal.List(actions.Filter{RunID: "r1"})
	if len(recs) != 1 || !recs[0].Sealed() || recs[0].Error == "" {
		t.Fatalf("denial must journal a sealed failed record, got %+v", recs)
	}
}

func TestGuardedExecuteApprovalDenied(t *testing.T) {
	registry, journal, approvals := newTestRegistry(t)

	tool := &reversibleEcho{}
	tool.name = "write"
	tool.category = models.CategoryMutate
	tool.plan = &models.Reversal{Tool: "restore"}
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	approvals.SetOnPending("r1", func(p PendingApproval) {
		go approvals.Resolve(p.ID, false, false)
	})

	gc := GuardContext{RunID: "r1", ApprovalMode: "mutate"}
	outcome, err := registry.GuardedExecute(context.Background(), gc, models.ToolCall{
		ID: "tc1", Name: "write", Input: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("GuardedExecute: %v", err)
	}
	if outcome.Denied == nil || outcome.Denied.Code != "approval_denied" {
		t.Fatalf("expected approval denial, got %+v", outcome.Denied)
	}

	recs, _ := journal.List(actions.Filter{RunID: "r1"})
	if len(recs) != 1 || recs[0].Approval != models.ApprovalRejected {
		t.Fatalf("denied call must journal with denied state, got %+v", recs)
	}
}

func TestGuardedExecuteBypassSkipsApproval(t *testing.T) {
	registry, journal, _ := newTestRegistry(t)

	tool := &reversibleEcho{}
	tool.name = "write"
	tool.category = models.CategoryMutate
	tool.plan = &models.Reversal{Tool: "restore"}
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	gc := GuardContext{RunID: "r1", ApprovalMode: "off", BypassPermissions: true}
	outcome, err := registry.GuardedExecute(context.Background(), gc, models.ToolCall{
		ID: "tc1", Name: "write", Input: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("GuardedExecute: %v", err)
	}
	if outcome.Denied != nil {
		t.Fatalf("unexpected denial: %+v", outcome.Denied)
	}

	recs, _ := journal.List(actions.Filter{RunID: "r1"})
	if recs[0].Approval != models.ApprovalBypassed {
		t.Errorf("approval = %s, want bypassed", recs[0].Approval)
	}
}

func TestGuardedExecuteSchemaValidation(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	tool := &echoTool{
		name:   "lookup",
		schema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`),
	}
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	gc := GuardContext{RunID: "r1", ApprovalMode: "off", AllowIrreversible: true}
	outcome, err := registry.GuardedExecute(context.Background(), gc, models.ToolCall{
		ID: "tc1", Name: "lookup", Input: json.RawMessage(`{"q":7}`),
	})
	if err != nil {
		t.Fatalf("GuardedExecute: %v", err)
	}
	if !outcome.Result.IsError {
		t.Fatal("schema violation must produce an error result")
	}
}

func TestGuardedExecuteUnknownTool(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	gc := GuardContext{RunID: "r1", ApprovalMode: "off"}
	outcome, err := registry.GuardedExecute(context.Background(), gc, models.ToolCall{
		ID: "tc1", Name: "ghost", Input: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("GuardedExecute: %v", err)
	}
	if !outcome.Result.IsError || !strings.Contains(outcome.Result.Content, "unknown tool") {
		t.Fatalf("expected unknown tool error, got %s", outcome.Result.Content)
	}
}

func TestGuardedExecuteTruncatesResult(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	tool := &echoTool{name: "lookup", result: strings.Repeat("x", 100)}
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	gc := GuardContext{RunID: "r1", ApprovalMode: "off", AllowIrreversible: true, ResultLimit: 10}
	outcome, err := registry.GuardedExecute(context.Background(), gc, models.ToolCall{
		ID: "tc1", Name: "lookup", Input: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("GuardedExecute: %v", err)
	}
	if !strings.HasSuffix(outcome.Result.Content, TruncationSentinel) {
		t.Errorf("result not truncated: %q", outcome.Result.Content)
	}
	if len(outcome.Result.Content) != 10+len(TruncationSentinel) {
		t.Errorf("truncated length = %d", len(outcome.Result.Content))
	}
}

func TestTruncateCountsRunes(t *testing.T) {
	s := strings.Repeat("é", 100)

	if got := Truncate(s, 100); got != s {
		t.Errorf("string at the limit must be untouched, got %d runes", utf8.RuneCountInString(got))
	}

	got := Truncate(s, 40)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune: %q", got)
	}
	if !strings.HasSuffix(got, TruncationSentinel) {
		t.Fatalf("missing sentinel: %q", got)
	}
	kept := strings.TrimSuffix(got, TruncationSentinel)
	if n := utf8.RuneCountInString(kept); n != 40 {
		t.Errorf("kept %d runes, want 40", n)
	}
}

func TestToolPolicy(t *testing.T) {
	tests := []struct {
		policy *ToolPolicy
		name   string
		want   bool
	}{
		{nil, "anything", true},
		{&ToolPolicy{Allow: []string{"read"}}, "read", true},
		{&ToolPolicy{Allow: []string{"read"}}, "write", false},
		{&ToolPolicy{Allow: []string{"files.*"}}, "files.read", true},
		{&ToolPolicy{Deny: []string{"exec"}}, "exec", false},
		{&ToolPolicy{Allow: []string{"*"}, Deny: []string{"exec"}}, "exec", false},
		{&ToolPolicy{Deny: []string{"mcp:*"}}, "mcp:github", false},
	}
	for _, tt := range tests {
		if got := tt.policy.Allowed(tt.name); got != tt.want {
			t.Errorf("Allowed(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCategoryOf(t *testing.T) {
	explicit := &categorizedEcho{}
	explicit.name = "delete_everything"
	explicit.category = models.CategoryRead
	if got := categoryOf(explicit); got != models.CategoryRead {
		t.Errorf("explicit category must win, got %s", got)
	}

	if got := categoryOf(&echoTool{name: "write_file"}); got != models.CategoryMutate {
		t.Errorf("heuristic should flag write_file as mutate, got %s", got)
	}
	if got := categoryOf(&echoTool{name: "lookup"}); got != models.CategoryRead {
		t.Errorf("lookup should default to read, got %s", got)
	}
}
