package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentd/internal/actions"
	"github.com/haasonsaas/agentd/internal/observability"
	"github.com/haasonsaas/agentd/pkg/models"
)

const (
	// MaxToolNameLength bounds registered tool names.
	MaxToolNameLength = 256

	// MaxToolParamsSize bounds a single tool call's argument payload.
	MaxToolParamsSize = 10 * 1024 * 1024

	// TruncationSentinel is appended when a tool result is cut to the
	// economy limit.
	TruncationSentinel = "…[truncated]"
)

// ToolPolicy filters which registered tools an agent may see and call.
// Patterns support a trailing "*" wildcard (e.g. "files.*", "mcp:*").
type ToolPolicy struct {
	Allow []string
	Deny  []string
}

// Allowed reports whether a tool name passes the policy. Deny wins.
func (p *ToolPolicy) Allowed(name string) bool {
	if p == nil {
		return true
	}
	for _, pat := range p.Deny {
		if matchToolPattern(pat, name) {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, pat := range p.Allow {
		if matchToolPattern(pat, name) {
			return true
		}
	}
	return false
}

func matchToolPattern(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return false
}

// GuardContext carries the run-scoped settings the guard stack evaluates
// against. It is captured from the runtime snapshot at run start.
type GuardContext struct {
	RunID     string
	SessionID string

	AllowIrreversible bool
	ApprovalMode      string // off|mutate|always, already bypass-resolved
	BypassPermissions bool

	// ResultLimit truncates serialized tool results, 0 for unlimited.
	ResultLimit int
}

// GuardDenial describes a guard-stack block. Denials are not errors: the
// loop records them, warns the client, and lets the next LLM turn see the
// synthetic tool result.
type GuardDenial struct {
	Code    string // "undo_guarantee_blocked" | "approval_denied"
	Message string
}

// ExecOutcome is the result of one guarded tool dispatch.
type ExecOutcome struct {
	Record *models.ActionRecord
	Result *ToolResult
	Denied *GuardDenial
}

// ToolRegistry holds the executable tools and dispatches calls through the
// guard stack. It owns the journal handle and the approval gate.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema

	journal   *actions.Journal
	approvals *ApprovalGate
	undoGate  *UndoGate
	logger    *slog.Logger
}

// NewToolRegistry creates a registry bound to a journal and approval gate.
func NewToolRegistry(journal *actions.Journal, approvals *ApprovalGate, logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		tools:     make(map[string]Tool),
		schemas:   make(map[string]*jsonschema.Schema),
		journal:   journal,
		approvals: approvals,
		undoGate:  NewUndoGate(),
		logger:    logger,
	}
}

// Register adds a tool, compiling its parameter schema. Tools may be
// registered at any time; later registrations replace earlier ones.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name %q exceeds %d characters", name[:32], MaxToolNameLength)
	}

	var schema *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", strings.NewReader(string(raw))); err != nil {
			return fmt.Errorf("tool %s: add schema: %w", name, err)
		}
		var err error
		schema, err = compiler.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	if schema != nil {
		r.schemas[name] = schema
	} else {
		delete(r.schemas, name)
	}
	return nil
}

// Get returns a registered tool.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the schema snapshots for all tools passing the policy.
func (r *ToolRegistry) Definitions(policy *ToolPolicy) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(r.tools))
	for name, tool := range r.tools {
		if !policy.Allowed(name) {
			continue
		}
		def := ToolDefinition{
			Name:        name,
			Description: tool.Description(),
			Schema:      tool.Schema(),
			Category:    categoryOf(tool),
		}
		_, def.Undoable = tool.(ReversibleTool)
		defs = append(defs, def)
	}
	return defs
}

// Approvals exposes the gate for the control plane.
func (r *ToolRegistry) Approvals() *ApprovalGate {
	return r.approvals
}

// categoryOf resolves a tool's category: explicit metadata wins, otherwise
// the mutating-verb heuristic decides between mutate and read.
func categoryOf(tool Tool) models.ActionCategory {
	if ct, ok := tool.(CategorizedTool); ok {
		return ct.Category()
	}
	if looksMutating(tool.Name()) {
		return models.CategoryMutate
	}
	return models.CategoryRead
}

// GuardedExecute runs one tool call through the guard stack, journals it,
// and returns the outcome. Only journal write failures return an error;
// guard denials and tool failures are reported in the outcome.
func (r *ToolRegistry) GuardedExecute(ctx context.Context, gc GuardContext, call models.ToolCall) (*ExecOutcome, error) {
	tool, ok := r.Get(call.Name)
	if !ok {
		return r.failWithoutTool(gc, call, fmt.Sprintf("unknown tool: %s", call.Name))
	}
	if len(call.Input) > MaxToolParamsSize {
		return r.failWithoutTool(gc, call, fmt.Sprintf("tool %s: arguments exceed %d bytes", call.Name, MaxToolParamsSize))
	}
	if err := r.Validate(call.Name, call.Input); err != nil {
		return r.failWithoutTool(gc, call, err.Error())
	}

	category := categoryOf(tool)
	plan := reversalPlan(tool, call.Input)
	undoable := plan != nil

	// Undo-guarantee gate.
	if denial := r.undoGate.Check(gc, tool, category, call, plan); denial != nil {
		rec, err := r.sealDenied(gc, call, category, models.ApprovalBypassed, denial.Message)
		if err != nil {
			return nil, err
		}
		return &ExecOutcome{Record: rec, Denied: denial, Result: deniedResult(denial)}, nil
	}

	// Approval gate.
	approval := models.ApprovalAuto
	if gc.BypassPermissions {
		approval = models.ApprovalBypassed
	} else if r.approvals.Requires(gc, category, call.Name) {
		decision, err := r.approvals.Await(ctx, gc, call)
		if err != nil {
			return nil, err
		}
		if !decision {
			denial := &GuardDenial{
				Code:    "approval_denied",
				Message: fmt.Sprintf("tool %s was denied by the operator", call.Name),
			}
			rec, err := r.sealDenied(gc, call, category, models.ApprovalRejected, denial.Message)
			if err != nil {
				return nil, err
			}
			return &ExecOutcome{Record: rec, Denied: denial, Result: deniedResult(denial)}, nil
		}
		approval = models.ApprovalGranted
	}

	// Journal the invocation before it runs.
	rec, err := r.journal.Record(actions.Draft{
		RunID:     gc.RunID,
		SessionID: gc.SessionID,
		Tool:      call.Name,
		Category:  category,
		Input:     call.Input,
		Approval:  approval,
		Undoable:  undoable,
	})
	if err != nil {
		return nil, &ToolError{Tool: call.Name, Stage: "record", Err: err}
	}

	result := r.execute(ctx, tool, call, gc.ResultLimit)

	if result.Reversal != nil {
		plan = result.Reversal
	}
	errMsg := ""
	if result.IsError {
		errMsg = result.Content
	}
	if err := r.journal.Complete(rec.ID, result.Content, errMsg, plan); err != nil {
		return nil, &ToolError{Tool: call.Name, Stage: "record", Err: err}
	}

	return &ExecOutcome{Record: rec, Result: result}, nil
}

func (r *ToolRegistry) execute(ctx context.Context, tool Tool, call models.ToolCall, limit int) *ToolResult {
	start := time.Now()
	result, err := tool.Execute(ctx, call.Input)
	status := "ok"
	if err != nil {
		status = "error"
		result = &ToolResult{Content: err.Error(), IsError: true}
	} else if result == nil {
		result = &ToolResult{}
	} else if result.IsError {
		status = "error"
	}
	observability.ObserveToolExecution(call.Name, status, time.Since(start))

	result.Content = Truncate(result.Content, limit)
	return result
}

// Run executes a tool with schema validation but without the guard stack.
// The undo service uses it to replay reversals; reversal executions are
// journaled by the caller.
func (r *ToolRegistry) Run(ctx context.Context, name string, input json.RawMessage) (string, *models.Reversal, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", nil, fmt.Errorf("unknown tool: %s", name)
	}
	if err := r.Validate(name, input); err != nil {
		return "", nil, err
	}
	result, err := tool.Execute(ctx, input)
	if err != nil {
		return "", nil, err
	}
	if result.IsError {
		return "", nil, fmt.Errorf("%s", result.Content)
	}
	return result.Content, result.Reversal, nil
}

// Validate checks params against the tool's compiled schema, if it has one.
func (r *ToolRegistry) Validate(name string, params json.RawMessage) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}

	var doc any
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, &doc); err != nil {
		return &ToolError{Tool: name, Stage: "validate", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &ToolError{Tool: name, Stage: "validate", Err: err}
	}
	return nil
}

// failWithoutTool journals and seals a failure for calls that never reach a
// tool (unknown name, oversized payload).
func (r *ToolRegistry) failWithoutTool(gc GuardContext, call models.ToolCall, msg string) (*ExecOutcome, error) {
	rec, err := r.journal.Record(actions.Draft{
		RunID:     gc.RunID,
		SessionID: gc.SessionID,
		Tool:      call.Name,
		Category:  models.CategoryMeta,
		Input:     call.Input,
		Approval:  models.ApprovalAuto,
	})
	if err != nil {
		return nil, &ToolError{Tool: call.Name, Stage: "record", Err: err}
	}
	if err := r.journal.Complete(rec.ID, "", msg, nil); err != nil {
		return nil, &ToolError{Tool: call.Name, Stage: "record", Err: err}
	}
	return &ExecOutcome{
		Record: rec,
		Result: &ToolResult{Content: msg, IsError: true},
	}, nil
}

func (r *ToolRegistry) sealDenied(gc GuardContext, call models.ToolCall, category models.ActionCategory, state models.ApprovalState, msg string) (*models.ActionRecord, error) {
	rec, err := r.journal.Record(actions.Draft{
		RunID:     gc.RunID,
		SessionID: gc.SessionID,
		Tool:      call.Name,
		Category:  category,
		Input:     call.Input,
		Approval:  state,
	})
	if err != nil {
		return nil, &ToolError{Tool: call.Name, Stage: "record", Err: err}
	}
	if err := r.journal.Complete(rec.ID, "", msg, nil); err != nil {
		return nil, &ToolError{Tool: call.Name, Stage: "record", Err: err}
	}
	return rec, nil
}

func deniedResult(denial *GuardDenial) *ToolResult {
	payload, _ := json.Marshal(map[string]any{
		"error":                  denial.Message,
		"blockedByUndoGuarantee": denial.Code == "undo_guarantee_blocked",
	})
	return &ToolResult{Content: string(payload), IsError: true}
}

func reversalPlan(tool Tool, params json.RawMessage) *models.Reversal {
	rt, ok := tool.(ReversibleTool)
	if !ok {
		return nil
	}
	return rt.ReversalFor(params)
}

// Truncate cuts s to limit characters, appending the truncation sentinel.
// The limit counts runes, not bytes, so multibyte text is never split
// mid-character. A limit of 0 disables truncation.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + TruncationSentinel
}
