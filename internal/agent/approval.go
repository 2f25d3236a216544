package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentd/pkg/models"
)

// PendingApproval describes a tool call waiting on an operator decision.
type PendingApproval struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	SessionID string          `json:"session_id,omitempty"`
	Tool      string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type approvalVerdict struct {
	approved    bool
	allowAlways bool
}

type pendingApproval struct {
	info PendingApproval
	ch   chan approvalVerdict
}

// ApprovalGate holds tool calls until an operator approves or denies them.
// The run blocks on Await; a separate control plane resolves by id. An
// allow-always grant installs an auto-approve pattern for the rest of that
// run.
type ApprovalGate struct {
	mu          sync.Mutex
	pending     map[string]*pendingApproval
	allowAlways map[string]map[string]bool // runID -> tool -> granted
	onPending   map[string]func(PendingApproval)
}

// NewApprovalGate creates an empty gate.
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{
		pending:     make(map[string]*pendingApproval),
		allowAlways: make(map[string]map[string]bool),
		onPending:   make(map[string]func(PendingApproval)),
	}
}

// SetOnPending installs the run-scoped hook invoked whenever a call starts
// waiting. The loop uses it to emit approval_pending events.
func (g *ApprovalGate) SetOnPending(runID string, fn func(PendingApproval)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onPending[runID] = fn
}

// Requires reports whether the call must wait for approval under the given
// guard context.
func (g *ApprovalGate) Requires(gc GuardContext, category models.ActionCategory, tool string) bool {
	switch gc.ApprovalMode {
	case "off", "":
		return false
	case "mutate":
		if category != models.CategoryMutate && category != models.CategoryExec {
			return false
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if grants := g.allowAlways[gc.RunID]; grants != nil && grants[tool] {
		return false
	}
	return true
}

// Await parks the call until it is resolved or the context is cancelled.
func (g *ApprovalGate) Await(ctx context.Context, gc GuardContext, call models.ToolCall) (bool, error) {
	p := &pendingApproval{
		info: PendingApproval{
			ID:        uuid.New().String(),
			RunID:     gc.RunID,
			SessionID: gc.SessionID,
			Tool:      call.Name,
			Input:     call.Input,
			CreatedAt: time.Now(),
		},
		ch: make(chan approvalVerdict, 1),
	}

	g.mu.Lock()
	g.pending[p.info.ID] = p
	hook := g.onPending[gc.RunID]
	g.mu.Unlock()

	if hook != nil {
		hook(p.info)
	}

	select {
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.pending, p.info.ID)
		g.mu.Unlock()
		return false, ctx.Err()
	case v := <-p.ch:
		if v.approved && v.allowAlways {
			g.mu.Lock()
			if g.allowAlways[gc.RunID] == nil {
				g.allowAlways[gc.RunID] = make(map[string]bool)
			}
			g.allowAlways[gc.RunID][call.Name] = true
			g.mu.Unlock()
		}
		return v.approved, nil
	}
}

// Resolve answers a pending approval by id. Returns false when the id is
// unknown or already resolved.
func (g *ApprovalGate) Resolve(id string, approved, allowAlways bool) bool {
	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- approvalVerdict{approved: approved, allowAlways: allowAlways}
	return true
}

// Pending lists unresolved approvals, oldest first.
func (g *ApprovalGate) Pending() []PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingApproval, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.info)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// EndRun drops run-scoped grants and hooks once the run terminates.
func (g *ApprovalGate) EndRun(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.allowAlways, runID)
	delete(g.onPending, runID)
}
