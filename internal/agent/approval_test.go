package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/agentd/pkg/models"
)

func TestApprovalRequires(t *testing.T) {
	g := NewApprovalGate()

	tests := []struct {
		mode     string
		category models.ActionCategory
		want     bool
	}{
		{"off", models.CategoryMutate, false},
		{"", models.CategoryMutate, false},
		{"mutate", models.CategoryRead, false},
		{"mutate", models.CategoryMutate, true},
		{"mutate", models.CategoryExec, true},
		{"always", models.CategoryRead, true},
		{"always", models.CategoryMutate, true},
	}
	for _, tt := range tests {
		gc := GuardContext{RunID: "r1", ApprovalMode: tt.mode}
		if got := g.Requires(gc, tt.category, "tool"); got != tt.want {
			t.Errorf("Requires(mode=%q, cat=%s) = %v, want %v", tt.mode, tt.category, got, tt.want)
		}
	}
}

func TestApprovalResolveApproved(t *testing.T) {
	g := NewApprovalGate()
	gc := GuardContext{RunID: "r1", ApprovalMode: "always"}

	var pendingID string
	g.SetOnPending("r1", func(p PendingApproval) {
		pendingID = p.ID
		go func() {
			if !g.Resolve(p.ID, true, false) {
				t.Error("Resolve returned false")
			}
		}()
	})

	approved, err := g.Await(context.Background(), gc, models.ToolCall{Name: "write", Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !approved {
		t.Error("expected approval")
	}
	if pendingID == "" {
		t.Error("onPending hook not invoked")
	}
	if len(g.Pending()) != 0 {
		t.Error("pending list should be empty after resolution")
	}
}

func TestApprovalResolveDenied(t *testing.T) {
	g := NewApprovalGate()
	gc := GuardContext{RunID: "r1", ApprovalMode: "always"}
	g.SetOnPending("r1", func(p PendingApproval) {
		go g.Resolve(p.ID, false, false)
	})

	approved, err := g.Await(context.Background(), gc, models.ToolCall{Name: "write"})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if approved {
		t.Error("expected denial")
	}
}

func TestApprovalAllowAlwaysSkipsSubsequentCalls(t *testing.T) {
	g := NewApprovalGate()
	gc := GuardContext{RunID: "r1", ApprovalMode: "mutate"}
	g.SetOnPending("r1", func(p PendingApproval) {
		go g.Resolve(p.ID, true, true)
	})

	if _, err := g.Await(context.Background(), gc, models.ToolCall{Name: "write"}); err != nil {
		t.Fatalf("Await: %v", err)
	}

	// The grant is per run and per tool.
	if g.Requires(gc, models.CategoryMutate, "write") {
		t.Error("allow-always grant should skip the gate for this run")
	}
	if !g.Requires(gc, models.CategoryMutate, "edit") {
		t.Error("grant must not cover other tools")
	}
	other := GuardContext{RunID: "r2", ApprovalMode: "mutate"}
	if !g.Requires(other, models.CategoryMutate, "write") {
		t.Error("grant must not cover other runs")
	}

	// EndRun drops the grant.
	g.EndRun("r1")
	if !g.Requires(gc, models.CategoryMutate, "write") {
		t.Error("grant should be gone after EndRun")
	}
}

func TestApprovalAwaitCancelled(t *testing.T) {
	g := NewApprovalGate()
	gc := GuardContext{RunID: "r1", ApprovalMode: "always"}

	ctx, cancel := context.WithCancel(context.Background())
	g.SetOnPending("r1", func(PendingApproval) { cancel() })

	if _, err := g.Await(ctx, gc, models.ToolCall{Name: "write"}); err == nil {
		t.Fatal("expected context error")
	}
	if len(g.Pending()) != 0 {
		t.Error("cancelled approval must not linger in pending")
	}
}

func TestApprovalResolveUnknownID(t *testing.T) {
	g := NewApprovalGate()
	if g.Resolve("nope", true, false) {
		t.Error("Resolve of unknown id should return false")
	}
}

func TestApprovalPendingSortedByAge(t *testing.T) {
	g := NewApprovalGate()
	gc := GuardContext{RunID: "r1", ApprovalMode: "always"}

	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, _ = g.Await(context.Background(), gc, models.ToolCall{Name: "write"})
			done <- struct{}{}
		}()
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.After(time.Second)
	for len(g.Pending()) < 3 {
		select {
		case <-deadline:
			t.Fatal("pending approvals never appeared")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	pending := g.Pending()
	for i := 1; i < len(pending); i++ {
		if pending[i].CreatedAt.Before(pending[i-1].CreatedAt) {
			t.Fatal("pending approvals not sorted oldest first")
		}
	}

	for _, p := range pending {
		g.Resolve(p.ID, false, false)
	}
	for i := 0; i < 3; i++ {
		<-done
	}
}
