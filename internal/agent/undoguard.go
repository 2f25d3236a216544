package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentd/pkg/models"
)

// UndoGate enforces the undo guarantee: when irreversible actions are not
// allowed, a mutating or executing tool call may only proceed with a
// reversal plan in hand.
type UndoGate struct{}

// NewUndoGate creates the gate. It is stateless; all inputs arrive per call.
func NewUndoGate() *UndoGate {
	return &UndoGate{}
}

// mutatingVerbs is the name heuristic applied to tools without explicit
// category metadata. Brittle on purpose: unknown tools that sound mutating
// are treated as mutating.
var mutatingVerbs = []string{
	"write", "delete", "remove", "create", "update", "edit",
	"move", "rename", "install", "deploy", "push", "drop",
	"kill", "patch", "upload", "set_",
}

func looksMutating(name string) bool {
	lower := strings.ToLower(name)
	for _, verb := range mutatingVerbs {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	return false
}

// introspectionTools always pass: they only read or operate on the journal
// itself.
var introspectionTools = map[string]bool{
	"undo":    true,
	"actions": true,
}

// processPassActions are the process tool actions that do not mutate
// anything.
var processPassActions = map[string]bool{
	"list": true,
	"poll": true,
	"log":  true,
}

// Check returns a denial when the call would violate the undo guarantee,
// nil when it may proceed.
func (g *UndoGate) Check(gc GuardContext, tool Tool, category models.ActionCategory, call models.ToolCall, plan *models.Reversal) *GuardDenial {
	if gc.AllowIrreversible {
		return nil
	}
	if introspectionTools[call.Name] {
		return nil
	}
	if call.Name == "process" {
		if action := extractAction(call.Input); processPassActions[action] {
			return nil
		}
		return deny(call.Name, "process actions other than list, poll and log are irreversible")
	}
	if plan != nil {
		return nil
	}

	// Every dispatched call arrives with a category: the registry assigns
	// one to uncategorized tools via the name heuristic before the gate runs.
	switch category {
	case models.CategoryRead, models.CategoryMeta:
		return nil
	case models.CategoryExec:
		return deny(call.Name, "no reversal is known for this command")
	default:
		return deny(call.Name, "this action cannot be undone")
	}
}

func deny(tool, why string) *GuardDenial {
	return &GuardDenial{
		Code:    "undo_guarantee_blocked",
		Message: fmt.Sprintf("blocked by undo guarantee: %s: %s (enable allow_irreversible_actions to override)", tool, why),
	}
}

func extractAction(input json.RawMessage) string {
	var args struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	return args.Action
}
