package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/agentd/internal/agent"
	"github.com/haasonsaas/agentd/pkg/models"
)

// EditTool performs exact text replacement in a workspace file.
type EditTool struct {
	resolver Resolver
}

// NewEditTool creates an edit tool scoped to the workspace.
func NewEditTool(cfg Config) *EditTool {
	return &EditTool{resolver: Resolver{Root: cfg.Workspace}}
}

// Name returns the tool name.
func (t *EditTool) Name() string {
	return "edit"
}

// Description returns the tool description.
func (t *EditTool) Description() string {
	return "Replace exact text in a workspace file. old_text must match uniquely unless all=true."
}

// Category marks edits as mutating.
func (t *EditTool) Category() models.ActionCategory {
	return models.CategoryMutate
}

// ReversalFor snapshots the file before the edit.
func (t *EditTool) ReversalFor(params json.RawMessage) *models.Reversal {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &input); err != nil || strings.TrimSpace(input.Path) == "" {
		return nil
	}
	return snapshotReversal(t.resolver, input.Path, "edit")
}

// Schema returns the JSON schema for the tool parameters.
func (t *EditTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"old_text": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to replace.",
			},
			"new_text": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text.",
			},
			"all": map[string]interface{}{
				"type":        "boolean",
				"description": "Replace every occurrence (default: false, requires a unique match).",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute applies the replacement.
func (t *EditTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var input struct {
		Path    string `json:"path"`
		OldText string `json:"old_text"`
		NewText string `json:"new_text"`
		All     bool   `json:"all"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return toolError("path is required"), nil
	}
	if input.OldText == "" {
		return toolError("old_text is required"), nil
	}
	if input.OldText == input.NewText {
		return toolError("old_text and new_text are identical"), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	raw, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}
	content := string(raw)

	count := strings.Count(content, input.OldText)
	if count == 0 {
		return toolError("old_text not found in file"), nil
	}
	if count > 1 && !input.All {
		return toolError(fmt.Sprintf("old_text matches %d times; pass all=true or make it unique", count)), nil
	}

	replaced := count
	if input.All {
		content = strings.ReplaceAll(content, input.OldText, input.NewText)
	} else {
		content = strings.Replace(content, input.OldText, input.NewText, 1)
		replaced = 1
	}

	info, err := os.Stat(resolved)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(resolved, []byte(content), mode); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	result := map[string]interface{}{
		"path":         input.Path,
		"replacements": replaced,
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
