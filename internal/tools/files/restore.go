package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/agentd/internal/agent"
	"github.com/haasonsaas/agentd/pkg/models"
)

// RestoreTool applies the snapshots that write and edit capture as reversal
// plans: it puts back the prior content, or deletes a file the original
// action created. It carries no reversal plan of its own, so under the undo
// guarantee it is only reachable through the undo engine.
type RestoreTool struct {
	resolver Resolver
}

// NewRestoreTool creates a restore tool scoped to the workspace.
func NewRestoreTool(cfg Config) *RestoreTool {
	return &RestoreTool{resolver: Resolver{Root: cfg.Workspace}}
}

// Name returns the tool name.
func (t *RestoreTool) Name() string {
	return "restore"
}

// Description returns the tool description.
func (t *RestoreTool) Description() string {
	return "Restore a file to a captured prior state (used by undo)."
}

// Category marks restores as mutating.
func (t *RestoreTool) Category() models.ActionCategory {
	return models.CategoryMutate
}

// Schema returns the JSON schema for the tool parameters.
func (t *RestoreTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to restore (relative to workspace).",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Prior file contents.",
			},
			"existed": map[string]interface{}{
				"type":        "boolean",
				"description": "Whether the file existed before; false deletes it.",
			},
		},
		"required": []string{"path", "existed"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute restores the captured state.
func (t *RestoreTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var input restoreArgs
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return toolError("path is required"), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	if !input.Existed {
		if err := os.Remove(resolved); err != nil && !os.IsNotExist(err) {
			return toolError(fmt.Sprintf("remove file: %v", err)), nil
		}
		payload, _ := json.MarshalIndent(map[string]interface{}{
			"path":     input.Path,
			"restored": "deleted",
		}, "", "  ")
		return &agent.ToolResult{Content: string(payload)}, nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return toolError(fmt.Sprintf("create directory: %v", err)), nil
	}
	if err := os.WriteFile(resolved, []byte(input.Content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	payload, _ := json.MarshalIndent(map[string]interface{}{
		"path":     input.Path,
		"restored": "content",
		"bytes":    len(input.Content),
	}, "", "  ")
	return &agent.ToolResult{Content: string(payload)}, nil
}
