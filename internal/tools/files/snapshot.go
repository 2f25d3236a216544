package files

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/haasonsaas/agentd/pkg/models"
)

// maxSnapshotBytes bounds the prior-content capture used to build reversal
// plans. Beyond this, the invocation is treated as irreversible.
const maxSnapshotBytes = 2 * 1024 * 1024

// restoreArgs is the restore tool's parameter payload, also used as the
// reversal input for write and edit.
type restoreArgs struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Existed bool   `json:"existed"`
}

// snapshotReversal captures the target's current state and packages it as a
// restore plan. Returns nil when the state cannot be captured, making the
// invocation irreversible.
func snapshotReversal(resolver Resolver, path, verb string) *models.Reversal {
	resolved, err := resolver.Resolve(path)
	if err != nil {
		return nil
	}

	args := restoreArgs{Path: path}
	info, err := os.Stat(resolved)
	switch {
	case os.IsNotExist(err):
		// Reversal deletes the file the action is about to create.
	case err != nil:
		return nil
	case info.IsDir() || info.Size() > maxSnapshotBytes:
		return nil
	default:
		content, err := os.ReadFile(resolved)
		if err != nil {
			return nil
		}
		args.Existed = true
		args.Content = string(content)
	}

	input, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return &models.Reversal{
		Tool:        "restore",
		Input:       input,
		Description: fmt.Sprintf("restore %s to its state before %s", path, verb),
	}
}
