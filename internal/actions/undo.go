package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/agentd/pkg/models"
)

// Runner executes a tool by name outside the guard stack. The undo service
// uses it to replay reversal plans and to re-execute originals on redo.
type Runner interface {
	Run(ctx context.Context, tool string, input json.RawMessage) (result string, reversal *models.Reversal, err error)
}

// UndoResult reports the outcome of one reversal attempt.
type UndoResult struct {
	ActionID int64  `json:"actionId"`
	Tool     string `json:"toolName"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// UndoService replays reversal plans from the journal. Reversals are
// themselves journaled, as category meta, so the cursors stay derivable from
// the log alone.
type UndoService struct {
	journal *Journal
	runner  Runner
	logger  *slog.Logger
}

// NewUndoService creates an undo service over the journal and tool runner.
func NewUndoService(journal *Journal, runner Runner, logger *slog.Logger) *UndoService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UndoService{journal: journal, runner: runner, logger: logger}
}

// UndoOne reverses a single record by id. The record must currently be on
// the undo cursor.
func (s *UndoService) UndoOne(ctx context.Context, id int64) ([]UndoResult, error) {
	rec, err := s.findOnCursor(s.journal.ListUndoable, id)
	if err != nil {
		return nil, err
	}
	return []UndoResult{s.undo(ctx, rec)}, nil
}

// UndoLastN reverses the most recent n undoable records, newest first. It
// stops at the first failure so the cursor never skips a failed reversal.
func (s *UndoService) UndoLastN(ctx context.Context, n int) ([]UndoResult, error) {
	undoable, err := s.journal.ListUndoable()
	if err != nil {
		return nil, err
	}
	return s.walk(ctx, tailLIFO(undoable, n), s.undo), nil
}

// UndoAll reverses every undoable record, newest first.
func (s *UndoService) UndoAll(ctx context.Context) ([]UndoResult, error) {
	return s.UndoLastN(ctx, 0)
}

// RedoOne re-executes a single undone record by id.
func (s *UndoService) RedoOne(ctx context.Context, id int64) ([]UndoResult, error) {
	rec, err := s.findOnCursor(s.journal.ListRedoable, id)
	if err != nil {
		return nil, err
	}
	return []UndoResult{s.redo(ctx, rec)}, nil
}

// RedoLastN re-executes the most recently undone n records, newest first.
func (s *UndoService) RedoLastN(ctx context.Context, n int) ([]UndoResult, error) {
	redoable, err := s.journal.ListRedoable()
	if err != nil {
		return nil, err
	}
	return s.walk(ctx, tailLIFO(redoable, n), s.redo), nil
}

// RedoAll re-executes every undone record, newest first.
func (s *UndoService) RedoAll(ctx context.Context) ([]UndoResult, error) {
	return s.RedoLastN(ctx, 0)
}

func (s *UndoService) findOnCursor(cursor func() ([]*models.ActionRecord, error), id int64) (*models.ActionRecord, error) {
	recs, err := cursor()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("action %d is not reversible in its current state", id)
}

func (s *UndoService) walk(ctx context.Context, targets []*models.ActionRecord, step func(context.Context, *models.ActionRecord) UndoResult) []UndoResult {
	var results []UndoResult
	for _, rec := range targets {
		res := step(ctx, rec)
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results
}

// undo replays the record's reversal plan and journals the attempt as a
// paired meta record.
func (s *UndoService) undo(ctx context.Context, rec *models.ActionRecord) UndoResult {
	plan := rec.Reversal
	return s.replay(ctx, rec, plan.Tool, plan.Input, models.ReversalUndo,
		fmt.Sprintf("undo %s (action %d)", rec.Tool, rec.ID))
}

// redo re-executes the original tool with its original arguments.
func (s *UndoService) redo(ctx context.Context, rec *models.ActionRecord) UndoResult {
	return s.replay(ctx, rec, rec.Tool, rec.Input, models.ReversalRedo,
		fmt.Sprintf("redo %s (action %d)", rec.Tool, rec.ID))
}

func (s *UndoService) replay(ctx context.Context, rec *models.ActionRecord, tool string, input json.RawMessage, kind models.ReversalKind, desc string) UndoResult {
	entry, err := s.journal.Record(Draft{
		RunID:     rec.RunID,
		SessionID: rec.SessionID,
		Tool:      tool,
		Category:  models.CategoryMeta,
		Input:     input,
		Approval:  models.ApprovalAuto,
		Reversal: &models.Reversal{
			Tool:        tool,
			Description: desc,
			PairsWith:   rec.ID,
			Kind:        kind,
		},
	})
	if err != nil {
		return UndoResult{ActionID: rec.ID, Tool: rec.Tool, Error: err.Error()}
	}

	result, _, runErr := s.runner.Run(ctx, tool, input)
	if runErr != nil {
		if err := s.journal.Complete(entry.ID, "", runErr.Error(), nil); err != nil {
			s.logger.Warn("failed to seal reversal record", "id", entry.ID, "error", err)
		}
		return UndoResult{ActionID: rec.ID, Tool: rec.Tool, Error: runErr.Error()}
	}
	if err := s.journal.Complete(entry.ID, result, "", nil); err != nil {
		s.logger.Warn("failed to seal reversal record", "id", entry.ID, "error", err)
		return UndoResult{ActionID: rec.ID, Tool: rec.Tool, Error: err.Error()}
	}
	return UndoResult{ActionID: rec.ID, Tool: rec.Tool, Success: true}
}

// tailLIFO returns the last n records in reverse (newest first). n <= 0
// takes everything.
func tailLIFO(recs []*models.ActionRecord, n int) []*models.ActionRecord {
	if n <= 0 || n > len(recs) {
		n = len(recs)
	}
	out := make([]*models.ActionRecord, 0, n)
	for i := len(recs) - 1; i >= len(recs)-n; i-- {
		out = append(out, recs[i])
	}
	return out
}
