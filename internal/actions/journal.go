// Package actions provides the append-only action journal and the undo/redo
// service built on top of it.
package actions

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/agentd/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Journal is the durable, append-only history of tool invocations. A single
// writer serializes appends; reads return snapshots and never fail a run.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenJournal opens (or creates) the journal database at path. ":memory:"
// keeps it in-process.
func OpenJournal(path string) (*Journal, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// The journal has exactly one writer; more connections would only
	// contend on SQLite's file lock.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.init(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS actions (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id        TEXT NOT NULL,
			session_id    TEXT,
			tool          TEXT NOT NULL,
			category      TEXT NOT NULL,
			input         TEXT,
			approval      TEXT NOT NULL,
			undoable      INTEGER NOT NULL DEFAULT 0,
			started_at    DATETIME NOT NULL,
			ended_at      DATETIME,
			duration_ms   INTEGER,
			result        TEXT,
			error         TEXT,
			reversal      TEXT,
			reversal_of   INTEGER,
			reversal_kind TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create actions table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_actions_run ON actions(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_actions_reversal_of ON actions(reversal_of)",
		"CREATE INDEX IF NOT EXISTS idx_actions_started ON actions(started_at)",
	}
	for _, idx := range indexes {
		if _, err := j.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Draft is the portion of an action record known before the tool runs.
type Draft struct {
	RunID     string
	SessionID string
	Tool      string
	Category  models.ActionCategory
	Input     json.RawMessage
	Approval  models.ApprovalState
	Undoable  bool
	Reversal  *models.Reversal // set on journaled reversal records
}

// Record opens a new journal entry before the tool executes. The returned
// record carries the allocated id and start time.
func (j *Journal) Record(d Draft) (*models.ActionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now().UTC()
	rec := &models.ActionRecord{
		RunID:     d.RunID,
		SessionID: d.SessionID,
		Tool:      d.Tool,
		Category:  d.Category,
		Input:     d.Input,
		Approval:  d.Approval,
		Undoable:  d.Undoable,
		StartedAt: now,
		Reversal:  d.Reversal,
	}

	var reversalJSON any
	var reversalOf any
	var reversalKind any
	if d.Reversal != nil {
		b, err := json.Marshal(d.Reversal)
		if err != nil {
			return nil, fmt.Errorf("marshal reversal: %w", err)
		}
		reversalJSON = string(b)
		if d.Reversal.PairsWith != 0 {
			reversalOf = d.Reversal.PairsWith
		}
		if d.Reversal.Kind != "" {
			reversalKind = string(d.Reversal.Kind)
		}
	}

	res, err := j.db.Exec(`
		INSERT INTO actions (run_id, session_id, tool, category, input, approval, undoable, started_at, reversal, reversal_of, reversal_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RunID, d.SessionID, d.Tool, string(d.Category), nullableJSON(d.Input),
		string(d.Approval), boolToInt(d.Undoable), now, reversalJSON, reversalOf, reversalKind,
	)
	if err != nil {
		return nil, fmt.Errorf("journal record: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("journal record id: %w", err)
	}
	return rec, nil
}

// Complete seals an open record with its outcome and optional reversal plan.
// Sealed records are never updated again.
func (j *Journal) Complete(id int64, result, errMsg string, reversal *models.Reversal) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now().UTC()

	var reversalJSON any
	if reversal != nil {
		b, err := json.Marshal(reversal)
		if err != nil {
			return fmt.Errorf("marshal reversal: %w", err)
		}
		reversalJSON = string(b)
	}

	res, err := j.db.Exec(`
		UPDATE actions
		SET ended_at = ?, duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER),
		    result = ?, error = ?, reversal = COALESCE(?, reversal)
		WHERE id = ? AND ended_at IS NULL`,
		now, now, result, errMsg, reversalJSON, id,
	)
	if err != nil {
		return fmt.Errorf("journal complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("journal complete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("journal complete: record %d missing or already sealed", id)
	}
	return nil
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	RunID    string
	Category models.ActionCategory
	Undoable *bool
	Limit    int
}

// List returns records in append order, oldest first. Reads never fail a
// run; callers treat an error here as an empty slice plus a logged warning.
func (j *Journal) List(f Filter) ([]*models.ActionRecord, error) {
	query := `SELECT id, run_id, session_id, tool, category, input, approval, undoable,
		started_at, ended_at, duration_ms, result, error, reversal FROM actions WHERE 1=1`
	var args []any
	if f.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, f.RunID)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, string(f.Category))
	}
	if f.Undoable != nil {
		query += " AND undoable = ?"
		args = append(args, boolToInt(*f.Undoable))
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal list: %w", err)
	}
	defer rows.Close()

	var out []*models.ActionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Recent returns the newest records, oldest first, capped at limit.
func (j *Journal) Recent(limit int) ([]*models.ActionRecord, error) {
	all, err := j.List(Filter{})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// ListUndoable returns the undo cursor: successful undoable records whose
// most recent successful pairing, if any, is a redo. Oldest first; the undo
// service walks it from the tail.
func (j *Journal) ListUndoable() ([]*models.ActionRecord, error) {
	all, err := j.List(Filter{})
	if err != nil {
		return nil, err
	}
	var out []*models.ActionRecord
	for _, rec := range all {
		if !cursorCandidate(rec) {
			continue
		}
		if lastReversalKind(all, rec.ID) != models.ReversalUndo {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ListRedoable returns the redo cursor: records whose most recent successful
// pairing is an undo.
func (j *Journal) ListRedoable() ([]*models.ActionRecord, error) {
	all, err := j.List(Filter{})
	if err != nil {
		return nil, err
	}
	var out []*models.ActionRecord
	for _, rec := range all {
		if !cursorCandidate(rec) {
			continue
		}
		if lastReversalKind(all, rec.ID) == models.ReversalUndo {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Prune deletes sealed records older than the cutoff. Open records and
// records younger than the cutoff are kept.
func (j *Journal) Prune(olderThan time.Duration) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := j.db.Exec(
		`DELETE FROM actions WHERE ended_at IS NOT NULL AND started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal prune: %w", err)
	}
	return res.RowsAffected()
}

// cursorCandidate reports whether a record can appear in either cursor at
// all. Reversal records (category meta) never do.
func cursorCandidate(rec *models.ActionRecord) bool {
	return rec.Undoable && rec.Succeeded() && rec.Category != models.CategoryMeta && rec.Reversal != nil && rec.Reversal.PairsWith == 0
}

// lastReversalKind finds the kind of the most recent successful reversal
// record paired with id, or "" when the record has never been reversed.
func lastReversalKind(all []*models.ActionRecord, id int64) models.ReversalKind {
	var kind models.ReversalKind
	for _, rec := range all {
		if rec.IsReversalOf(id) && rec.Succeeded() {
			kind = rec.Reversal.Kind
		}
	}
	return kind
}

func scanRecord(rows *sql.Rows) (*models.ActionRecord, error) {
	var (
		rec          models.ActionRecord
		sessionID    sql.NullString
		input        sql.NullString
		endedAt      sql.NullTime
		durationMs   sql.NullInt64
		result       sql.NullString
		errMsg       sql.NullString
		reversalJSON sql.NullString
		category     string
		approval     string
	)
	err := rows.Scan(&rec.ID, &rec.RunID, &sessionID, &rec.Tool, &category, &input,
		&approval, &rec.Undoable, &rec.StartedAt, &endedAt, &durationMs, &result,
		&errMsg, &reversalJSON)
	if err != nil {
		return nil, fmt.Errorf("journal scan: %w", err)
	}
	rec.Category = models.ActionCategory(category)
	rec.Approval = models.ApprovalState(approval)
	rec.SessionID = sessionID.String
	if input.Valid {
		rec.Input = json.RawMessage(input.String)
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	rec.DurationMs = durationMs.Int64
	rec.Result = result.String
	rec.Error = errMsg.String
	if reversalJSON.Valid && reversalJSON.String != "" {
		var rev models.Reversal
		if err := json.Unmarshal([]byte(reversalJSON.String), &rev); err != nil {
			return nil, fmt.Errorf("journal scan reversal: %w", err)
		}
		rec.Reversal = &rev
	}
	return &rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
