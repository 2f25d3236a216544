package models

import (
	"encoding/json"
	"time"
)

// ActionCategory classifies a tool's side-effect profile.
type ActionCategory string

const (
	CategoryRead   ActionCategory = "read"
	CategoryMutate ActionCategory = "mutate"
	CategoryExec   ActionCategory = "exec"
	CategoryMeta   ActionCategory = "meta"
)

// ApprovalState records how a tool invocation cleared (or failed) the
// approval gate.
type ApprovalState string

const (
	ApprovalAuto     ApprovalState = "auto"
	ApprovalGranted  ApprovalState = "granted"
	ApprovalRejected ApprovalState = "denied"
	ApprovalBypassed ApprovalState = "bypassed"
)

// ReversalKind distinguishes undo records from redo records in the journal.
type ReversalKind string

const (
	ReversalUndo ReversalKind = "undo"
	ReversalRedo ReversalKind = "redo"
)

// Reversal describes how a recorded action can be reversed. It is captured
// at invocation time so the undo service does not depend on state that may
// have changed since.
type Reversal struct {
	// Tool is the tool that performs the reversal (usually the same tool).
	Tool string `json:"tool"`

	// Input is the argument payload for the reversal invocation.
	Input json.RawMessage `json:"input,omitempty"`

	// Description is a human-readable summary of the reversal.
	Description string `json:"description,omitempty"`

	// PairsWith is the id of the original action this reversal undoes.
	// Only set on journaled reversal records.
	PairsWith int64 `json:"pairs_with,omitempty"`

	// Kind is undo or redo. Only set on journaled reversal records.
	Kind ReversalKind `json:"kind,omitempty"`
}

// ActionRecord is one journaled tool invocation. Records are append-only:
// they are opened before the tool executes and sealed exactly once when it
// completes. Sealed records are never mutated; undo and redo append new
// paired records instead.
type ActionRecord struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	SessionID  string          `json:"session_id,omitempty"`
	Tool       string          `json:"tool"`
	Category   ActionCategory  `json:"category"`
	Input      json.RawMessage `json:"input,omitempty"`
	Approval   ApprovalState   `json:"approval"`
	Undoable   bool            `json:"undoable"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Reversal   *Reversal       `json:"reversal,omitempty"`
}

// Sealed reports whether the record has been completed.
func (r *ActionRecord) Sealed() bool {
	return r.EndedAt != nil
}

// Succeeded reports whether the record sealed without an error.
func (r *ActionRecord) Succeeded() bool {
	return r.Sealed() && r.Error == ""
}

// IsReversalOf reports whether this record is a reversal paired with the
// given action id.
func (r *ActionRecord) IsReversalOf(id int64) bool {
	return r.Reversal != nil && r.Reversal.PairsWith == id
}
