package usage

import "errors"

// ErrSpendLimit is returned by the pre-run check when the 24 hour spend has
// reached the configured budget.
var ErrSpendLimit = errors.New("daily spend limit reached")

// SpendSnapshot is a point-in-time view of the spend guard.
type SpendSnapshot struct {
	DailyBudgetUSD float64 `json:"daily_budget_usd"`
	Spent24h       float64 `json:"spent_24h"`
	Remaining      float64 `json:"remaining"`
	Exceeded       bool    `json:"exceeded"`
	AutoPause      bool    `json:"auto_pause"`
	Paused         bool    `json:"paused"`
}

// SpendSettings are the budget knobs the guard evaluates against. They are
// captured from the runtime snapshot at call time so an in-flight run sees a
// consistent budget.
type SpendSettings struct {
	DailyBudgetUSD float64
	AutoPause      bool
	Paused         bool
}

// SpendGuard evaluates the rolling 24 hour spend against a budget. It holds
// no settings of its own; callers pass the current runtime values.
type SpendGuard struct {
	tracker *Tracker
}

// NewSpendGuard creates a guard over the given tracker.
func NewSpendGuard(t *Tracker) *SpendGuard {
	return &SpendGuard{tracker: t}
}

// Snapshot reports the current spend state. A zero budget disables the
// guard; Exceeded is then always false.
func (g *SpendGuard) Snapshot(s SpendSettings) SpendSnapshot {
	spent := g.tracker.Spent24h()
	snap := SpendSnapshot{
		DailyBudgetUSD: s.DailyBudgetUSD,
		Spent24h:       spent,
		AutoPause:      s.AutoPause,
		Paused:         s.Paused,
	}
	if s.DailyBudgetUSD > 0 {
		snap.Remaining = s.DailyBudgetUSD - spent
		if snap.Remaining < 0 {
			snap.Remaining = 0
		}
		snap.Exceeded = spent >= s.DailyBudgetUSD
	}
	return snap
}

// PreRunCheck rejects a new run when the guard is paused, or when the budget
// is exhausted and auto-pause is on.
func (g *SpendGuard) PreRunCheck(s SpendSettings) error {
	if s.Paused {
		return ErrSpendLimit
	}
	snap := g.Snapshot(s)
	if snap.Exceeded && s.AutoPause {
		return ErrSpendLimit
	}
	return nil
}

// ExceededAfter reports whether the budget is now exhausted; used mid-run
// after a completion to decide whether to skip pending tool calls.
func (g *SpendGuard) ExceededAfter(s SpendSettings) bool {
	if s.DailyBudgetUSD <= 0 {
		return false
	}
	return g.Snapshot(s).Exceeded
}
