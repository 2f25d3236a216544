package usage

import (
	"math"
	"testing"
	"time"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestTrackerRecordPricesFromTable(t *testing.T) {
	tr := NewTracker()
	tr.Record(Record{
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
		Usage:    Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
	})

	// 3.0 input + 15.0 output per million.
	if got := tr.Spent24h(); !approx(got, 18.0) {
		t.Errorf("Spent24h = %f, want 18.0", got)
	}
}

func TestTrackerExplicitCostWins(t *testing.T) {
	tr := NewTracker()
	tr.Record(Record{Provider: "anthropic", Model: "claude-sonnet-4-5", CostUSD: 0.5})

	if got := tr.Spent24h(); !approx(got, 0.5) {
		t.Errorf("Spent24h = %f, want 0.5", got)
	}
}

func TestTrackerUnknownModelIsFree(t *testing.T) {
	tr := NewTracker()
	tr.Record(Record{
		Provider: "local",
		Model:    "llama-3",
		Usage:    Usage{InputTokens: 5_000_000, OutputTokens: 5_000_000},
	})

	if got := tr.Spent24h(); got != 0 {
		t.Errorf("Spent24h = %f, want 0", got)
	}
}

func TestTrackerRollingWindow(t *testing.T) {
	now := time.Now()
	tr := NewTracker()
	tr.now = func() time.Time { return now }

	tr.Record(Record{Provider: "openai", Model: "gpt-4o", CostUSD: 1.0})
	tr.Record(Record{Provider: "openai", Model: "gpt-4o", CostUSD: 2.0})

	if got := tr.Spent24h(); !approx(got, 3.0) {
		t.Fatalf("Spent24h = %f, want 3.0", got)
	}

	// 25 hours later both records are outside the window.
	tr.now = func() time.Time { return now.Add(25 * time.Hour) }
	if got := tr.Spent24h(); got != 0 {
		t.Errorf("Spent24h after window = %f, want 0", got)
	}
}

func TestTrackerPrunesOldRecords(t *testing.T) {
	now := time.Now()
	tr := NewTracker()
	tr.now = func() time.Time { return now.Add(-25 * time.Hour) }
	tr.Record(Record{Provider: "openai", Model: "gpt-4o", CostUSD: 1.0})

	tr.now = func() time.Time { return now }
	tr.Record(Record{Provider: "openai", Model: "gpt-4o", CostUSD: 2.0})

	recent := tr.Recent(0)
	if len(recent) != 1 || !approx(recent[0].CostUSD, 2.0) {
		t.Errorf("Recent = %+v, want only the fresh record", recent)
	}
}

func TestTrackerTotals(t *testing.T) {
	tr := NewTracker()
	tr.Record(Record{Provider: "openai", Model: "gpt-4o", Usage: Usage{InputTokens: 100, OutputTokens: 20}})
	tr.Record(Record{Provider: "openai", Model: "gpt-4o", Usage: Usage{InputTokens: 50, OutputTokens: 10}})

	u := tr.Totals("openai", "gpt-4o")
	if u == nil || u.InputTokens != 150 || u.OutputTokens != 30 {
		t.Errorf("Totals = %+v", u)
	}
	if tr.Totals("openai", "gpt-4o-mini") != nil {
		t.Error("expected nil totals for untracked model")
	}
}

func TestTrackerRecentLimit(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 5; i++ {
		tr.Record(Record{Provider: "p", Model: "m", CostUSD: float64(i + 1)})
	}

	recent := tr.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Recent(2) returned %d records", len(recent))
	}
	if !approx(recent[1].CostUSD, 5.0) {
		t.Errorf("newest record cost = %f, want 5.0", recent[1].CostUSD)
	}
}

func TestResolveModelCostPrefixMatch(t *testing.T) {
	// Versioned ids resolve through the prefix fallback.
	if c := ResolveModelCost("openai", "gpt-4o-2024-08-06"); c == nil || !approx(c.InputPer1M, 2.50) {
		t.Errorf("prefix match failed: %+v", c)
	}
	if ResolveModelCost("nosuch", "model") != nil {
		t.Error("unknown provider should resolve to nil")
	}
	if ResolveModelCost("", "") != nil {
		t.Error("empty ref should resolve to nil")
	}
}

func TestSpendGuardPreRunCheck(t *testing.T) {
	tr := NewTracker()
	g := NewSpendGuard(tr)

	// No budget: always passes.
	if err := g.PreRunCheck(SpendSettings{}); err != nil {
		t.Errorf("no-budget check failed: %v", err)
	}

	// Paused: always rejected, even with headroom.
	if err := g.PreRunCheck(SpendSettings{DailyBudgetUSD: 100, Paused: true}); err != ErrSpendLimit {
		t.Errorf("paused check = %v, want ErrSpendLimit", err)
	}

	tr.Record(Record{Provider: "p", Model: "m", CostUSD: 10})

	// Exceeded but auto-pause off: the run may start.
	if err := g.PreRunCheck(SpendSettings{DailyBudgetUSD: 5}); err != nil {
		t.Errorf("exceeded without auto-pause = %v, want nil", err)
	}
	// Exceeded with auto-pause on: rejected.
	if err := g.PreRunCheck(SpendSettings{DailyBudgetUSD: 5, AutoPause: true}); err != ErrSpendLimit {
		t.Errorf("exceeded with auto-pause = %v, want ErrSpendLimit", err)
	}
}

func TestSpendGuardSnapshot(t *testing.T) {
	tr := NewTracker()
	tr.Record(Record{Provider: "p", Model: "m", CostUSD: 3})
	g := NewSpendGuard(tr)

	snap := g.Snapshot(SpendSettings{DailyBudgetUSD: 10})
	if !approx(snap.Spent24h, 3) || !approx(snap.Remaining, 7) || snap.Exceeded {
		t.Errorf("snapshot = %+v", snap)
	}

	snap = g.Snapshot(SpendSettings{DailyBudgetUSD: 2})
	if !snap.Exceeded || snap.Remaining != 0 {
		t.Errorf("exceeded snapshot = %+v", snap)
	}

	// Zero budget disables the guard entirely.
	snap = g.Snapshot(SpendSettings{})
	if snap.Exceeded {
		t.Error("zero budget must never report exceeded")
	}
}

func TestSpendGuardExceededAfter(t *testing.T) {
	tr := NewTracker()
	g := NewSpendGuard(tr)

	if g.ExceededAfter(SpendSettings{}) {
		t.Error("zero budget should never be exceeded")
	}

	tr.Record(Record{Provider: "p", Model: "m", CostUSD: 5})
	if !g.ExceededAfter(SpendSettings{DailyBudgetUSD: 5}) {
		t.Error("spend at the budget should count as exceeded")
	}
	if g.ExceededAfter(SpendSettings{DailyBudgetUSD: 50}) {
		t.Error("spend under budget reported as exceeded")
	}
}

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "$0.00"},
		{0.0042, "$0.0042"},
		{0.5, "$0.50"},
		{12.345, "$12.35"},
	}
	for _, tt := range tests {
		if got := FormatUSD(tt.in); got != tt.want {
			t.Errorf("FormatUSD(%f) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
