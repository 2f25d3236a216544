// Package usage tracks token usage and cost over a rolling window and
// enforces the daily spend budget.
package usage

import (
	"fmt"
	"sync"
	"time"
)

// Usage represents token usage for a single request.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns the total token count.
func (u *Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Add adds another usage record to this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Record is one charged LLM request.
type Record struct {
	RunID     string    `json:"run_id,omitempty"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Usage     Usage     `json:"usage"`
	CostUSD   float64   `json:"cost_usd"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker accumulates usage records over a rolling window. The spend guard
// reads its 24 hour total.
type Tracker struct {
	mu       sync.RWMutex
	records  []Record
	totals   map[string]*Usage // keyed by "provider:model"
	maxAge   time.Duration
	maxCount int

	now func() time.Time
}

// NewTracker creates a tracker with a 24 hour rolling window.
func NewTracker() *Tracker {
	return &Tracker{
		totals:   make(map[string]*Usage),
		maxAge:   24 * time.Hour,
		maxCount: 10000,
		now:      time.Now,
	}
}

// Record adds a usage record, pricing it from the cost table when CostUSD is
// unset.
func (t *Tracker) Record(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.Timestamp.IsZero() {
		r.Timestamp = t.now()
	}
	if r.CostUSD == 0 {
		r.CostUSD = EstimateCost(r.Provider, r.Model, &r.Usage)
	}
	t.records = append(t.records, r)

	key := r.Provider + ":" + r.Model
	if t.totals[key] == nil {
		t.totals[key] = &Usage{}
	}
	t.totals[key].Add(&r.Usage)

	t.pruneOld()
}

// pruneOld removes records older than maxAge and beyond maxCount.
func (t *Tracker) pruneOld() {
	cutoff := t.now().Add(-t.maxAge)

	startIdx := 0
	for i, r := range t.records {
		if r.Timestamp.After(cutoff) {
			startIdx = i
			break
		}
		startIdx = i + 1
	}
	if startIdx > 0 {
		t.records = t.records[startIdx:]
	}
	if len(t.records) > t.maxCount {
		t.records = t.records[len(t.records)-t.maxCount:]
	}
}

// Spent24h returns the USD total charged over the last 24 hours.
func (t *Tracker) Spent24h() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := t.now().Add(-t.maxAge)
	var total float64
	for _, r := range t.records {
		if r.Timestamp.After(cutoff) {
			total += r.CostUSD
		}
	}
	return total
}

// Totals returns accumulated usage for a provider:model key.
func (t *Tracker) Totals(provider, model string) *Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if u := t.totals[provider+":"+model]; u != nil {
		c := *u
		return &c
	}
	return nil
}

// Recent returns the most recent usage records, newest last.
func (t *Tracker) Recent(limit int) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.records) {
		limit = len(t.records)
	}
	out := make([]Record, limit)
	copy(out, t.records[len(t.records)-limit:])
	return out
}

// FormatUSD formats a dollar amount for display.
func FormatUSD(amount float64) string {
	if amount < 0.01 && amount > 0 {
		return fmt.Sprintf("$%.4f", amount)
	}
	return fmt.Sprintf("$%.2f", amount)
}
