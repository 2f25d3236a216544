package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// RunMode governs how much autonomy a run gets.
type RunMode string

const (
	ModeInteractive RunMode = "interactive"
	ModeSupervised  RunMode = "supervised"
	ModeAutonomous  RunMode = "autonomous"
)

// OperationMode is the daemon-wide operating state. Chat requests are only
// accepted in normal mode.
type OperationMode string

const (
	OperationNormal      OperationMode = "normal"
	OperationMaintenance OperationMode = "maintenance"
	OperationDraining    OperationMode = "draining"
)

// ThinkingLevel controls how much reasoning effort is requested.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// ThinkingVisibility controls whether reasoning is surfaced to the client.
type ThinkingVisibility string

const (
	VisibilityOff    ThinkingVisibility = "off"
	VisibilityOn     ThinkingVisibility = "on"
	VisibilityStream ThinkingVisibility = "stream"
)

// Snapshot is an immutable copy of the runtime settings. A run captures one
// snapshot at start and sees a consistent configuration even if a client
// mutates the runtime concurrently.
type Snapshot struct {
	Mode                     RunMode
	OperationMode            OperationMode
	MaxIterations            int
	BypassAllPermissions     bool
	ApprovalMode             string
	AllowIrreversibleActions bool

	Economy Economy

	ThinkingLevel      ThinkingLevel
	ThinkingVisibility ThinkingVisibility

	DailyBudgetUSD       float64
	DailyBudgetAutoPause bool
	SpendPaused          bool

	Model        string
	Fallbacks    []string
	PollingTools []string
}

// EffectiveMaxIterations applies the economy cap.
func (s Snapshot) EffectiveMaxIterations() int {
	n := s.MaxIterations
	if s.Economy.Enabled && s.Economy.MaxIterationsCap > 0 && s.Economy.MaxIterationsCap < n {
		n = s.Economy.MaxIterationsCap
	}
	if n <= 0 {
		n = 1
	}
	return n
}

// EffectiveToolResultLimit returns the tool result truncation limit in
// characters, or 0 for unlimited.
func (s Snapshot) EffectiveToolResultLimit() int {
	if s.Economy.Enabled {
		return s.Economy.ToolResultMaxChars
	}
	return 0
}

// EffectiveThinking returns the thinking settings the run should use.
// Economy mode forces thinking off.
func (s Snapshot) EffectiveThinking() (ThinkingLevel, ThinkingVisibility) {
	if s.Economy.Enabled {
		return ThinkingOff, VisibilityOff
	}
	return s.ThinkingLevel, s.ThinkingVisibility
}

// EffectiveApprovalMode returns the approval mode, honoring the bypass lock.
func (s Snapshot) EffectiveApprovalMode() string {
	if s.BypassAllPermissions {
		return "off"
	}
	return s.ApprovalMode
}

// Runtime holds the process-wide mutable settings. All mutations go through
// its methods; reads take an immutable Snapshot.
type Runtime struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewRuntime seeds the runtime from boot config and environment overrides.
// Environment variables act as boot defaults only; later Set* calls win.
func NewRuntime(cfg *Config) *Runtime {
	r := &Runtime{snap: Snapshot{
		Mode:                     RunMode(orDefault(cfg.Run.Mode, string(ModeInteractive))),
		OperationMode:            OperationNormal,
		MaxIterations:            cfg.Run.MaxIterations,
		BypassAllPermissions:     cfg.Run.BypassAllPermissions,
		ApprovalMode:             orDefault(cfg.Run.ApprovalMode, "mutate"),
		AllowIrreversibleActions: cfg.Run.AllowIrreversibleActions,
		Economy:                  cfg.Run.Economy,
		ThinkingLevel:            ThinkingLevel(orDefault(cfg.Run.Thinking.Level, string(ThinkingOff))),
		ThinkingVisibility:       ThinkingVisibility(orDefault(cfg.Run.Thinking.Visibility, string(VisibilityOff))),
		DailyBudgetUSD:           cfg.Run.DailyBudgetUSD,
		DailyBudgetAutoPause:     cfg.Run.DailyBudgetAutoPause,
		Model:                    cfg.Agent.Model,
		Fallbacks:                append([]string(nil), cfg.Agent.Fallbacks...),
		PollingTools:             append([]string(nil), cfg.Run.PollingTools...),
	}}

	if v := os.Getenv("DAILY_BUDGET_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			r.snap.DailyBudgetUSD = f
		}
	}
	if v := os.Getenv("ALLOW_IRREVERSIBLE_ACTIONS"); v != "" {
		r.snap.AllowIrreversibleActions = isTruthy(v)
	}
	if v := os.Getenv("DAILY_BUDGET_AUTO_PAUSE"); v != "" {
		r.snap.DailyBudgetAutoPause = isTruthy(v)
	}
	return r
}

func orDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Snapshot returns an immutable copy of the current settings.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.snap
	s.Fallbacks = append([]string(nil), r.snap.Fallbacks...)
	s.PollingTools = append([]string(nil), r.snap.PollingTools...)
	return s
}

// SetMode updates the run mode.
func (r *Runtime) SetMode(m RunMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Mode = m
}

// SetOperationMode updates the daemon operating state.
func (r *Runtime) SetOperationMode(m OperationMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.OperationMode = m
}

// SetMaxIterations updates the per-run iteration cap.
func (r *Runtime) SetMaxIterations(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.MaxIterations = n
}

// SetApprovalMode updates the approval mode. Returns false when the mode is
// locked by bypassAllPermissions.
func (r *Runtime) SetApprovalMode(mode string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.BypassAllPermissions {
		return false
	}
	r.snap.ApprovalMode = mode
	return true
}

// SetAllowIrreversibleActions toggles the undo-guarantee gate.
func (r *Runtime) SetAllowIrreversibleActions(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.AllowIrreversibleActions = v
}

// SetEconomy toggles economy mode.
func (r *Runtime) SetEconomy(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Economy.Enabled = enabled
}

// SetThinking updates the thinking settings. Empty fields are left as-is.
func (r *Runtime) SetThinking(level ThinkingLevel, visibility ThinkingVisibility) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if level != "" {
		r.snap.ThinkingLevel = level
	}
	if visibility != "" {
		r.snap.ThinkingVisibility = visibility
	}
}

// SetDailyBudget updates the spend budget. A zero budget disables the guard.
func (r *Runtime) SetDailyBudget(usd float64) {
	if usd < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.DailyBudgetUSD = usd
}

// SetSpendPaused sets or clears the spend pause latch.
func (r *Runtime) SetSpendPaused(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.SpendPaused = paused
}

// SetModel updates the session-scoped model ref ("provider/model").
func (r *Runtime) SetModel(ref string) {
	if ref == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Model = ref
}
