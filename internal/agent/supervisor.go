package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RunState is the live bookkeeping for one active run. It exists only while
// the run is live and is dropped on the terminal event.
type RunState struct {
	RunID     string
	SessionID string
	Cancel    context.CancelFunc
	StartedAt time.Time
}

// RunSupervisor tracks active runs and serves cancellation. Runs are
// independent; each carries its own context.
type RunSupervisor struct {
	mu      sync.Mutex
	runs    map[string]*RunState
	counter atomic.Int64
}

// NewRunSupervisor creates an empty supervisor.
func NewRunSupervisor() *RunSupervisor {
	return &RunSupervisor{runs: make(map[string]*RunState)}
}

// NewRunID allocates a process-unique run id.
func (s *RunSupervisor) NewRunID() string {
	return fmt.Sprintf("run-%d-%d", time.Now().UnixMilli(), s.counter.Add(1))
}

// Register derives a cancellable context for the run and records it.
func (s *RunSupervisor) Register(ctx context.Context, runID, sessionID string) (context.Context, *RunState) {
	runCtx, cancel := context.WithCancel(ctx)
	state := &RunState{
		RunID:     runID,
		SessionID: sessionID,
		Cancel:    cancel,
		StartedAt: time.Now(),
	}
	s.mu.Lock()
	s.runs[runID] = state
	s.mu.Unlock()
	return runCtx, state
}

// Deregister removes a finished run. Idempotent.
func (s *RunSupervisor) Deregister(runID string) {
	s.mu.Lock()
	state, ok := s.runs[runID]
	if ok {
		delete(s.runs, runID)
	}
	s.mu.Unlock()
	if ok {
		state.Cancel()
	}
}

// Abort cancels one run. Returns false when the run is not live.
func (s *RunSupervisor) Abort(runID string) bool {
	s.mu.Lock()
	state, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	state.Cancel()
	return true
}

// AbortSession cancels every live run for a session, returning the count.
func (s *RunSupervisor) AbortSession(sessionID string) int {
	s.mu.Lock()
	var targets []*RunState
	for _, state := range s.runs {
		if state.SessionID == sessionID {
			targets = append(targets, state)
		}
	}
	s.mu.Unlock()
	for _, state := range targets {
		state.Cancel()
	}
	return len(targets)
}

// AbortAll cancels every live run, returning the count.
func (s *RunSupervisor) AbortAll() int {
	s.mu.Lock()
	targets := make([]*RunState, 0, len(s.runs))
	for _, state := range s.runs {
		targets = append(targets, state)
	}
	s.mu.Unlock()
	for _, state := range targets {
		state.Cancel()
	}
	return len(targets)
}

// Active returns the number of live runs.
func (s *RunSupervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}
