package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/agentd/internal/actions"
	"github.com/haasonsaas/agentd/internal/agent"
	"github.com/haasonsaas/agentd/internal/config"
	"github.com/haasonsaas/agentd/internal/usage"
	"github.com/haasonsaas/agentd/pkg/models"
)

// Server routes the daemon HTTP API.
type Server struct {
	loop       *agent.ChatLoop
	runtime    *config.Runtime
	supervisor *agent.RunSupervisor
	approvals  *agent.ApprovalGate
	undo       *actions.UndoService
	journal    *actions.Journal
	tracker    *usage.Tracker
	spend      *usage.SpendGuard
	logger     *slog.Logger
}

// ServerOptions wires a Server.
type ServerOptions struct {
	Loop       *agent.ChatLoop
	Runtime    *config.Runtime
	Supervisor *agent.RunSupervisor
	Approvals  *agent.ApprovalGate
	Undo       *actions.UndoService
	Journal    *actions.Journal
	Tracker    *usage.Tracker
	Spend      *usage.SpendGuard
	Logger     *slog.Logger
}

// NewServer creates the API server.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		loop:       opts.Loop,
		runtime:    opts.Runtime,
		supervisor: opts.Supervisor,
		approvals:  opts.Approvals,
		undo:       opts.Undo,
		journal:    opts.Journal,
		tracker:    opts.Tracker,
		spend:      opts.Spend,
		logger:     opts.Logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/abort", s.handleAbort)
	mux.HandleFunc("POST /chat/approve", s.handleApprove)
	mux.HandleFunc("GET /chat/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /chat/approval-mode", s.handleGetApprovalMode)
	mux.HandleFunc("POST /chat/approval-mode", s.handleSetApprovalMode)
	mux.HandleFunc("GET /chat/run-config", s.handleGetRunConfig)
	mux.HandleFunc("POST /chat/run-config", s.handleSetRunConfig)
	mux.HandleFunc("GET /chat/thinking", s.handleGetThinking)
	mux.HandleFunc("POST /chat/thinking", s.handleSetThinking)
	mux.HandleFunc("POST /chat/undo", s.handleUndo)
	mux.HandleFunc("GET /chat/actions", s.handleListActions)
	mux.HandleFunc("GET /chat/usage", s.handleUsage)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// apiError is the non-streaming error envelope.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: code})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// handleChat starts a run and streams its events as SSE. Pre-flight guard
// failures map onto status codes before the stream opens.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req agent.ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "CHAT_BAD_REQUEST", err.Error())
		return
	}

	events, err := s.loop.Run(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrDaemonBlocked):
			writeError(w, http.StatusLocked, "DAEMON_OPERATION_MODE_BLOCK", err.Error())
		case errors.Is(err, usage.ErrSpendLimit):
			writeError(w, http.StatusTooManyRequests, "CHAT_SPEND_LIMIT_REACHED", err.Error())
		case errors.Is(err, agent.ErrAttachmentInvalid):
			writeError(w, http.StatusBadRequest, "CHAT_ATTACHMENT_INVALID", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "CHAT_START_FAILED", err.Error())
		}
		return
	}

	stream, err := NewEventWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "CHAT_STREAM_UNSUPPORTED", err.Error())
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-heartbeat.C:
			if err := stream.WriteHeartbeat(); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = stream.WriteDone()
				return
			}
			if err := stream.WriteEvent(ev); err != nil {
				// Client went away; the run keeps draining until its own
				// context cancels.
				s.logger.Debug("chat stream write failed", "run_id", ev.RunID, "error", err)
				return
			}
		}
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID     string `json:"runId,omitempty"`
		SessionID string `json:"sessionId,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "CHAT_BAD_REQUEST", err.Error())
		return
	}

	var aborted int
	switch {
	case req.RunID != "":
		if s.supervisor.Abort(req.RunID) {
			aborted = 1
		}
	case req.SessionID != "":
		aborted = s.supervisor.AbortSession(req.SessionID)
	default:
		aborted = s.supervisor.AbortAll()
	}
	writeJSON(w, http.StatusOK, map[string]any{"aborted": aborted})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string `json:"id"`
		Approved    bool   `json:"approved"`
		AllowAlways bool   `json:"allowAlways,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "CHAT_BAD_REQUEST", err.Error())
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "CHAT_BAD_REQUEST", "id is required")
		return
	}
	if !s.approvals.Resolve(req.ID, req.Approved, req.AllowAlways) {
		writeError(w, http.StatusNotFound, "APPROVAL_NOT_FOUND", "no pending approval with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.approvals.Pending()})
}

func (s *Server) handleGetApprovalMode(w http.ResponseWriter, _ *http.Request) {
	snap := s.runtime.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":   snap.EffectiveApprovalMode(),
		"locked": snap.BypassAllPermissions,
	})
}

func (s *Server) handleSetApprovalMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "CHAT_BAD_REQUEST", err.Error())
		return
	}
	switch req.Mode {
	case "off", "mutate", "always":
	default:
		writeError(w, http.StatusBadRequest, "CHAT_BAD_REQUEST", "mode must be off, mutate or always")
		return
	}
	if !s.runtime.SetApprovalMode(req.Mode) {
		writeError(w, http.StatusConflict, "APPROVAL_MODE_LOCKED",
			"approval mode is locked while bypassAllPermissions is set")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": req.Mode})
}

func (s *Server) handleGetRunConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runConfigView())
}

func (s *Server) handleSetRunConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode                     *string  `json:"mode,omitempty"`
		OperationMode            *string  `json:"operationMode,omitempty"`
		MaxIterations            *int     `json:"maxIterations,omitempty"`
		AllowIrreversibleActions *bool    `json:"allowIrreversibleActions,omitempty"`
		Economy                  *bool    `json:"economyMode,omitempty"`
		DailyBudgetUSD           *float64 `json:"dailyBudgetUsd,omitempty"`
		SpendPaused              *bool    `json:"spendPaused,omitempty"`
		Model                    *string  `json:"model,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "CHAT_BAD_REQUEST", err.Error())
		return
	}

	if req.Mode != nil {
		switch config.RunMode(*req.Mode) {
		case config.ModeInteractive, config.ModeSupervised, config.ModeAutonomous:
			s.runtime.SetMode(config.RunMode(*req.Mode))
		default:
			writeError(w, http.StatusBadRequest, "CHAT_BAD_REQUEST", "unknown run mode")
			return
		}
	}
	if req.OperationMode != nil {
		switch config.OperationMode(*req.OperationMode) {
		case config.OperationNormal, config.OperationMaintenance, config.OperationDraining:
			s.runtime.SetOperationMode(config.OperationMode(*req.OperationMode))
		default:
			writeError(w, http.StatusBadRequest, "CHAT_BAD_REQUEST", "unknown operation mode")
			return
		}
	}
	if req.MaxIterations != nil {
		s.runtime.SetMaxIterations(*req.MaxIterations)
	}
	if req.AllowIrreversibleActions != nil {
		s.runtime.SetAllowIrreversibleActions(*req.AllowIrreversibleActions)
	}
	if req.Economy != nil {
		s.runtime.SetEconomy(*req.Economy)
	}
	if req.DailyBudgetUSD != nil {
		s.runtime.SetDailyBudget(*req.DailyBudgetUSD)
	}
	if req.SpendPaused != nil {
		s.runtime.SetSpendPaused(*req.SpendPaused)
	}
	if req.Model != nil {
		s.runtime.SetModel(*req.Model)
	}
	writeJSON(w, http.StatusOK, s.runConfigView())
}

func (s *Server) runConfigView() map[string]any {
	snap := s.runtime.Snapshot()
	return map[string]any{
		"mode":                     string(snap.Mode),
		"operationMode":            string(snap.OperationMode),
		"maxIterations":            snap.MaxIterations,
		"effectiveMaxIterations":   snap.EffectiveMaxIterations(),
		"approvalMode":             snap.EffectiveApprovalMode(),
		"approvalModeLocked":       snap.BypassAllPermissions,
		"allowIrreversibleActions": snap.AllowIrreversibleActions,
		"economyMode":              snap.Economy.Enabled,
		"model":                    snap.Model,
		"fallbacks":                snap.Fallbacks,
		"pollingTools":             snap.PollingTools,
		"spend":                    s.spend.Snapshot(spendSettingsOf(snap)),
	}
}

func (s *Server) handleGetThinking(w http.ResponseWriter, _ *http.Request) {
	snap := s.runtime.Snapshot()
	level, visibility := snap.EffectiveThinking()
	writeJSON(w, http.StatusOK, map[string]any{
		"level":      string(level),
		"visibility": string(visibility),
		"forcedOff":  snap.Economy.Enabled && snap.ThinkingLevel != config.ThinkingOff,
	})
}

func (s *Server) handleSetThinking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level      string `json:"level,omitempty"`
		Visibility string `json:"visibility,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "CHAT_BAD_REQUEST", err.Error())
		return
	}
	if req.Level != "" {
		switch config.ThinkingLevel(req.Level) {
		case config.ThinkingOff, config.ThinkingLow, config.ThinkingMedium, config.ThinkingHigh:
		default:
			writeError(w, http.StatusBadRequest, "CHAT_BAD_REQUEST", "level must be off, low, medium or high")
			return
		}
	}
	if req.Visibility != "" {
		switch config.ThinkingVisibility(req.Visibility) {
		case config.VisibilityOff, config.VisibilityOn, config.VisibilityStream:
		default:
			writeError(w, http.StatusBadRequest, "CHAT_BAD_REQUEST", "visibility must be off, on or stream")
			return
		}
	}
	s.runtime.SetThinking(config.ThinkingLevel(req.Level), config.ThinkingVisibility(req.Visibility))
	s.handleGetThinking(w, r)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
		ID     int64  `json:"id,omitempty"`
		Count  int    `json:"count,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "CHAT_BAD_REQUEST", err.Error())
		return
	}

	ctx := r.Context()
	var (
		results []actions.UndoResult
		err     error
	)
	switch req.Action {
	case "list":
		undoable, uerr := s.journal.ListUndoable()
		if uerr != nil {
			writeError(w, http.StatusInternalServerError, "UNDO_LIST_FAILED", uerr.Error())
			return
		}
		redoable, rerr := s.journal.ListRedoable()
		if rerr != nil {
			writeError(w, http.StatusInternalServerError, "UNDO_LIST_FAILED", rerr.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"undoable": undoable,
			"redoable": redoable,
		})
		return
	case "undo_one":
		results, err = s.undo.UndoOne(ctx, req.ID)
	case "undo_last":
		results, err = s.undo.UndoLastN(ctx, atLeastOne(req.Count))
	case "undo_all":
		results, err = s.undo.UndoAll(ctx)
	case "redo_one":
		results, err = s.undo.RedoOne(ctx, req.ID)
	case "redo_last":
		results, err = s.undo.RedoLastN(ctx, atLeastOne(req.Count))
	case "redo_all":
		results, err = s.undo.RedoAll(ctx)
	default:
		writeError(w, http.StatusBadRequest, "CHAT_BAD_REQUEST",
			"action must be one of list, undo_one, undo_last, undo_all, redo_one, redo_last, redo_all")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "UNDO_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := actions.Filter{
		RunID: q.Get("runId"),
		Limit: 100,
	}
	if v := q.Get("category"); v != "" {
		filter.Category = models.ActionCategory(v)
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("undoable"); v != "" {
		b := v == "true" || v == "1"
		filter.Undoable = &b
	}

	recs, err := s.journal.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ACTIONS_LIST_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": recs})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	snap := s.runtime.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"spent24h": s.tracker.Spent24h(),
		"spend":    s.spend.Snapshot(spendSettingsOf(snap)),
		"recent":   s.tracker.Recent(limit),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.runtime.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"operationMode": string(snap.OperationMode),
		"activeRuns":    s.supervisor.Active(),
	})
}

func spendSettingsOf(snap config.Snapshot) usage.SpendSettings {
	return usage.SpendSettings{
		DailyBudgetUSD: snap.DailyBudgetUSD,
		AutoPause:      snap.DailyBudgetAutoPause,
		Paused:         snap.SpendPaused,
	}
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
