package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vigild/vigild/internal/auth"
	"github.com/vigild/vigild/internal/config"
	"github.com/vigild/vigild/internal/history"
	"github.com/vigild/vigild/internal/middleware"
	"github.com/vigild/vigild/internal/registry"
	"github.com/vigild/vigild/internal/runner"
)

// HealthHandler handles liveness probes.
type HealthHandler struct{}

// NewHealthHandler creates a new health handler.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now()})
}

// AuthHandler handles login.
type AuthHandler struct {
	svc    *auth.Service
	logger *slog.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(svc *auth.Service, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger}
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.SendError(w, r, http.StatusBadRequest, "BAD_REQUEST", "Invalid login payload", nil)
		return
	}

	resp, err := h.svc.Login(req.Username, req.Password)
	if err != nil {
		h.logger.Warn("login rejected", "username", req.Username, "ip", r.RemoteAddr)
		middleware.SendError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials", nil)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// StatusHandler reports runner and registry state.
type StatusHandler struct {
	cfg *config.Config
	run *runner.Runner
	reg *registry.Registry
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(cfg *config.Config, run *runner.Runner, reg *registry.Registry) *StatusHandler {
	return &StatusHandler{cfg: cfg, run: run, reg: reg}
}

// StatusResponse is the GET /api/v1/status payload.
type StatusResponse struct {
	Runner   runner.Status `json:"runner"`
	Registry string        `json:"registry"`
}

// Status handles GET /api/v1/status.
func (h *StatusHandler) Status(w http.ResponseWriter, _ *http.Request) {
	filter := registry.Filter{
		EnabledTools:  h.cfg.Heartbeat.EnabledTools,
		DisabledTools: h.cfg.Heartbeat.DisabledTools,
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Runner:   h.run.Snapshot(),
		Registry: h.reg.FormatStatus(filter),
	})
}

// ToolsHandler reports the health of every registered tool.
type ToolsHandler struct {
	reg *registry.Registry
}

// NewToolsHandler creates a new tools handler.
func NewToolsHandler(reg *registry.Registry) *ToolsHandler {
	return &ToolsHandler{reg: reg}
}

// List handles GET /api/v1/tools.
func (h *ToolsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.HealthCheckAll(r.Context()))
}

// RunHandler triggers a manual cycle.
type RunHandler struct {
	run    *runner.Runner
	logger *slog.Logger
}

// NewRunHandler creates a new run handler.
func NewRunHandler(run *runner.Runner, logger *slog.Logger) *RunHandler {
	return &RunHandler{run: run, logger: logger}
}

// Trigger handles POST /api/v1/run. The manual path reuses the timer path's
// cycle algorithm; a concurrent cycle yields 409, never interleaving.
func (h *RunHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	username, _ := r.Context().Value(middleware.UsernameKey).(string)
	h.logger.Info("manual cycle requested", "user", username)

	if err := h.run.RunOnce(r.Context()); err != nil {
		if errors.Is(err, runner.ErrCycleInProgress) {
			middleware.SendError(w, r, http.StatusConflict, "CYCLE_IN_PROGRESS", "A cycle is already running", nil)
			return
		}
		middleware.SendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusOK, h.run.Snapshot())
}

// HistoryHandler serves persisted cycle records.
type HistoryHandler struct {
	store *history.Store
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(store *history.Store) *HistoryHandler {
	return &HistoryHandler{store: store}
}

// Recent handles GET /api/v1/history.
func (h *HistoryHandler) Recent(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		middleware.SendError(w, r, http.StatusNotImplemented, "HISTORY_DISABLED", "Cycle history is not enabled", nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.store.Recent(r.Context(), limit)
	if err != nil {
		middleware.SendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
