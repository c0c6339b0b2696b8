// Package api serves the engine's HTTP surface: health, metrics, rule health,
// manual runs and alert listing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"detection-engine/internal/executor"
	"detection-engine/internal/logging"
	"detection-engine/internal/middleware"
	"detection-engine/internal/rule"
	"detection-engine/internal/scheduler"
	"detection-engine/internal/source"
	"detection-engine/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
	healthTimeout     = 5 * time.Second
)

// InstanceReader reads rule instances.
type InstanceReader interface {
	Get(ctx context.Context, id string) (*rule.Instance, error)
	List(ctx context.Context) ([]*rule.Instance, error)
}

// Trigger starts manual runs.
type Trigger interface {
	TriggerNow(ctx context.Context, instanceID string) (executor.Result, error)
	Running() []string
}

// AlertSearcher searches persisted alerts.
type AlertSearcher interface {
	Search(ctx context.Context, q source.Query) ([]source.Document, error)
}

// HealthCheck probes a dependency.
type HealthCheck func(ctx context.Context) error

// Handler serves the engine API.
type Handler struct {
	instances InstanceReader
	trigger   Trigger
	alerts    AlertSearcher
	registry  *rule.Registry
	checks    map[string]HealthCheck
	limiter   *middleware.RateLimiter
	logger    *slog.Logger
}

// Options configures a Handler. Checks and Limiter are optional.
type Options struct {
	Instances InstanceReader
	Trigger   Trigger
	Alerts    AlertSearcher
	Registry  *rule.Registry
	Checks    map[string]HealthCheck
	Limiter   *middleware.RateLimiter
	Logger    *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		instances: opts.Instances,
		trigger:   opts.Trigger,
		alerts:    opts.Alerts,
		registry:  opts.Registry,
		checks:    opts.Checks,
		limiter:   opts.Limiter,
		logger:    opts.Logger,
	}
}

// RegisterRoutes registers the API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/rules", h.HandleListRules)
	mux.HandleFunc("GET /v1/rules/{id}", h.HandleGetRule)
	mux.HandleFunc("GET /v1/rule-types", h.HandleListTypes)
	mux.HandleFunc("GET /v1/alerts", h.HandleListAlerts)

	var run http.Handler = http.HandlerFunc(h.HandleRunRule)
	if h.limiter != nil {
		run = h.limiter.Limit(run)
	}
	mux.Handle("POST /v1/rules/{id}/run", run)
}

// Routes returns the API as a single handler with request observation.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return middleware.Observe(h.logger, mux)
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			components[name] = logging.MaskSensitivePatterns(err.Error())
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	resp := map[string]any{
		"status":     overall,
		"components": components,
	}
	if h.trigger != nil {
		resp["running"] = len(h.trigger.Running())
	}
	h.writeJSON(w, status, resp)
}

type ruleSummary struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	Enabled   bool        `json:"enabled"`
	Schedule  string      `json:"schedule"`
	Tags      []string    `json:"tags,omitempty"`
	LastRunAt *time.Time  `json:"last_run_at,omitempty"`
	Health    rule.Health `json:"health"`
	Running   bool        `json:"running"`
}

func summarize(inst *rule.Instance, running bool) ruleSummary {
	return ruleSummary{
		ID:        inst.ID,
		Name:      inst.Name,
		Type:      inst.TypeID,
		Enabled:   inst.Enabled,
		Schedule:  inst.Schedule,
		Tags:      inst.Tags,
		LastRunAt: inst.LastRunAt,
		Health:    inst.Health,
		Running:   running,
	}
}

// HandleListRules handles GET /v1/rules. Optional filters: type, enabled,
// health.
func (h *Handler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	instances, err := h.instances.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list rule instances", "error", err)
		h.writeError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to list rules")
		return
	}

	q := r.URL.Query()
	filterType := q.Get("type")
	filterEnabled := q.Get("enabled")
	filterHealth := q.Get("health")
	running := h.running()

	rules := make([]ruleSummary, 0, len(instances))
	for _, inst := range instances {
		if filterType != "" && inst.TypeID != filterType {
			continue
		}
		if filterEnabled == "true" && !inst.Enabled {
			continue
		}
		if filterEnabled == "false" && inst.Enabled {
			continue
		}
		if filterHealth != "" && string(inst.Health.Status) != filterHealth {
			continue
		}
		rules = append(rules, summarize(inst, running[inst.ID]))
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"total": len(rules),
	})
}

// HandleGetRule handles GET /v1/rules/{id}.
func (h *Handler) HandleGetRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, err := h.instances.Get(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, id, err)
		return
	}

	params := make(map[string]any, len(inst.Params))
	for k, v := range inst.Params {
		params[k] = logging.SafeLogValue(k, v)
	}

	h.writeJSON(w, http.StatusOK, struct {
		ruleSummary
		Params  map[string]any `json:"params,omitempty"`
		Actions []rule.Action  `json:"actions,omitempty"`
		State   rule.State     `json:"state,omitempty"`
	}{
		ruleSummary: summarize(inst, h.running()[inst.ID]),
		Params:      params,
		Actions:     inst.Actions,
		State:       inst.State,
	})
}

// HandleListTypes handles GET /v1/rule-types.
func (h *Handler) HandleListTypes(w http.ResponseWriter, _ *http.Request) {
	var types []string
	if h.registry != nil {
		types = h.registry.Types()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"types": types,
		"total": len(types),
	})
}

type runResponse struct {
	ExecutionID        string   `json:"execution_id"`
	Status             string   `json:"status"`
	AlertsCreated      int      `json:"alerts_created"`
	LimitReached       bool     `json:"limit_reached"`
	Suppressed         int      `json:"suppressed"`
	MaintenanceWindows []string `json:"maintenance_windows,omitempty"`
	DurationMS         int64    `json:"duration_ms"`
	ErrorKind          string   `json:"error_kind,omitempty"`
	Error              string   `json:"error,omitempty"`
	Retryable          bool     `json:"retryable,omitempty"`
}

// HandleRunRule handles POST /v1/rules/{id}/run. The run executes
// synchronously; a run that fails still answers 200 with the failure in the
// body.
func (h *Handler) HandleRunRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.instances.Get(r.Context(), id); err != nil {
		h.writeStoreError(w, id, err)
		return
	}

	res, err := h.trigger.TriggerNow(r.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrRunInProgress):
		h.writeError(w, http.StatusConflict, "RUN_IN_PROGRESS", "rule is already running")
		return
	case errors.Is(err, scheduler.ErrStopped):
		h.writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "scheduler is stopping")
		return
	case err != nil:
		h.logger.Error("manual run failed to start", "rule_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "RUN_FAILED", "failed to start run")
		return
	}

	resp := runResponse{
		ExecutionID:        res.ExecutionID.String(),
		Status:             "succeeded",
		AlertsCreated:      res.AlertsCreated,
		LimitReached:       res.LimitReached,
		Suppressed:         res.Suppressed,
		MaintenanceWindows: res.MaintenanceWindows,
		DurationMS:         res.Duration.Milliseconds(),
	}
	switch {
	case res.Skipped:
		resp.Status = "skipped"
	case res.Err != nil:
		resp.Status = "failed"
		resp.ErrorKind = string(res.Err.Kind)
		resp.Error = logging.MaskSensitivePatterns(res.Err.Error())
		resp.Retryable = res.Err.Retryable()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleListAlerts handles GET /v1/alerts?rule_id=&limit=. Newest first.
func (h *Handler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := source.Query{
		Index:    source.AlertsIndex,
		Limit:    defaultAlertLimit,
		SortDesc: true,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		q.Limit = min(n, maxAlertLimit)
	}
	if ruleID := r.URL.Query().Get("rule_id"); ruleID != "" {
		q.Conditions = append(q.Conditions, source.Condition{Field: "rule_id", Operator: "eq", Value: ruleID})
	}

	docs, err := h.alerts.Search(r.Context(), q)
	if err != nil {
		h.logger.Error("failed to search alerts", "error", err)
		h.writeError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to search alerts")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": docs,
		"total":  len(docs),
	})
}

func (h *Handler) running() map[string]bool {
	out := make(map[string]bool)
	if h.trigger == nil {
		return out
	}
	for _, id := range h.trigger.Running() {
		out[id] = true
	}
	return out
}

func (h *Handler) writeStoreError(w http.ResponseWriter, id string, err error) {
	if store.IsNotFound(err) {
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "rule not found: "+id)
		return
	}
	h.logger.Error("failed to load rule instance", "rule_id", id, "error", err)
	h.writeError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to load rule")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
