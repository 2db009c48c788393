// Package api exposes the governor over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-governor/internal/cache"
	"github.com/vnmchuo/llm-governor/internal/circuit"
	"github.com/vnmchuo/llm-governor/internal/governor"
	"github.com/vnmchuo/llm-governor/internal/ledger"
	"github.com/vnmchuo/llm-governor/internal/rollout"
	"github.com/vnmchuo/llm-governor/internal/tenant"
	"github.com/vnmchuo/llm-governor/pkg/ratelimit"
)

const defaultEstimatedTokens = 1000

type Governor interface {
	Run(ctx context.Context, task governor.Task) governor.Result
	BudgetStatus(ctx context.Context, tenantID string) (*ledger.BudgetStatus, error)
	Metrics(ctx context.Context) (*governor.Metrics, error)
	SetTrafficPercent(ctx context.Context, percent int, actor, reason string) (*rollout.Config, error)
	Rollback(ctx context.Context, actor, reason string) (*rollout.Config, error)
	SetShadowMode(ctx context.Context, on bool, actor, reason string) (*rollout.Config, error)
	RolloutConfig(ctx context.Context) (*rollout.Config, error)
	CircuitState(ctx context.Context, tenantID string) (*circuit.State, error)
	AcknowledgePause(ctx context.Context, actor string) error
}

type BatchRunner interface {
	RunBatch(ctx context.Context, tasks []governor.Task) []governor.Result
}

type Handler struct {
	gov     Governor
	batch   BatchRunner
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewHandler(gov Governor, batch BatchRunner, limiter *ratelimit.Limiter, tracer trace.Tracer, logger *slog.Logger) *Handler {
	return &Handler{
		gov:     gov,
		batch:   batch,
		limiter: limiter,
		tracer:  tracer,
		logger:  logger,
	}
}

type runRequest struct {
	WorkUnitID    string  `json:"work_unit_id"`
	TaskType      string  `json:"task_type"`
	System        string  `json:"system"`
	Prompt        string  `json:"prompt"`
	MaxTokens     int     `json:"max_tokens"`
	ContextKind   string  `json:"context_kind"`
	ContextID     string  `json:"context_id"`
	Context       string  `json:"context"`
	ProjectedCost float64 `json:"projected_cost"`
	// ExpectJSON rejects output that is not a JSON document.
	ExpectJSON bool `json:"expect_json"`
}

func (req runRequest) task(t *tenant.Tenant) governor.Task {
	task := governor.Task{
		WorkUnitID:    req.WorkUnitID,
		TenantID:      t.ID,
		Tier:          t.Tier,
		TaskType:      req.TaskType,
		System:        req.System,
		Prompt:        req.Prompt,
		MaxTokens:     req.MaxTokens,
		ContextKind:   cache.Kind(req.ContextKind),
		ContextID:     req.ContextID,
		Context:       req.Context,
		ProjectedCost: req.ProjectedCost,
	}
	if req.ExpectJSON {
		task.Validate = validJSON
	}
	return task
}

func (req runRequest) estimatedTokens() int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultEstimatedTokens
}

func validJSON(output string) error {
	if !json.Valid([]byte(output)) {
		return errors.New("output is not valid JSON")
	}
	return nil
}

// StatusFor maps a result's error kind to an HTTP status.
func StatusFor(kind governor.ErrorKind) int {
	switch kind {
	case governor.KindNone:
		return http.StatusOK
	case governor.KindBudgetExceeded:
		return http.StatusPaymentRequired
	case governor.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case governor.KindRunawayAgent, governor.KindValidationError:
		return http.StatusUnprocessableEntity
	case governor.KindCallTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) rateLimited(w http.ResponseWriter, ctx context.Context, tenantID string, tpm int64, tokens int) bool {
	allowed, err := h.limiter.Allow(ctx, tenantID, tpm, tokens)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", "tenant_id", tenantID, "error", err)
	}
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return true
	}
	return false
}

func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, ok := tenant.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, span := h.tracer.Start(ctx, "api.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", t.ID),
		attribute.String("request_id", tenant.GetRequestID(ctx)),
		attribute.String("task_type", req.TaskType),
	)

	if h.rateLimited(w, ctx, t.ID, t.RateLimit, req.estimatedTokens()) {
		return
	}

	res := h.gov.Run(ctx, req.task(t))
	writeJSON(w, StatusFor(res.Error), res)
}

type batchRequest struct {
	Tasks []runRequest `json:"tasks"`
}

// HandleRunBatch runs every task and answers 200 with one result per task;
// per-task failures are reported in the results.
func (h *Handler) HandleRunBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, ok := tenant.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Tasks) == 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, span := h.tracer.Start(ctx, "api.run_batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", t.ID),
		attribute.Int("tasks", len(req.Tasks)),
	)

	tokens := 0
	tasks := make([]governor.Task, len(req.Tasks))
	for i, tr := range req.Tasks {
		tokens += tr.estimatedTokens()
		tasks[i] = tr.task(t)
	}
	if h.rateLimited(w, ctx, t.ID, t.RateLimit, tokens) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": h.batch.RunBatch(ctx, tasks),
	})
}

// HandleBudget reports today's budget. Tenants may only read their own.
func (h *Handler) HandleBudget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, ok := tenant.FromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	tenantID := urlParam(r, "tenantID")
	if tenantID != t.ID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	status, err := h.gov.BudgetStatus(ctx, tenantID)
	if err != nil {
		h.logger.Error("budget status failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type rolloutRequest struct {
	Percent *int   `json:"percent"`
	Enabled *bool  `json:"enabled"`
	Actor   string `json:"actor"`
	Reason  string `json:"reason"`
}

func decodeRollout(w http.ResponseWriter, r *http.Request) (*rolloutRequest, bool) {
	var req rolloutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return nil, false
	}
	return &req, true
}

func (h *Handler) writeRollout(w http.ResponseWriter, cfg *rollout.Config, err error) {
	if err != nil {
		if errors.Is(err, rollout.ErrInvalidPercent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("rollout update failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) HandleSetPercent(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRollout(w, r)
	if !ok {
		return
	}
	if req.Percent == nil {
		writeError(w, http.StatusBadRequest, "percent is required")
		return
	}
	cfg, err := h.gov.SetTrafficPercent(r.Context(), *req.Percent, req.Actor, req.Reason)
	h.writeRollout(w, cfg, err)
}

func (h *Handler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRollout(w, r)
	if !ok {
		return
	}
	cfg, err := h.gov.Rollback(r.Context(), req.Actor, req.Reason)
	h.writeRollout(w, cfg, err)
}

func (h *Handler) HandleShadowMode(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRollout(w, r)
	if !ok {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	cfg, err := h.gov.SetShadowMode(r.Context(), *req.Enabled, req.Actor, req.Reason)
	h.writeRollout(w, cfg, err)
}

func (h *Handler) HandleRolloutConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.gov.RolloutConfig(r.Context())
	h.writeRollout(w, cfg, err)
}

func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.gov.Metrics(r.Context())
	if err != nil {
		h.logger.Error("metrics failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) HandleCircuitState(w http.ResponseWriter, r *http.Request) {
	state, err := h.gov.CircuitState(r.Context(), urlParam(r, "tenantID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	if err := h.gov.AcknowledgePause(r.Context(), req.Actor); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("acknowledge: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
