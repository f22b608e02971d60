// Package api exposes the operational HTTP surface: task submission
// and lookup, rate limit administration, health, and metrics.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/modelrelay/dispatch/pkg/types"

	gatewayerrors "github.com/modelrelay/dispatch/pkg/errors"

	"github.com/modelrelay/dispatch/internal/idgen"
	"github.com/modelrelay/dispatch/internal/jobqueue"
	"github.com/modelrelay/dispatch/internal/metrics"
	"github.com/modelrelay/dispatch/internal/observability"
	"github.com/modelrelay/dispatch/internal/ratelimit"
)

// ErrorResponse is the error envelope for all endpoints.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Handler serves the HTTP API.
type Handler struct {
	tasks   *jobqueue.Service
	limiter *ratelimit.Limiter
	ids     *idgen.Generator
	logger  *slog.Logger
}

// Config contains the handler's collaborators.
type Config struct {
	Tasks   *jobqueue.Service
	Limiter *ratelimit.Limiter
	IDs     *idgen.Generator
	Logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		tasks:   cfg.Tasks,
		limiter: cfg.Limiter,
		ids:     cfg.IDs,
		logger:  cfg.Logger,
	}
}

type submitTaskRequest struct {
	TenantKey string `json:"tenant_key"`
	Endpoint  string `json:"endpoint"`
	Queue     string `json:"queue,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	Payload   string `json:"payload"`
	Mode      string `json:"mode,omitempty"` // callback, stream, blocking
	Timeout   int    `json:"timeout,omitempty"`
}

type taskResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
	Queue       string `json:"queue,omitempty"`
	Priority    int    `json:"priority"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// SubmitTask enqueues a task. Blocking mode waits up to the task's
// timeout for a terminal status and returns it inline.
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		h.writeError(w, r, gatewayerrors.NewInternalError("", "task queue not configured"))
		return
	}

	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, gatewayerrors.NewInvalidRequestError("", "malformed request body"))
		return
	}
	if req.TenantKey == "" || req.Endpoint == "" {
		h.writeError(w, r, gatewayerrors.NewInvalidRequestError(req.Endpoint,
			"tenant_key and endpoint are required"))
		return
	}
	if req.Priority < 0 {
		h.writeError(w, r, gatewayerrors.NewInvalidRequestError(req.Endpoint,
			"priority cannot be negative"))
		return
	}

	allowed, _ := h.limiter.Admit(r.Context(), req.TenantKey)
	if !allowed {
		metrics.AdmissionDecisions.WithLabelValues(req.Endpoint, "rejected").Inc()
		h.writeError(w, r, gatewayerrors.NewAdmissionRejectedError(req.TenantKey, req.Endpoint))
		return
	}
	metrics.AdmissionDecisions.WithLabelValues(req.Endpoint, "allowed").Inc()

	id, err := h.ids.Generate(req.TenantKey)
	if err != nil {
		h.writeError(w, r, gatewayerrors.NewInternalError(req.Endpoint, "id generation unavailable"))
		return
	}

	mode := types.ResponseMode(req.Mode)
	if mode == "" {
		mode = types.ResponseCallback
	}

	task := &types.Task{
		ID:        id,
		TenantKey: req.TenantKey,
		Endpoint:  req.Endpoint,
		Queue:     req.Queue,
		Priority:  req.Priority,
		Payload:   req.Payload,
		Mode:      mode,
		Timeout:   req.Timeout,
		Status:    types.TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.tasks.Enqueue(r.Context(), task); err != nil {
		h.writeError(w, r, err)
		return
	}

	if mode == types.ResponseBlocking {
		timeout := time.Duration(req.Timeout) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		done, err := h.tasks.Wait(r.Context(), task.ID, timeout)
		if err != nil {
			h.writeError(w, r, gatewayerrors.NewTimeoutError(req.Endpoint,
				"task did not complete in time"))
			return
		}
		h.writeJSON(w, http.StatusOK, toTaskResponse(done))
		return
	}

	h.writeJSON(w, http.StatusAccepted, taskResponse{
		ID:       task.ID,
		Status:   string(task.Status),
		Queue:    task.Queue,
		Priority: task.Priority,
	})
}

// GetTask returns the current state of a task.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		h.writeError(w, r, gatewayerrors.NewInternalError("", "task queue not configured"))
		return
	}

	id := r.PathValue("id")
	task, err := h.tasks.Detail(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobqueue.ErrTaskNotFound) {
			h.writeError(w, r, gatewayerrors.NewInvalidRequestError("", "unknown task id"))
			return
		}
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTaskResponse(task))
}

type rateLimitResponse struct {
	TenantKey  string  `json:"tenant_key"`
	CeilingQPS float64 `json:"ceiling_qps"`
	Limited    bool    `json:"limited"`
	CurrentRPM float64 `json:"current_rpm"`
}

// GetRateLimit reports a tenant's ceiling and current observed rate.
func (h *Handler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	qps, limited := h.limiter.Limit(tenant)
	rpm, err := h.limiter.CurrentRate(r.Context(), tenant)
	if err != nil {
		h.writeError(w, r, gatewayerrors.NewQueueTransportError("ratelimit", err))
		return
	}
	h.writeJSON(w, http.StatusOK, rateLimitResponse{
		TenantKey:  tenant,
		CeilingQPS: qps,
		Limited:    limited,
		CurrentRPM: rpm,
	})
}

type setRateLimitRequest struct {
	CeilingQPS float64 `json:"ceiling_qps"`
}

// SetRateLimit sets or removes a tenant's ceiling. Zero or negative
// removes the limit.
func (h *Handler) SetRateLimit(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	var req setRateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, gatewayerrors.NewInvalidRequestError("", "malformed request body"))
		return
	}
	h.limiter.SetLimit(tenant, req.CeilingQPS)
	qps, limited := h.limiter.Limit(tenant)
	h.writeJSON(w, http.StatusOK, rateLimitResponse{
		TenantKey:  tenant,
		CeilingQPS: qps,
		Limited:    limited,
	})
}

// TopTenants returns the busiest tenants in the current window.
func (h *Handler) TopTenants(w http.ResponseWriter, r *http.Request) {
	n := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, r, gatewayerrors.NewInvalidRequestError("", "n must be a positive integer"))
			return
		}
		n = parsed
	}
	top, err := h.limiter.TopTenants(r.Context(), n)
	if err != nil {
		h.writeError(w, r, gatewayerrors.NewQueueTransportError("ratelimit", err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tenants": top})
}

// Healthz is the liveness endpoint.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toTaskResponse(task *types.Task) taskResponse {
	resp := taskResponse{
		ID:       task.ID,
		Status:   string(task.Status),
		Result:   task.Result,
		Queue:    task.Queue,
		Priority: task.Priority,
	}
	if task.CompletedAt != nil {
		resp.CompletedAt = task.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("write response failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	detail := ErrorDetail{Message: "internal error", Type: gatewayerrors.TypeInternalError}

	var ge *gatewayerrors.GatewayError
	if errors.As(err, &ge) {
		status = ge.HTTPStatusCode()
		detail = ErrorDetail{Message: ge.Message, Type: ge.Type}
	}

	h.logger.Warn("request failed",
		"request_id", observability.RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)
	h.writeJSON(w, status, ErrorResponse{Error: detail})
}
