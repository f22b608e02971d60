// Package dispatch ties the core together: a request is admitted
// against the tenant's rate budget, routed to a channel, executed by
// the protocol's adaptor, and its snapshot published to the event
// pipeline.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/modelrelay/dispatch/pkg/types"

	gatewayerrors "github.com/modelrelay/dispatch/pkg/errors"

	"github.com/modelrelay/dispatch/internal/metrics"
	"github.com/modelrelay/dispatch/internal/observability"
	"github.com/modelrelay/dispatch/internal/pipeline"
	"github.com/modelrelay/dispatch/internal/ratelimit"
	"github.com/modelrelay/dispatch/internal/router"
)

// Request is one inbound request to dispatch.
type Request struct {
	Endpoint string
	Model    string
	Tenant   *router.TenantContext
	Payload  string
	Timeout  time.Duration
}

// ChannelCooldown sidelines a channel after it reported rate limiting.
type ChannelCooldown interface {
	Trip(channelCode string)
}

// Dispatcher runs the admit, route, execute, publish sequence.
type Dispatcher struct {
	limiter  *ratelimit.Limiter
	router   *router.Router
	registry *Registry
	pipeline *pipeline.Pipeline
	cooldown ChannelCooldown
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// Config contains configuration for a Dispatcher.
type Config struct {
	Limiter  *ratelimit.Limiter
	Router   *router.Router
	Registry *Registry
	Pipeline *pipeline.Pipeline
	Cooldown ChannelCooldown // optional
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		limiter:  cfg.Limiter,
		router:   cfg.Router,
		registry: cfg.Registry,
		pipeline: cfg.Pipeline,
		cooldown: cfg.Cooldown,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Dispatch handles one request end to end. Every outcome, including
// rejections, produces a snapshot so the pipeline sees the full
// request stream.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	ctx, requestID := observability.GetOrCreateRequestID(ctx)
	if d.tracer != nil {
		var span trace.Span
		ctx, span = observability.StartDispatchSpan(ctx, d.tracer, req.Endpoint, req.Tenant.Key)
		defer span.End()
	}

	requestAt := d.now()
	snap := &types.Snapshot{
		RequestID:   requestID,
		TenantKey:   req.Tenant.Key,
		Endpoint:    req.Endpoint,
		Model:       req.Model,
		RequestAt:   requestAt,
		RequestBody: req.Payload,
	}

	allowed, err := d.limiter.Admit(ctx, req.Tenant.Key)
	if err != nil {
		// Store failure already resolved by the limiter's policy; the
		// decision in allowed stands.
		d.logger.Debug("admission decided on degraded store",
			"tenant", req.Tenant.Key, "allowed", allowed)
	}
	if !allowed {
		metrics.AdmissionDecisions.WithLabelValues(req.Endpoint, "rejected").Inc()
		rejection := gatewayerrors.NewAdmissionRejectedError(req.Tenant.Key, req.Endpoint)
		d.finish(ctx, snap, rejection.StatusCode, "", rejection)
		return nil, rejection
	}
	metrics.AdmissionDecisions.WithLabelValues(req.Endpoint, "allowed").Inc()

	channel, err := d.router.Route(ctx, req.Endpoint, req.Model, req.Tenant)
	if err != nil {
		d.finish(ctx, snap, statusOf(err), "", err)
		return nil, err
	}
	snap.Channel = channel.Code
	snap.Supplier = channel.Supplier
	snap.PriceInfo = channel.PriceInfo
	if d.tracer != nil {
		observability.RecordRoutingDecision(observability.SpanFromContext(ctx),
			channel.Code, channel.Supplier, int(channel.Tier))
	}

	executor, ok := d.registry.Lookup(req.Endpoint, channel.Protocol)
	if !ok {
		missing := gatewayerrors.NewInternalError(req.Endpoint,
			"no executor registered for protocol "+channel.Protocol)
		d.finish(ctx, snap, missing.StatusCode, "", missing)
		return nil, missing
	}

	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	result, err := executor.Execute(execCtx, req, channel)
	if err != nil {
		var upstream *UpstreamError
		if d.cooldown != nil && errors.As(err, &upstream) && upstream.StatusCode == http.StatusTooManyRequests {
			d.cooldown.Trip(channel.Code)
		}
		if execCtx.Err() == context.DeadlineExceeded {
			err = gatewayerrors.NewTimeoutError(req.Endpoint, "upstream call timed out")
		} else if !gatewayerrors.IsType(err, gatewayerrors.TypeHandlerExecution) {
			err = gatewayerrors.NewHandlerExecutionError(req.Endpoint, err.Error())
		}
		d.finish(ctx, snap, statusOf(err), "", err)
		return nil, err
	}

	snap.Usage = result.Usage
	snap.FirstByte = result.FirstByte
	d.finish(ctx, snap, result.StatusCode, result.Body, nil)
	return result, nil
}

// finish completes the snapshot and hands it to the pipeline.
func (d *Dispatcher) finish(ctx context.Context, snap *types.Snapshot, statusCode int, body string, err error) {
	snap.Duration = d.now().Sub(snap.RequestAt)
	snap.StatusCode = statusCode
	snap.ResponseBody = body
	snap.Success = err == nil
	if err != nil {
		snap.Error = err.Error()
		if d.tracer != nil {
			observability.RecordError(observability.SpanFromContext(ctx), err)
		}
	}
	if d.pipeline != nil {
		d.pipeline.Publish(snap)
	}
}

func statusOf(err error) int {
	var ge *gatewayerrors.GatewayError
	if errors.As(err, &ge) {
		return ge.HTTPStatusCode()
	}
	return 500
}
