package router

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	gwerrors "github.com/modelrelay/dispatch/pkg/errors"
	"github.com/modelrelay/dispatch/pkg/types"

	"github.com/modelrelay/dispatch/internal/metrics"
)

// TenantContext carries the per-request tenant attributes consulted
// during availability filtering.
type TenantContext struct {
	Key string

	// ComplianceClass is the tenant's data-residency/compliance class,
	// interpreted by the external compliance gate.
	ComplianceClass string

	// Protocols restricts candidates to the listed protocol identifiers.
	// Empty means any protocol is acceptable.
	Protocols []string
}

// ComplianceGate is the external risk/compliance collaborator. The
// router calls it during filtering but does not implement the policy.
type ComplianceGate interface {
	Permit(ctx context.Context, tenant *TenantContext, ch *types.Channel) bool
}

// UsageSignal reports current resource usage for a channel; candidates
// with minimum usage are preferred within a priority tier. The default
// signal reports all channels tied.
type UsageSignal interface {
	CurrentUsage(ctx context.Context, ch *types.Channel) float64
}

// LimitChecker reports whether a channel is currently rate limited and
// must be skipped during filtering.
type LimitChecker interface {
	Limited(ctx context.Context, channelCode string) bool
}

// Config contains the router's collaborators. All are optional; nil
// values disable the corresponding filter.
type Config struct {
	Gate   ComplianceGate
	Usage  UsageSignal
	Limits LimitChecker
	Logger *slog.Logger
}

// Router picks one channel per request. It is safe for concurrent use.
type Router struct {
	source Source
	gate   ComplianceGate
	usage  UsageSignal
	limits LimitChecker
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a Router over the given channel metadata source.
func New(source Source, cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		source: source,
		gate:   cfg.Gate,
		usage:  cfg.Usage,
		limits: cfg.Limits,
		logger: cfg.Logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Route selects a channel for the (endpoint, model) pair. When model is
// set the model entity is routed, otherwise the endpoint entity. An
// empty candidate set at any filtering step is a hard failure; the list
// is never silently widened.
func (r *Router) Route(ctx context.Context, endpoint, model string, tenant *TenantContext) (*types.Channel, error) {
	entityType := types.EntityEndpoint
	entityCode := endpoint
	if model != "" {
		entityType = types.EntityModel
		entityCode = model
	}

	channels, err := r.source.ListActive(ctx, entityType, entityCode)
	if err != nil {
		metrics.RoutingFailures.WithLabelValues(endpoint).Inc()
		return nil, err
	}

	candidates := r.filterAvailable(ctx, channels, tenant)
	if len(candidates) == 0 {
		metrics.RoutingFailures.WithLabelValues(endpoint).Inc()
		r.logger.Warn("no available channel",
			"endpoint", endpoint,
			"model", model,
			"fetched", len(channels),
		)
		return nil, gwerrors.NewNoAvailableChannelError(endpoint, model)
	}

	candidates = topTier(candidates)
	if r.usage != nil && len(candidates) > 1 {
		candidates = r.leastUsed(ctx, candidates)
	}

	selected := candidates[0]
	if len(candidates) > 1 {
		selected = candidates[r.randIntn(len(candidates))]
	}

	metrics.RoutingDecisions.WithLabelValues(endpoint, selected.Tier.String(), selected.Code).Inc()
	r.logger.Debug("routed",
		"endpoint", endpoint,
		"model", model,
		"channel", selected.Code,
		"tier", selected.Tier.String(),
	)
	return selected, nil
}

func (r *Router) filterAvailable(ctx context.Context, channels []*types.Channel, tenant *TenantContext) []*types.Channel {
	out := make([]*types.Channel, 0, len(channels))
	for _, c := range channels {
		if !c.IsActive() {
			continue
		}
		if r.limits != nil && r.limits.Limited(ctx, c.Code) {
			continue
		}
		if tenant != nil && len(tenant.Protocols) > 0 && !containsString(tenant.Protocols, c.Protocol) {
			continue
		}
		if r.gate != nil && !r.gate.Permit(ctx, tenant, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// topTier narrows to the subset at the maximum present priority tier.
func topTier(channels []*types.Channel) []*types.Channel {
	maxTier := channels[0].Tier
	for _, c := range channels[1:] {
		if c.Tier > maxTier {
			maxTier = c.Tier
		}
	}
	out := channels[:0:0]
	for _, c := range channels {
		if c.Tier == maxTier {
			out = append(out, c)
		}
	}
	return out
}

// leastUsed narrows to candidates whose usage signal equals the minimum.
func (r *Router) leastUsed(ctx context.Context, channels []*types.Channel) []*types.Channel {
	usages := make([]float64, len(channels))
	min := 0.0
	for i, c := range channels {
		usages[i] = r.usage.CurrentUsage(ctx, c)
		if i == 0 || usages[i] < min {
			min = usages[i]
		}
	}
	out := channels[:0:0]
	for i, c := range channels {
		if usages[i] == min {
			out = append(out, c)
		}
	}
	return out
}

func (r *Router) randIntn(n int) int {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Intn(n)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
