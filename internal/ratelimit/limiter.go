// Package ratelimit provides per-tenant admission control backed by a
// shared Redis counter store, so admission is globally consistent across
// gateway instances. Ceilings are hot-reloadable configuration; counts
// live in Redis with automatic expiry.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/modelrelay/dispatch/internal/metrics"
)

// admitScript atomically increments the tenant's window counter and
// records the tenant in the active-tenants index used for top-N queries.
//
// Keys:
//
//	KEYS[1] - window start key
//	KEYS[2] - counter key
//	KEYS[3] - active tenants zset key
//
// Args:
//
//	ARGV[1] - current unix timestamp
//	ARGV[2] - window size in seconds
//	ARGV[3] - tenant key (zset member)
//
// Returns the counter value for the current window.
const admitScript = `
local window_key = KEYS[1]
local counter_key = KEYS[2]
local active_key = KEYS[3]

local now = tonumber(ARGV[1])
local window_size = tonumber(ARGV[2])
local tenant = ARGV[3]

local count
local window_start = redis.call('GET', window_key)

if not window_start or (now - tonumber(window_start)) >= window_size then
    redis.call('SET', window_key, tostring(now))
    redis.call('SET', counter_key, 1)
    redis.call('EXPIRE', window_key, window_size)
    redis.call('EXPIRE', counter_key, window_size)
    count = 1
else
    count = redis.call('INCR', counter_key)
    if redis.call('TTL', counter_key) == -1 then
        redis.call('EXPIRE', counter_key, window_size)
    end
end

redis.call('ZADD', active_key, count, tenant)
redis.call('EXPIRE', active_key, window_size * 2)

return count
`

// TenantRate pairs a tenant key with its requests-per-minute count.
type TenantRate struct {
	TenantKey string  `json:"tenant_key"`
	RPM       float64 `json:"rpm"`
}

// Config contains configuration for the limiter.
type Config struct {
	KeyPrefix string        // Redis key prefix (default: "dispatch:ratelimit")
	Window    time.Duration // Counting window (default: 1 minute)

	// FailOpen selects the policy when the shared store is unreachable:
	// true allows the request (availability over strict limiting),
	// false rejects it. Either way the decision is logged and counted.
	FailOpen bool

	Logger *slog.Logger
}

// Limiter implements per-tenant admission control. When no Redis client
// is supplied it falls back to process-local token buckets; that is a
// deliberate local mode, distinct from the FailOpen policy which only
// governs store errors.
type Limiter struct {
	client    redis.UniversalClient
	script    *redis.Script
	keyPrefix string
	window    time.Duration
	failOpen  bool
	logger    *slog.Logger

	mu       sync.RWMutex
	ceilings map[string]float64 // tenant key -> QPS ceiling; absent = unlimited
	local    map[string]*rate.Limiter
}

// New creates a Limiter. client may be nil for local-only mode.
func New(client redis.UniversalClient, cfg Config) *Limiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "dispatch:ratelimit"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Limiter{
		client:    client,
		script:    redis.NewScript(admitScript),
		keyPrefix: cfg.KeyPrefix,
		window:    cfg.Window,
		failOpen:  cfg.FailOpen,
		logger:    cfg.Logger,
		ceilings:  make(map[string]float64),
		local:     make(map[string]*rate.Limiter),
	}
}

// SetLimit configures the QPS ceiling for a tenant. A ceiling <= 0
// removes the limit (unlimited).
func (l *Limiter) SetLimit(tenantKey string, qps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if qps <= 0 {
		delete(l.ceilings, tenantKey)
		delete(l.local, tenantKey)
		return
	}
	l.ceilings[tenantKey] = qps
	delete(l.local, tenantKey) // rebuilt lazily with the new rate
}

// ApplyLimits replaces all configured ceilings. Used by config hot reload.
func (l *Limiter) ApplyLimits(limits map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ceilings = make(map[string]float64, len(limits))
	for k, v := range limits {
		if v > 0 {
			l.ceilings[k] = v
		}
	}
	l.local = make(map[string]*rate.Limiter)
}

// Limit returns the configured QPS ceiling for a tenant, and whether one
// is set.
func (l *Limiter) Limit(tenantKey string) (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	qps, ok := l.ceilings[tenantKey]
	return qps, ok
}

// Admit decides whether one request from the tenant is allowed. The
// counter is incremented even for unlimited tenants so CurrentRate and
// TopTenants stay accurate. The derived QPS (window count / window
// seconds) is compared against the ceiling; the count resets at window
// boundaries, so a burst straddling a boundary can exceed the ceiling by
// one request's worth of edge effect.
func (l *Limiter) Admit(ctx context.Context, tenantKey string) (bool, error) {
	qps, limited := l.Limit(tenantKey)

	if l.client == nil {
		if !limited {
			return true, nil
		}
		return l.localLimiter(tenantKey, qps).Allow(), nil
	}

	count, err := l.incr(ctx, tenantKey)
	if err != nil {
		action := "allow"
		if !l.failOpen {
			action = "deny"
		}
		metrics.RateLimiterBackendErrors.WithLabelValues("redis", action).Inc()
		l.logger.Warn("rate limiter store unreachable",
			"tenant", tenantKey,
			"fail_open", l.failOpen,
			"action", action,
			"error", err,
		)
		return l.failOpen, err
	}

	if !limited {
		return true, nil
	}
	return float64(count)/l.window.Seconds() <= qps, nil
}

// CurrentRate returns the tenant's request count in the current window,
// expressed as requests per minute.
func (l *Limiter) CurrentRate(ctx context.Context, tenantKey string) (float64, error) {
	if l.client == nil {
		return 0, nil
	}
	count, err := l.client.Get(ctx, l.counterKey(tenantKey)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("ratelimit: current rate: %w", err)
	}
	return float64(count) * (time.Minute.Seconds() / l.window.Seconds()), nil
}

// TopTenants returns up to n tenants ordered by current request rate,
// for operational visibility.
func (l *Limiter) TopTenants(ctx context.Context, n int) ([]TenantRate, error) {
	if l.client == nil || n <= 0 {
		return nil, nil
	}
	members, err := l.client.ZRevRangeWithScores(ctx, l.activeKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("ratelimit: top tenants: %w", err)
	}
	out := make([]TenantRate, 0, len(members))
	for _, m := range members {
		key, ok := m.Member.(string)
		if !ok {
			continue
		}
		out = append(out, TenantRate{
			TenantKey: key,
			RPM:       m.Score * (time.Minute.Seconds() / l.window.Seconds()),
		})
	}
	return out, nil
}

func (l *Limiter) incr(ctx context.Context, tenantKey string) (int64, error) {
	// Hash tag keeps window and counter on the same cluster node.
	keys := []string{l.windowKey(tenantKey), l.counterKey(tenantKey), l.activeKey()}
	args := []interface{}{time.Now().Unix(), int64(l.window.Seconds()), tenantKey}

	val, err := l.script.Run(ctx, l.client, keys, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: admit script: %w", err)
	}
	return val, nil
}

func (l *Limiter) windowKey(tenantKey string) string {
	return fmt.Sprintf("%s:{%s}:window", l.keyPrefix, tenantKey)
}

func (l *Limiter) counterKey(tenantKey string) string {
	return fmt.Sprintf("%s:{%s}:count", l.keyPrefix, tenantKey)
}

func (l *Limiter) activeKey() string {
	return l.keyPrefix + ":active"
}

func (l *Limiter) localLimiter(tenantKey string, qps float64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.local[tenantKey]
	if !ok {
		burst := int(qps)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(qps), burst)
		l.local[tenantKey] = lim
	}
	return lim
}
