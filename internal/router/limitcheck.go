package router

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CooldownChecker is a LimitChecker that sidelines a channel for a TTL
// after it reports rate limiting upstream. Tripping the same channel
// again restarts the cooldown.
type CooldownChecker struct {
	cache *gocache.Cache
}

// NewCooldownChecker creates a CooldownChecker with the given cooldown
// period (default: 30s).
func NewCooldownChecker(ttl time.Duration) *CooldownChecker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CooldownChecker{cache: gocache.New(ttl, 2*ttl)}
}

// Trip sidelines the channel for one cooldown period.
func (c *CooldownChecker) Trip(channelCode string) {
	c.cache.SetDefault(channelCode, struct{}{})
}

// Limited implements LimitChecker.
func (c *CooldownChecker) Limited(_ context.Context, channelCode string) bool {
	_, ok := c.cache.Get(channelCode)
	return ok
}
