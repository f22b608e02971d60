// Package types defines the shared data model for the dispatch core:
// channels, tasks, queue keys, and the per-request snapshot carried by
// the event pipeline.
package types

// EntityType identifies what a channel routes for.
type EntityType string

const (
	EntityEndpoint EntityType = "endpoint"
	EntityModel    EntityType = "model"
)

// ChannelStatus is the administrative status of a channel.
type ChannelStatus string

const (
	ChannelActive   ChannelStatus = "active"
	ChannelInactive ChannelStatus = "inactive"
)

// PriorityTier expresses operator preference between channels.
// Higher tiers are always preferred when available.
type PriorityTier int

const (
	TierLow PriorityTier = iota
	TierNormal
	TierHigh
)

func (t PriorityTier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierNormal:
		return "normal"
	case TierHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriorityTier maps a config string to a tier. Unknown values map
// to TierNormal so a typo in channel metadata does not disable routing.
func ParsePriorityTier(s string) PriorityTier {
	switch s {
	case "low":
		return TierLow
	case "high":
		return TierHigh
	default:
		return TierNormal
	}
}

// Channel is one routable backend implementation of an endpoint or model.
// Channels are read-only to the router: once a routing decision has been
// made against a Channel value it is never mutated mid-request.
type Channel struct {
	EntityType EntityType    `json:"entity_type" yaml:"entity_type"`
	EntityCode string        `json:"entity_code" yaml:"entity_code"`
	Code       string        `json:"code" yaml:"code"`
	Status     ChannelStatus `json:"status" yaml:"status"`
	Tier       PriorityTier  `json:"tier" yaml:"tier"`
	Protocol   string        `json:"protocol" yaml:"protocol"`
	Supplier   string        `json:"supplier" yaml:"supplier"`
	BaseURL    string        `json:"base_url" yaml:"base_url"`

	// Config carries the protocol-specific configuration blob. The router
	// treats it as opaque; only the matching adaptor interprets it.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// PriceInfo carries the opaque pricing blob consumed by the cost
	// calculator in the event pipeline.
	PriceInfo map[string]float64 `json:"price_info,omitempty" yaml:"price_info,omitempty"`
}

// IsActive reports whether the channel may be considered for routing.
func (c *Channel) IsActive() bool {
	return c.Status == ChannelActive
}
