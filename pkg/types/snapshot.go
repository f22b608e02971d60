package types

import "time"

// Usage is the named metric values measured for one request (token
// counts, byte counts, durations) keyed by metric name.
type Usage map[string]float64

// Snapshot is the immutable-after-publish record of one request,
// published into the event pipeline after the response has been sent.
// Consumers must not mutate it; derived data lives in consumer-local
// copies.
type Snapshot struct {
	RequestID string `json:"request_id"`
	TenantKey string `json:"tenant_key"`

	Endpoint string `json:"endpoint"`
	Model    string `json:"model,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Supplier string `json:"supplier,omitempty"`

	RequestAt  time.Time     `json:"request_at"`
	FirstByte  time.Duration `json:"first_byte,omitempty"`
	Duration   time.Duration `json:"duration"`
	StatusCode int           `json:"status_code"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`

	// Request and response payloads, possibly redacted before publish.
	RequestBody  string `json:"request_body,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`

	Usage Usage `json:"usage,omitempty"`

	// PriceInfo is copied from the routed channel so cost can be derived
	// without another metadata lookup.
	PriceInfo map[string]float64 `json:"price_info,omitempty"`

	// Cost is derived from PriceInfo and Usage at publish time, before
	// the snapshot is buffered for consumers.
	Cost float64 `json:"cost,omitempty"`
}

// Clone returns a deep copy a consumer may safely mutate.
func (s *Snapshot) Clone() *Snapshot {
	out := *s
	if s.Usage != nil {
		out.Usage = make(Usage, len(s.Usage))
		for k, v := range s.Usage {
			out.Usage[k] = v
		}
	}
	if s.PriceInfo != nil {
		out.PriceInfo = make(map[string]float64, len(s.PriceInfo))
		for k, v := range s.PriceInfo {
			out.PriceInfo[k] = v
		}
	}
	return &out
}
