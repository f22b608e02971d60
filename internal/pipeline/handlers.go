package pipeline

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/modelrelay/dispatch/pkg/types"

	"github.com/modelrelay/dispatch/internal/metrics"
)

// CostEnricher derives the snapshot cost by multiplying each usage
// metric with the matching per-unit price from the routed channel.
// Metrics without a price entry contribute nothing.
func CostEnricher() Enricher {
	return EnricherFunc(func(snap *types.Snapshot) {
		if len(snap.Usage) == 0 || len(snap.PriceInfo) == 0 {
			return
		}
		var cost float64
		for metric, amount := range snap.Usage {
			cost += amount * snap.PriceInfo[metric]
		}
		snap.Cost = cost
	})
}

// RedactEnricher scrubs request and response bodies with the given
// redactor before any sink sees them.
func RedactEnricher(redact func(string) string) Enricher {
	return EnricherFunc(func(snap *types.Snapshot) {
		snap.RequestBody = redact(snap.RequestBody)
		snap.ResponseBody = redact(snap.ResponseBody)
	})
}

// LogSink writes one structured log line per snapshot.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Name implements Handler.
func (s *LogSink) Name() string { return "log" }

// Handle implements Handler.
func (s *LogSink) Handle(ctx context.Context, snap *types.Snapshot) error {
	level := slog.LevelInfo
	if !snap.Success {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "request completed",
		slog.String("request_id", snap.RequestID),
		slog.String("tenant", snap.TenantKey),
		slog.String("endpoint", snap.Endpoint),
		slog.String("channel", snap.Channel),
		slog.Int("status_code", snap.StatusCode),
		slog.Duration("duration", snap.Duration),
		slog.Float64("cost", snap.Cost),
		slog.String("error", snap.Error),
	)
	return nil
}

// MetricsSink records request latency and outcome counters per snapshot.
type MetricsSink struct{}

// NewMetricsSink creates a MetricsSink.
func NewMetricsSink() *MetricsSink { return &MetricsSink{} }

// Name implements Handler.
func (s *MetricsSink) Name() string { return "metrics" }

// Handle implements Handler.
func (s *MetricsSink) Handle(ctx context.Context, snap *types.Snapshot) error {
	metrics.RequestTotalLatency.WithLabelValues(snap.Endpoint, snap.Channel).
		Observe(snap.Duration.Seconds())
	metrics.RequestsTotal.WithLabelValues(snap.Endpoint, snap.Channel,
		strconv.Itoa(snap.StatusCode)).Inc()
	return nil
}
