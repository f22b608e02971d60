// Package config provides configuration management with hot-reload
// support. It uses fsnotify to watch for file changes and atomic
// pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modelrelay/dispatch/pkg/types"
)

// Config represents the complete dispatch configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Channels    []ChannelConfig   `yaml:"channels"`
	Queue       QueueConfig       `yaml:"queue"`
	Worker      WorkerConfig      `yaml:"worker"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	TaskService TaskServiceConfig `yaml:"task_service"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig contains the shared store settings. An empty address
// selects local mode: in-process rate limiting and no queue backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig defines per-tenant admission ceilings in queries per
// second. Tenants absent from the map are unlimited.
type RateLimitConfig struct {
	// FailOpen admits requests when the shared store cannot be reached.
	FailOpen bool               `yaml:"fail_open"`
	Tenants  map[string]float64 `yaml:"tenants"`
}

// ChannelConfig defines one upstream channel.
type ChannelConfig struct {
	EntityType string             `yaml:"entity_type"` // endpoint or model
	EntityCode string             `yaml:"entity_code"`
	Code       string             `yaml:"code"`
	Status     string             `yaml:"status"`
	Tier       string             `yaml:"tier"` // low, normal, high
	Protocol   string             `yaml:"protocol"`
	Supplier   string             `yaml:"supplier"`
	BaseURL    string             `yaml:"base_url"`
	Config     map[string]any     `yaml:"config"`
	PriceInfo  map[string]float64 `yaml:"price_info"`
}

// QueueConfig contains task queue settings.
type QueueConfig struct {
	Name       string        `yaml:"name"`
	Priorities []int         `yaml:"priorities"`
	TaskTTL    time.Duration `yaml:"task_ttl"`
}

// WorkerConfig contains worker loop settings.
type WorkerConfig struct {
	Interval      time.Duration `yaml:"interval"`
	PollSize      int           `yaml:"poll_size"`
	RetryCapacity int           `yaml:"retry_capacity"`
}

// PipelineConfig contains event pipeline settings.
type PipelineConfig struct {
	Capacity    int           `yaml:"capacity"`
	PublishWait time.Duration `yaml:"publish_wait"`
	LogSink     bool          `yaml:"log_sink"`
	MetricsSink bool          `yaml:"metrics_sink"`
	PostgresDSN string        `yaml:"postgres_dsn"`
	S3          S3SinkConfig  `yaml:"s3"`
}

// S3SinkConfig contains the S3 archive sink settings.
type S3SinkConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Bucket        string        `yaml:"bucket"`
	Region        string        `yaml:"region"`
	AccessKeyID   string        `yaml:"access_key_id"`
	SecretKey     string        `yaml:"secret_key"`
	Endpoint      string        `yaml:"endpoint"`
	PathPrefix    string        `yaml:"path_prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	Compression   bool          `yaml:"compression"`
}

// TaskServiceConfig points workers at an external task service instead
// of the Redis queue. Empty base URL disables it.
type TaskServiceConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			FailOpen: true,
		},
		Queue: QueueConfig{
			Name:       "default",
			Priorities: []int{0},
			TaskTTL:    24 * time.Hour,
		},
		Worker: WorkerConfig{
			Interval:      5 * time.Second,
			PollSize:      8,
			RetryCapacity: 1000,
		},
		Pipeline: PipelineConfig{
			Capacity:    1024,
			PublishWait: 100 * time.Millisecond,
			LogSink:     true,
			MetricsSink: true,
			S3: S3SinkConfig{
				FlushInterval: 10 * time.Second,
				BatchSize:     100,
				Compression:   true,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "dispatch",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	for tenant, qps := range c.RateLimit.Tenants {
		if qps < 0 {
			return fmt.Errorf("rate_limit.tenants[%q]: ceiling cannot be negative", tenant)
		}
	}

	for i, ch := range c.Channels {
		if ch.EntityCode == "" {
			return fmt.Errorf("channels[%d]: entity_code is required", i)
		}
		if ch.Code == "" {
			return fmt.Errorf("channels[%d]: code is required", i)
		}
		switch ch.EntityType {
		case "", string(types.EntityEndpoint), string(types.EntityModel):
		default:
			return fmt.Errorf("channels[%d] %q: unknown entity_type %q", i, ch.Code, ch.EntityType)
		}
		switch ch.Tier {
		case "", "low", "normal", "high":
		default:
			return fmt.Errorf("channels[%d] %q: unknown tier %q", i, ch.Code, ch.Tier)
		}
	}

	if len(c.Queue.Priorities) == 0 {
		return fmt.Errorf("queue.priorities must not be empty")
	}
	for _, p := range c.Queue.Priorities {
		if p < 0 {
			return fmt.Errorf("queue.priorities: priority cannot be negative")
		}
	}

	if c.Worker.Interval < 0 {
		return fmt.Errorf("worker.interval cannot be negative")
	}
	if c.Worker.PollSize < 0 {
		return fmt.Errorf("worker.poll_size cannot be negative")
	}
	if c.Worker.RetryCapacity < 0 {
		return fmt.Errorf("worker.retry_capacity cannot be negative")
	}

	if c.Pipeline.Capacity < 0 {
		return fmt.Errorf("pipeline.capacity cannot be negative")
	}
	if c.Pipeline.S3.Enabled && c.Pipeline.S3.Bucket == "" {
		return fmt.Errorf("pipeline.s3: bucket is required when enabled")
	}

	return nil
}

// ChannelList converts the configured channels to their runtime form.
// An absent entity type defaults to endpoint, an absent status to
// active.
func (c *Config) ChannelList() []*types.Channel {
	out := make([]*types.Channel, 0, len(c.Channels))
	for _, ch := range c.Channels {
		entityType := types.EntityType(ch.EntityType)
		if entityType == "" {
			entityType = types.EntityEndpoint
		}
		status := types.ChannelStatus(ch.Status)
		if status == "" {
			status = types.ChannelActive
		}
		out = append(out, &types.Channel{
			EntityType: entityType,
			EntityCode: ch.EntityCode,
			Code:       ch.Code,
			Status:     status,
			Tier:       types.ParsePriorityTier(ch.Tier),
			Protocol:   ch.Protocol,
			Supplier:   ch.Supplier,
			BaseURL:    ch.BaseURL,
			Config:     ch.Config,
			PriceInfo:  ch.PriceInfo,
		})
	}
	return out
}
