// Command server runs the dispatch gateway: the HTTP task API, the
// queue workers, and the event pipeline, all wired from a single
// hot-reloadable YAML configuration file.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/modelrelay/dispatch/internal/api"
	"github.com/modelrelay/dispatch/internal/config"
	"github.com/modelrelay/dispatch/internal/dispatch"
	"github.com/modelrelay/dispatch/internal/idgen"
	"github.com/modelrelay/dispatch/internal/jobqueue"
	"github.com/modelrelay/dispatch/internal/observability"
	"github.com/modelrelay/dispatch/internal/pipeline"
	"github.com/modelrelay/dispatch/internal/ratelimit"
	"github.com/modelrelay/dispatch/internal/router"
	"github.com/modelrelay/dispatch/internal/taskclient"
	"github.com/modelrelay/dispatch/internal/worker"
	gatewayerrors "github.com/modelrelay/dispatch/pkg/errors"
	"github.com/modelrelay/dispatch/pkg/types"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager, err := config.NewManager(configPath, slog.Default())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer manager.Close()
	cfg := manager.Get()

	redactor := observability.NewRedactor()
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      parseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	}, redactor)
	log := logger.Slog()
	slog.SetDefault(log)

	tracerProvider, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		defer redisClient.Close()
	} else {
		log.Warn("no redis configured, rate limits and queues are process-local")
	}

	limiter := ratelimit.New(redisClient, ratelimit.Config{
		FailOpen: cfg.RateLimit.FailOpen,
		Logger:   log,
	})
	limiter.ApplyLimits(cfg.RateLimit.Tenants)

	static := router.NewStaticSource(cfg.ChannelList()...)
	cached := router.NewCachedSource(static, 30*time.Second)
	cooldown := router.NewCooldownChecker(0)
	channelRouter := router.New(cached, router.Config{Limits: cooldown, Logger: log})

	manager.OnChange(func(next *config.Config) {
		limiter.ApplyLimits(next.RateLimit.Tenants)
		static.Replace(next.ChannelList())
		cached.InvalidateAll()
		log.Info("configuration reloaded",
			"channels", len(next.Channels), "tenants", len(next.RateLimit.Tenants))
	})
	if err := manager.Watch(ctx); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	events := pipeline.New(pipeline.Config{
		Capacity:    cfg.Pipeline.Capacity,
		PublishWait: cfg.Pipeline.PublishWait,
		Logger:      log,
	})
	events.Use(pipeline.CostEnricher())
	events.Use(pipeline.RedactEnricher(redactor.Redact))
	if cfg.Pipeline.LogSink {
		events.Register("*", pipeline.NewLogSink(log))
	}
	if cfg.Pipeline.MetricsSink {
		events.Register("*", pipeline.NewMetricsSink())
	}
	if cfg.Pipeline.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.Pipeline.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		sink := pipeline.NewPostgresSink(db)
		if err := sink.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		events.Register("*", sink)
	}
	if cfg.Pipeline.S3.Enabled {
		sink, err := pipeline.NewS3Sink(pipeline.S3Config{
			BucketName:    cfg.Pipeline.S3.Bucket,
			Region:        cfg.Pipeline.S3.Region,
			AccessKeyID:   cfg.Pipeline.S3.AccessKeyID,
			SecretKey:     cfg.Pipeline.S3.SecretKey,
			Endpoint:      cfg.Pipeline.S3.Endpoint,
			PathPrefix:    cfg.Pipeline.S3.PathPrefix,
			FlushInterval: cfg.Pipeline.S3.FlushInterval,
			BatchSize:     cfg.Pipeline.S3.BatchSize,
			Compression:   cfg.Pipeline.S3.Compression,
		}, log)
		if err != nil {
			return fmt.Errorf("s3 sink: %w", err)
		}
		defer sink.Close()
		events.Register("*", sink)
	}
	events.Start()
	defer events.Close()

	registry := dispatch.NewRegistry()
	httpExec := dispatch.NewHTTPExecutor(nil)
	seen := map[string]bool{}
	for _, ch := range cfg.Channels {
		if !seen[ch.Protocol] {
			registry.Register("*", ch.Protocol, httpExec)
			seen[ch.Protocol] = true
		}
	}

	dispatcher := dispatch.New(dispatch.Config{
		Limiter:  limiter,
		Router:   channelRouter,
		Registry: registry,
		Pipeline: events,
		Cooldown: cooldown,
		Tracer:   tracerProvider.Tracer(),
		Logger:   log,
	})

	ids := idgen.New("task")
	if redisClient != nil {
		if _, err := ids.AcquireInstance(ctx, redisClient, "dispatch:idgen:instance"); err != nil {
			return fmt.Errorf("acquire id instance: %w", err)
		}
	} else {
		if err := ids.SetInstance(0); err != nil {
			return err
		}
	}

	var tasks *jobqueue.Service
	if redisClient != nil {
		queue := jobqueue.NewQueue(redisClient)
		store := jobqueue.NewStore(redisClient, jobqueue.WithTaskTTL(cfg.Queue.TaskTTL))
		tasks = jobqueue.NewService(queue, store, jobqueue.ServiceConfig{
			QueueName:  cfg.Queue.Name,
			Priorities: cfg.Queue.Priorities,
			InstanceID: hostname(),
			Logger:     log,
		})

		w := worker.New(worker.Config{
			Source:        tasks,
			Handler:       taskHandler(dispatcher),
			Queue:         cfg.Queue.Name,
			Interval:      cfg.Worker.Interval,
			PollSize:      cfg.Worker.PollSize,
			RetryCapacity: cfg.Worker.RetryCapacity,
			Logger:        log,
		})
		w.Start()
		defer w.Stop()
	}

	if cfg.TaskService.BaseURL != "" {
		client := taskclient.New(taskclient.Config{
			BaseURL: cfg.TaskService.BaseURL,
			APIKey:  cfg.TaskService.APIKey,
			Timeout: cfg.TaskService.Timeout,
		})
		source := taskclient.NewSource(client, "", cfg.Queue.Name, firstPriority(cfg.Queue.Priorities), log)
		w := worker.New(worker.Config{
			Source:        source,
			Handler:       taskHandler(dispatcher),
			Queue:         cfg.Queue.Name + ":remote",
			Interval:      cfg.Worker.Interval,
			PollSize:      cfg.Worker.PollSize,
			RetryCapacity: cfg.Worker.RetryCapacity,
			Logger:        log,
		})
		w.Start()
		defer w.Stop()
	}

	handler := api.NewHandler(api.Config{
		Tasks:   tasks,
		Limiter: limiter,
		IDs:     ids,
		Logger:  log,
	})
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(metricsPath),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// taskHandler executes queued tasks through the dispatcher. Retryable
// gateway failures are pushed back to the queue head so the next cycle
// picks them up first.
func taskHandler(d *dispatch.Dispatcher) worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, task *types.Task) (string, error) {
		req := &dispatch.Request{
			Endpoint: task.Endpoint,
			Model:    modelOf(task.Payload),
			Tenant:   &router.TenantContext{Key: task.TenantKey},
			Payload:  task.Payload,
		}
		if task.Timeout > 0 {
			req.Timeout = time.Duration(task.Timeout) * time.Second
		}
		result, err := d.Dispatch(ctx, req)
		if err != nil {
			var gwErr *gatewayerrors.GatewayError
			if errors.As(err, &gwErr) && gwErr.Retryable {
				return "", &worker.RetryLaterError{}
			}
			return "", err
		}
		return result.Body, nil
	})
}

// modelOf extracts the model hint from a JSON payload, if present.
func modelOf(payload string) string {
	var body struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return ""
	}
	return body.Model
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "dispatch"
	}
	return h
}

func firstPriority(priorities []int) int {
	if len(priorities) == 0 {
		return 0
	}
	return priorities[0]
}
