// Package worker runs the polling loop that executes queued tasks. One
// worker serves one (tenant-endpoint, queue) binding on a fixed-delay
// schedule, draining a bounded local retry buffer before each remote
// poll and polling until the remote source runs empty.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelrelay/dispatch/pkg/types"

	"github.com/modelrelay/dispatch/internal/metrics"
)

// TaskSource is where a worker pulls work from and reports outcomes to.
// Both the Redis-backed queue service and the remote HTTP task service
// implement it.
type TaskSource interface {
	Poll(ctx context.Context, n int) ([]*types.Task, error)
	MarkSucceed(ctx context.Context, taskID, result string) error
	MarkFailed(ctx context.Context, taskID, result string) error
	MarkRetryLater(ctx context.Context, task *types.Task, head bool) error
}

// Handler executes one task and returns its result payload.
//
// A handler controls retry explicitly: return ErrRetryLocal to place the
// task in the worker's local buffer for the next cycle, or a
// RetryLaterError to hand it back to the remote queue. Any other error
// marks the task failed remotely with an empty result; nothing is
// requeued automatically.
type Handler interface {
	Handle(ctx context.Context, task *types.Task) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *types.Task) (string, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task *types.Task) (string, error) {
	return f(ctx, task)
}

// ErrRetryLocal asks the worker to retry the task from its local buffer.
var ErrRetryLocal = errors.New("worker: retry locally")

// ErrRetryBufferFull is returned when the bounded local buffer cannot
// accept another task.
var ErrRetryBufferFull = errors.New("worker: local retry buffer full")

// RetryLaterError asks the worker to re-enqueue the task remotely.
// Head selects whether the retry jumps the queue.
type RetryLaterError struct {
	Head bool
}

func (e *RetryLaterError) Error() string {
	return fmt.Sprintf("worker: retry later (head=%v)", e.Head)
}

// Config contains configuration for a Worker.
type Config struct {
	Source  TaskSource
	Handler Handler

	// Queue labels metrics and logs for this binding.
	Queue string

	Interval      time.Duration // fixed delay between cycles (default: 5s)
	PollSize      int           // batch size per remote poll (default: 8)
	RetryCapacity int           // local retry buffer bound (default: 1000)

	Logger *slog.Logger
}

// Worker polls a TaskSource and executes tasks through the handler.
//
// The local retry buffer is in-memory only: retries queued there are
// lost if the process exits, giving at-most-once delivery for local
// retries across restarts. Durable retry goes through MarkRetryLater.
type Worker struct {
	source        TaskSource
	handler       Handler
	queue         string
	interval      time.Duration
	pollSize      int
	retryCapacity int
	logger        *slog.Logger

	retryMu  sync.Mutex
	retryBuf []*types.Task

	cycling atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Worker.
func New(cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.PollSize <= 0 {
		cfg.PollSize = 8
	}
	if cfg.RetryCapacity <= 0 {
		cfg.RetryCapacity = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		source:        cfg.Source,
		handler:       cfg.Handler,
		queue:         cfg.Queue,
		interval:      cfg.Interval,
		pollSize:      cfg.PollSize,
		retryCapacity: cfg.RetryCapacity,
		logger:        cfg.Logger.With("queue", cfg.Queue),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run immediately on start.
	w.RunCycle(context.Background())

	for {
		select {
		case <-ticker.C:
			w.RunCycle(context.Background())
		case <-w.stopCh:
			w.logger.Info("worker stopped")
			return
		}
	}
}

// RunCycle executes one poll-and-execute cycle. The re-entrant guard
// makes overlapping invocations no-ops, so a cycle outliving the fixed
// delay never runs concurrently with the next.
func (w *Worker) RunCycle(ctx context.Context) {
	if !w.cycling.CompareAndSwap(false, true) {
		return
	}
	defer w.cycling.Store(false)

	start := time.Now()
	defer func() {
		metrics.WorkerCycleDuration.WithLabelValues(w.queue).Observe(time.Since(start).Seconds())
	}()

	w.drainRetryBuffer(ctx)

	// Keep polling until the remote source runs empty so backlogs are
	// drained promptly rather than waiting for the next tick.
	for {
		if ctx.Err() != nil {
			return
		}
		tasks, err := w.source.Poll(ctx, w.pollSize)
		if err != nil {
			// Transport failure counts as an empty poll; next tick retries.
			w.logger.Warn("poll failed", "error", err)
			return
		}
		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			w.execute(ctx, task)
		}
	}
}

// drainRetryBuffer processes the buffered tasks captured so far. Tasks
// that fail again with ErrRetryLocal re-enter the buffer and wait for
// the next cycle, which keeps a single drain bounded.
func (w *Worker) drainRetryBuffer(ctx context.Context) {
	w.retryMu.Lock()
	buffered := w.retryBuf
	w.retryBuf = nil
	w.retryMu.Unlock()

	if len(buffered) == 0 {
		return
	}
	w.logger.Debug("draining local retry buffer", "count", len(buffered))
	for _, task := range buffered {
		if ctx.Err() != nil {
			// Push the remainder back; they are still local-only.
			w.requeueLocal(task)
			continue
		}
		w.execute(ctx, task)
	}
	w.publishBufferSize()
}

func (w *Worker) execute(ctx context.Context, task *types.Task) {
	result, err := w.handler.Handle(ctx, task)

	var retryLater *RetryLaterError
	switch {
	case err == nil:
		if markErr := w.source.MarkSucceed(ctx, task.ID, result); markErr != nil {
			w.logger.Error("mark succeed failed", "task_id", task.ID, "error", markErr)
		}
		metrics.WorkerTasks.WithLabelValues(w.queue, "succeeded").Inc()

	case errors.As(err, &retryLater):
		if markErr := w.source.MarkRetryLater(ctx, task, retryLater.Head); markErr != nil {
			w.logger.Error("remote retry failed, marking task failed",
				"task_id", task.ID, "error", markErr)
			w.markFailed(ctx, task)
			return
		}
		metrics.WorkerTasks.WithLabelValues(w.queue, "retried").Inc()

	case errors.Is(err, ErrRetryLocal):
		if bufErr := w.requeueLocal(task); bufErr != nil {
			w.logger.Warn("local retry buffer full, marking task failed", "task_id", task.ID)
			w.markFailed(ctx, task)
			return
		}
		metrics.WorkerTasks.WithLabelValues(w.queue, "retried_local").Inc()

	default:
		w.logger.Warn("handler failed", "task_id", task.ID, "error", err)
		w.markFailed(ctx, task)
	}
}

func (w *Worker) markFailed(ctx context.Context, task *types.Task) {
	// Empty placeholder result; the failure itself is the outcome.
	if err := w.source.MarkFailed(ctx, task.ID, ""); err != nil {
		w.logger.Error("mark failed failed", "task_id", task.ID, "error", err)
	}
	metrics.WorkerTasks.WithLabelValues(w.queue, "failed").Inc()
}

func (w *Worker) requeueLocal(task *types.Task) error {
	w.retryMu.Lock()
	defer w.retryMu.Unlock()
	if len(w.retryBuf) >= w.retryCapacity {
		return ErrRetryBufferFull
	}
	w.retryBuf = append(w.retryBuf, task)
	metrics.WorkerRetryBufferSize.WithLabelValues(w.queue).Set(float64(len(w.retryBuf)))
	return nil
}

// RetryBufferLen reports the current local buffer depth.
func (w *Worker) RetryBufferLen() int {
	w.retryMu.Lock()
	defer w.retryMu.Unlock()
	return len(w.retryBuf)
}

func (w *Worker) publishBufferSize() {
	w.retryMu.Lock()
	defer w.retryMu.Unlock()
	metrics.WorkerRetryBufferSize.WithLabelValues(w.queue).Set(float64(len(w.retryBuf)))
}
