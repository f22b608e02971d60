package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelrelay/dispatch/pkg/types"
)

// Service combines the list queue and the task store into the producer
// and worker-facing surface: enqueue on one side, claim/complete on the
// other. Priority bands stay physically separate; polls scan levels in
// ascending order so lower values are served first.
type Service struct {
	queue      *Queue
	store      *Store
	queueName  string
	priorities []int
	instanceID string
	logger     *slog.Logger
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	QueueName  string
	Priorities []int // priority levels to poll, ascending urgency order; default [0]
	InstanceID string
	Logger     *slog.Logger
}

// NewService creates a Service bound to one queue name.
func NewService(queue *Queue, store *Store, cfg ServiceConfig) *Service {
	if len(cfg.Priorities) == 0 {
		cfg.Priorities = []int{0}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		queue:      queue,
		store:      store,
		queueName:  cfg.QueueName,
		priorities: cfg.Priorities,
		instanceID: cfg.InstanceID,
		logger:     cfg.Logger,
	}
}

// Enqueue creates the task record and tail-pushes its id onto the
// matching priority band.
func (s *Service) Enqueue(ctx context.Context, task *types.Task) error {
	if task.ID == "" {
		return fmt.Errorf("jobqueue: enqueue: task id is empty")
	}
	if err := s.store.Create(ctx, task); err != nil {
		return err
	}
	return s.queue.PushTail(ctx, task.Key(), task.ID)
}

// Poll claims up to n pending tasks, scanning priority bands in order.
// Ids whose records are gone (expired) or no longer claimable are
// skipped.
func (s *Service) Poll(ctx context.Context, n int) ([]*types.Task, error) {
	out := make([]*types.Task, 0, n)
	for _, prio := range s.priorities {
		if len(out) >= n {
			break
		}
		key := types.QueueKey{Queue: s.queueName, Priority: prio}
		ids, err := s.queue.PopHead(ctx, key, n-len(out))
		if err != nil {
			return out, err
		}
		for _, id := range ids {
			task, err := s.claim(ctx, id)
			if err != nil {
				s.logger.Warn("skipping unclaimable task", "task_id", id, "error", err)
				continue
			}
			if task != nil {
				out = append(out, task)
			}
		}
	}
	return out, nil
}

func (s *Service) claim(ctx context.Context, id string) (*types.Task, error) {
	applied, _, err := s.store.Transition(ctx, id, types.TaskRunning, "", s.instanceID)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Cancelled, finished, or already claimed elsewhere; drop the
		// stale id rather than run it twice.
		return nil, nil
	}
	return s.store.Get(ctx, id)
}

// MarkSucceed records a terminal success. Idempotent: a duplicate call
// does not alter the recorded result; the caller's verification is the
// returned status matching.
func (s *Service) MarkSucceed(ctx context.Context, taskID, result string) error {
	return s.markTerminal(ctx, taskID, types.TaskSucceeded, result)
}

// MarkFailed records a terminal failure.
func (s *Service) MarkFailed(ctx context.Context, taskID, result string) error {
	return s.markTerminal(ctx, taskID, types.TaskFailed, result)
}

func (s *Service) markTerminal(ctx context.Context, taskID string, status types.TaskStatus, result string) error {
	applied, stored, err := s.store.Transition(ctx, taskID, status, result, s.instanceID)
	if err != nil {
		return err
	}
	if !applied {
		s.logger.Debug("terminal update ignored",
			"task_id", taskID,
			"requested", string(status),
			"stored", string(stored),
		)
	}
	return nil
}

// MarkRetryLater re-enqueues a running task as pending. head selects
// whether the retry jumps the queue (served before tail-pushed work) or
// rejoins at the back.
func (s *Service) MarkRetryLater(ctx context.Context, task *types.Task, head bool) error {
	applied, stored, err := s.store.Transition(ctx, task.ID, types.TaskPending, "", "")
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("jobqueue: retry-later rejected for task %s in status %s", task.ID, stored)
	}
	if head {
		return s.queue.PushHead(ctx, task.Key(), task.ID)
	}
	return s.queue.PushTail(ctx, task.Key(), task.ID)
}

// Detail returns the stored task record.
func (s *Service) Detail(ctx context.Context, taskID string) (*types.Task, error) {
	return s.store.Get(ctx, taskID)
}

// Wait blocks until the task reaches a terminal status or the deadline
// passes, polling the store. Used for blocking-mode submissions.
func (s *Service) Wait(ctx context.Context, taskID string, timeout time.Duration) (*types.Task, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		task, err := s.store.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		if time.Now().After(deadline) {
			return task, context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}
