package taskclient

import (
	"context"
	"log/slog"

	"github.com/modelrelay/dispatch/pkg/types"
)

// Source adapts a Client into a worker task source bound to one
// endpoint, queue and priority.
type Source struct {
	client   *Client
	endpoint string
	queue    string
	priority int
	logger   *slog.Logger
}

// NewSource creates a Source for the given binding.
func NewSource(client *Client, endpoint, queue string, priority int, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		client:   client,
		endpoint: endpoint,
		queue:    queue,
		priority: priority,
		logger:   logger,
	}
}

// Poll fetches up to n tasks and claims them as processing.
func (s *Source) Poll(ctx context.Context, n int) ([]*types.Task, error) {
	tasks, err := s.client.Get(ctx, n, s.endpoint, s.queue, s.priority)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if err := s.client.Update(ctx, task.ID, StatusProcessing, ""); err != nil {
			s.logger.Warn("claim task failed", "task_id", task.ID, "error", err)
		}
		task.Status = types.TaskRunning
	}
	return tasks, nil
}

// MarkSucceed reports a completed task with its result.
func (s *Source) MarkSucceed(ctx context.Context, taskID, result string) error {
	return s.client.Update(ctx, taskID, StatusCompleted, result)
}

// MarkFailed reports a failed task.
func (s *Source) MarkFailed(ctx context.Context, taskID, result string) error {
	return s.client.Update(ctx, taskID, StatusFailed, result)
}

// MarkRetryLater hands the task back to the service by re-submitting
// it; Update only accepts processing/completed/failed, so a retry is a
// fresh Put under the same id. The remote queue decides ordering; the
// head hint only applies to the Redis-backed source and is ignored
// here.
func (s *Source) MarkRetryLater(ctx context.Context, task *types.Task, head bool) error {
	return s.client.Put(ctx, task)
}
