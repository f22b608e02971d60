// Package jobqueue provides ordered, retryable task hand-off between
// producers and pull-based workers over a shared Redis store. Each
// (queue, priority) pair maps to one Redis list; task records live in
// Redis hashes keyed by task id.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	gwerrors "github.com/modelrelay/dispatch/pkg/errors"
	"github.com/modelrelay/dispatch/pkg/types"

	"github.com/modelrelay/dispatch/internal/metrics"
)

// Queue exposes the ordered-list operations of the backing store.
// Ordering: PushTail keeps FIFO order; PushHead jumps the queue, so a
// retried task is served before older tail-pushed work.
type Queue struct {
	client    redis.UniversalClient
	keyPrefix string
	timeout   time.Duration
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithKeyPrefix sets the Redis key prefix (default: "dispatch:queue").
func WithKeyPrefix(prefix string) QueueOption {
	return func(q *Queue) { q.keyPrefix = prefix }
}

// WithCallTimeout bounds each store round-trip (default: 3s).
func WithCallTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.timeout = d }
}

// NewQueue creates a Queue over the given Redis client.
func NewQueue(client redis.UniversalClient, opts ...QueueOption) *Queue {
	q := &Queue{
		client:    client,
		keyPrefix: "dispatch:queue",
		timeout:   3 * time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) listKey(key types.QueueKey) string {
	return fmt.Sprintf("%s:%s", q.keyPrefix, key)
}

func (q *Queue) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, q.timeout)
}

// PushTail enqueues new work in FIFO order.
func (q *Queue) PushTail(ctx context.Context, key types.QueueKey, taskID string) error {
	ctx, cancel := q.callCtx(ctx)
	defer cancel()

	if err := q.client.RPush(ctx, q.listKey(key), taskID).Err(); err != nil {
		return gwerrors.NewQueueTransportError(key.Queue, err)
	}
	metrics.QueuePushes.WithLabelValues(key.String(), "tail").Inc()
	return nil
}

// PushHead enqueues with priority: the task is served before anything
// previously tail-pushed. Used for retries.
func (q *Queue) PushHead(ctx context.Context, key types.QueueKey, taskID string) error {
	ctx, cancel := q.callCtx(ctx)
	defer cancel()

	if err := q.client.LPush(ctx, q.listKey(key), taskID).Err(); err != nil {
		return gwerrors.NewQueueTransportError(key.Queue, err)
	}
	metrics.QueuePushes.WithLabelValues(key.String(), "head").Inc()
	return nil
}

// PopHead atomically removes up to maxCount task ids from the front.
// It returns fewer when the queue is shorter, and an empty slice (never
// nil semantics the caller has to special-case) when the queue is empty.
func (q *Queue) PopHead(ctx context.Context, key types.QueueKey, maxCount int) ([]string, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	ctx, cancel := q.callCtx(ctx)
	defer cancel()

	ids, err := q.client.LPopCount(ctx, q.listKey(key), maxCount).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, gwerrors.NewQueueTransportError(key.Queue, err)
	}
	metrics.QueuePops.WithLabelValues(key.String()).Add(float64(len(ids)))
	return ids, nil
}

// Len returns the current queue depth.
func (q *Queue) Len(ctx context.Context, key types.QueueKey) (int64, error) {
	ctx, cancel := q.callCtx(ctx)
	defer cancel()

	n, err := q.client.LLen(ctx, q.listKey(key)).Result()
	if err != nil {
		return 0, gwerrors.NewQueueTransportError(key.Queue, err)
	}
	return n, nil
}
