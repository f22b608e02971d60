package jobqueue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/dispatch/pkg/types"
)

func newTestService(t *testing.T, priorities ...int) *Service {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return NewService(NewQueue(client), NewStore(client), ServiceConfig{
		QueueName:  "model-x",
		Priorities: priorities,
		InstanceID: "worker-1",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func newTask(id string, prio int) *types.Task {
	return &types.Task{
		ID:        id,
		TenantKey: "tenant-1",
		Endpoint:  "embed",
		Queue:     "model-x",
		Priority:  prio,
		Payload:   `{"input":"hello"}`,
	}
}

func TestEnqueuePollClaim(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, newTask("t1", 0)))

	tasks, err := svc.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
	assert.Equal(t, types.TaskRunning, tasks[0].Status)
	assert.Equal(t, "worker-1", tasks[0].InstanceID)
	assert.NotNil(t, tasks[0].StartedAt)

	// Claimed tasks are no longer in the queue.
	tasks, err = svc.Poll(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestPollScansPrioritiesAscending(t *testing.T) {
	svc := newTestService(t, 0, 1)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, newTask("bulk", 1)))
	require.NoError(t, svc.Enqueue(ctx, newTask("urgent", 0)))

	tasks, err := svc.Poll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "urgent", tasks[0].ID)
}

func TestMarkSucceedIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, newTask("t1", 0)))
	_, err := svc.Poll(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, svc.MarkSucceed(ctx, "t1", "first result"))

	// A duplicate terminal call must not alter the recorded result.
	require.NoError(t, svc.MarkSucceed(ctx, "t1", "second result"))
	require.NoError(t, svc.MarkFailed(ctx, "t1", "should not stick"))

	task, err := svc.Detail(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, task.Status)
	assert.Equal(t, "first result", task.Result)
	assert.NotNil(t, task.CompletedAt)
}

func TestMarkFailedTerminal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, newTask("t1", 0)))
	_, err := svc.Poll(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, svc.MarkFailed(ctx, "t1", ""))

	task, err := svc.Detail(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, task.Status)
}

func TestMarkRetryLaterHeadBeatsTailedWork(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, newTask("t1", 0)))
	tasks, err := svc.Poll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// New work arrives while t1 is being retried.
	require.NoError(t, svc.Enqueue(ctx, newTask("t2", 0)))
	require.NoError(t, svc.MarkRetryLater(ctx, tasks[0], true))

	tasks, err = svc.Poll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID, "head-pushed retry is served before tailed work")
}

func TestMarkRetryLaterRequiresRunning(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	task := newTask("t1", 0)
	require.NoError(t, svc.Enqueue(ctx, task))

	// Still pending: retry-later is a running-only transition.
	err := svc.MarkRetryLater(ctx, task, false)
	assert.Error(t, err)

	// The rejected call must not have pushed a second queue entry.
	tasks, err := svc.Poll(ctx, 5)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	tasks, err = svc.Poll(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestClaimRejectsAlreadyRunningTask(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, newTask("t1", 0)))
	tasks, err := svc.Poll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// A stale copy of the id must not yield a second claim while the
	// first worker still holds the task.
	task, err := svc.claim(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, task)

	detail, err := svc.Detail(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, detail.Status)
}

func TestStatusTransitionsOneDirectional(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, newTask("t1", 0)))
	_, err := svc.Poll(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, svc.MarkFailed(ctx, "t1", "boom"))

	// A terminal task cannot be re-claimed even if a stale id reappears.
	applied, status, err := svc.store.Transition(ctx, "t1", types.TaskRunning, "", "worker-2")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, types.TaskFailed, status)
}

func TestWaitBlocksUntilTerminal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, newTask("t1", 0)))

	done := make(chan *types.Task, 1)
	go func() {
		task, _ := svc.Wait(ctx, "t1", 5*time.Second)
		done <- task
	}()

	_, err := svc.Poll(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, svc.MarkSucceed(ctx, "t1", "ok"))

	select {
	case task := <-done:
		require.NotNil(t, task)
		assert.Equal(t, types.TaskSucceeded, task.Status)
		assert.Equal(t, "ok", task.Result)
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not return after terminal status")
	}
}

func TestDetailNotFound(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Detail(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
