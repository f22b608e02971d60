package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/dispatch/pkg/types"
)

type fakeSource struct {
	mu        sync.Mutex
	pending   []*types.Task
	pollErr   error
	succeeded map[string]string
	failed    map[string]string
	requeued  []requeueCall
}

type requeueCall struct {
	taskID string
	head   bool
}

func newFakeSource(tasks ...*types.Task) *fakeSource {
	return &fakeSource{
		pending:   tasks,
		succeeded: make(map[string]string),
		failed:    make(map[string]string),
	}
}

func (s *fakeSource) Poll(ctx context.Context, n int) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	if n > len(s.pending) {
		n = len(s.pending)
	}
	batch := s.pending[:n]
	s.pending = s.pending[n:]
	return batch, nil
}

func (s *fakeSource) MarkSucceed(ctx context.Context, taskID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded[taskID] = result
	return nil
}

func (s *fakeSource) MarkFailed(ctx context.Context, taskID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[taskID] = result
	return nil
}

func (s *fakeSource) MarkRetryLater(ctx context.Context, task *types.Task, head bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeued = append(s.requeued, requeueCall{taskID: task.ID, head: head})
	return nil
}

func (s *fakeSource) succeededResult(taskID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.succeeded[taskID]
	return r, ok
}

func task(id string) *types.Task {
	return &types.Task{ID: id, Queue: "chat", Status: types.TaskRunning}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerCycleExecutesUntilEmpty(t *testing.T) {
	source := newFakeSource(task("t1"), task("t2"), task("t3"), task("t4"), task("t5"))
	w := New(Config{
		Source: source,
		Handler: HandlerFunc(func(ctx context.Context, tk *types.Task) (string, error) {
			return "done:" + tk.ID, nil
		}),
		Queue:    "chat",
		PollSize: 2,
		Logger:   quietLogger(),
	})

	w.RunCycle(context.Background())

	// A single cycle keeps polling past the batch size until the source
	// runs dry.
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		result, ok := source.succeededResult(id)
		require.True(t, ok, "task %s not marked succeeded", id)
		assert.Equal(t, "done:"+id, result)
	}
}

func TestWorkerHandlerErrorMarksFailed(t *testing.T) {
	source := newFakeSource(task("t1"))
	w := New(Config{
		Source: source,
		Handler: HandlerFunc(func(ctx context.Context, tk *types.Task) (string, error) {
			return "", errors.New("boom")
		}),
		Queue:  "chat",
		Logger: quietLogger(),
	})

	w.RunCycle(context.Background())

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Equal(t, "", source.failed["t1"])
	assert.Empty(t, source.succeeded)
}

func TestWorkerRetryLater(t *testing.T) {
	source := newFakeSource(task("t1"), task("t2"))
	w := New(Config{
		Source: source,
		Handler: HandlerFunc(func(ctx context.Context, tk *types.Task) (string, error) {
			if tk.ID == "t1" {
				return "", &RetryLaterError{Head: true}
			}
			return "", &RetryLaterError{}
		}),
		Queue:  "chat",
		Logger: quietLogger(),
	})

	w.RunCycle(context.Background())

	source.mu.Lock()
	defer source.mu.Unlock()
	require.Len(t, source.requeued, 2)
	assert.Equal(t, requeueCall{taskID: "t1", head: true}, source.requeued[0])
	assert.Equal(t, requeueCall{taskID: "t2", head: false}, source.requeued[1])
	assert.Empty(t, source.failed)
}

func TestWorkerLocalRetryDrainsNextCycle(t *testing.T) {
	source := newFakeSource(task("t1"))
	var attempts int
	w := New(Config{
		Source: source,
		Handler: HandlerFunc(func(ctx context.Context, tk *types.Task) (string, error) {
			attempts++
			if attempts == 1 {
				return "", ErrRetryLocal
			}
			return "recovered", nil
		}),
		Queue:  "chat",
		Logger: quietLogger(),
	})

	w.RunCycle(context.Background())
	assert.Equal(t, 1, w.RetryBufferLen())
	_, ok := source.succeededResult("t1")
	assert.False(t, ok)

	w.RunCycle(context.Background())
	assert.Equal(t, 0, w.RetryBufferLen())
	result, ok := source.succeededResult("t1")
	require.True(t, ok)
	assert.Equal(t, "recovered", result)
}

func TestWorkerRetryBufferReFailureWaitsForNextCycle(t *testing.T) {
	// A task that keeps asking for local retry must not spin inside one
	// drain; each cycle gives it exactly one attempt.
	source := newFakeSource(task("t1"))
	var attempts int
	w := New(Config{
		Source: source,
		Handler: HandlerFunc(func(ctx context.Context, tk *types.Task) (string, error) {
			attempts++
			return "", ErrRetryLocal
		}),
		Queue:  "chat",
		Logger: quietLogger(),
	})

	w.RunCycle(context.Background())
	w.RunCycle(context.Background())
	w.RunCycle(context.Background())

	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, w.RetryBufferLen())
}

func TestWorkerRetryBufferFullMarksFailed(t *testing.T) {
	source := newFakeSource(task("t1"), task("t2"), task("t3"))
	w := New(Config{
		Source: source,
		Handler: HandlerFunc(func(ctx context.Context, tk *types.Task) (string, error) {
			return "", ErrRetryLocal
		}),
		Queue:         "chat",
		RetryCapacity: 2,
		Logger:        quietLogger(),
	})

	w.RunCycle(context.Background())

	assert.Equal(t, 2, w.RetryBufferLen())
	source.mu.Lock()
	defer source.mu.Unlock()
	require.Len(t, source.failed, 1)
	assert.Contains(t, source.failed, "t3")
}

func TestWorkerPollErrorEndsCycle(t *testing.T) {
	source := newFakeSource(task("t1"))
	source.pollErr = fmt.Errorf("connection refused")
	var handled int
	w := New(Config{
		Source: source,
		Handler: HandlerFunc(func(ctx context.Context, tk *types.Task) (string, error) {
			handled++
			return "", nil
		}),
		Queue:  "chat",
		Logger: quietLogger(),
	})

	w.RunCycle(context.Background())
	assert.Equal(t, 0, handled)

	// Recovery on a later cycle picks the task up.
	source.mu.Lock()
	source.pollErr = nil
	source.mu.Unlock()
	w.RunCycle(context.Background())
	assert.Equal(t, 1, handled)
}

func TestWorkerCycleReentrantGuard(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	source := newFakeSource(task("t1"))
	var handled int
	w := New(Config{
		Source: source,
		Handler: HandlerFunc(func(ctx context.Context, tk *types.Task) (string, error) {
			handled++
			close(entered)
			<-release
			return "", nil
		}),
		Queue:  "chat",
		Logger: quietLogger(),
	})

	done := make(chan struct{})
	go func() {
		w.RunCycle(context.Background())
		close(done)
	}()
	<-entered

	// Overlapping invocation is a no-op while the first cycle runs.
	w.RunCycle(context.Background())
	assert.Equal(t, 1, handled)

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not finish")
	}
}

func TestWorkerStartStop(t *testing.T) {
	source := newFakeSource(task("t1"))
	handled := make(chan string, 1)
	w := New(Config{
		Source: source,
		Handler: HandlerFunc(func(ctx context.Context, tk *types.Task) (string, error) {
			handled <- tk.ID
			return "ok", nil
		}),
		Queue:    "chat",
		Interval: time.Hour,
		Logger:   quietLogger(),
	})

	w.Start()
	select {
	case id := <-handled:
		assert.Equal(t, "t1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("initial cycle did not run")
	}
	w.Stop()
}
