package types

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a queued task.
// Transitions are one-directional; the terminal states are final.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a transition from s to next is legal.
// pending -> running -> {succeeded, failed, cancelled}; running -> pending
// is the explicit retry-later path.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case TaskPending:
		return next == TaskRunning || next == TaskCancelled
	case TaskRunning:
		return next == TaskPending || next.IsTerminal()
	}
	return false
}

// ResponseMode selects how a task's result reaches the producer.
type ResponseMode string

const (
	ResponseCallback ResponseMode = "callback"
	ResponseStream   ResponseMode = "stream"
	ResponseBlocking ResponseMode = "blocking"
)

// Task is a unit of queued work. The ID is globally unique and is the
// only handle needed to mutate status.
type Task struct {
	ID        string       `json:"id"`
	TenantKey string       `json:"tenant_key"`
	Endpoint  string       `json:"endpoint"`
	Queue     string       `json:"queue"`
	Priority  int          `json:"priority"`
	Payload   string       `json:"payload"`
	Mode      ResponseMode `json:"mode,omitempty"`
	Timeout   int          `json:"timeout,omitempty"` // seconds, producer-side wait budget

	Status      TaskStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	InstanceID  string     `json:"instance_id,omitempty"` // worker instance holding the claim
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// QueueKey composes queue name and priority level into the physical
// list key used by the backing store. Lower priority values are more
// urgent and are polled first.
type QueueKey struct {
	Queue    string
	Priority int
}

func (k QueueKey) String() string {
	return fmt.Sprintf("%s:p%d", k.Queue, k.Priority)
}

// Key returns the queue key for the task.
func (t *Task) Key() QueueKey {
	return QueueKey{Queue: t.Queue, Priority: t.Priority}
}
