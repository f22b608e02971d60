package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelrelay/dispatch/pkg/types"
)

// ErrTaskNotFound is returned when no record exists for a task id.
var ErrTaskNotFound = errors.New("jobqueue: task not found")

// transitionScript applies one status transition atomically and
// enforces the one-directional state machine in the store itself.
// An illegal transition (including any call against an already-terminal
// task) leaves the record untouched. The applied flag distinguishes a
// rejected call from one that stored the requested status, so a caller
// can never mistake "already in the requested status" for a fresh
// transition of its own.
//
// Keys:
//
//	KEYS[1] - task hash key
//
// Args:
//
//	ARGV[1] - requested status
//	ARGV[2] - result payload (terminal transitions only)
//	ARGV[3] - timestamp (RFC3339)
//	ARGV[4] - claiming instance id (running transitions only)
//
// Returns {applied, status}: applied is 1 when the transition was
// stored by this call and 0 when it was rejected; status is the status
// stored after the call, or "" when the task does not exist.
const transitionScript = `
local key = KEYS[1]
local next_status = ARGV[1]
local result = ARGV[2]
local now = ARGV[3]
local instance = ARGV[4]

local status = redis.call('HGET', key, 'status')
if not status then
    return {0, ''}
end

local terminal = {succeeded = true, failed = true, cancelled = true}
if terminal[status] then
    return {0, status}
end

local legal = false
if status == 'pending' and (next_status == 'running' or next_status == 'cancelled') then
    legal = true
elseif status == 'running' and (next_status == 'pending' or terminal[next_status]) then
    legal = true
end
if not legal then
    return {0, status}
end

redis.call('HSET', key, 'status', next_status)
if next_status == 'running' then
    redis.call('HSET', key, 'started_at', now, 'instance_id', instance)
end
if terminal[next_status] then
    redis.call('HSET', key, 'result', result, 'completed_at', now)
end

return {1, next_status}
`

// Store keeps task records in Redis hashes. All status mutation goes
// through the atomic transition script.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	script    *redis.Script
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreKeyPrefix sets the Redis key prefix (default: "dispatch:task").
func WithStoreKeyPrefix(prefix string) StoreOption {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithTaskTTL sets how long task records are retained (default: 24h).
func WithTaskTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// NewStore creates a Store over the given Redis client.
func NewStore(client redis.UniversalClient, opts ...StoreOption) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "dispatch:task",
		ttl:       24 * time.Hour,
		script:    redis.NewScript(transitionScript),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) taskKey(id string) string {
	return s.keyPrefix + ":" + id
}

// Create writes a new pending task record.
func (s *Store) Create(ctx context.Context, task *types.Task) error {
	if task.Status == "" {
		task.Status = types.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	key := s.taskKey(task.ID)
	fields := map[string]interface{}{
		"id":         task.ID,
		"tenant_key": task.TenantKey,
		"endpoint":   task.Endpoint,
		"queue":      task.Queue,
		"priority":   task.Priority,
		"payload":    task.Payload,
		"mode":       string(task.Mode),
		"timeout":    task.Timeout,
		"status":     string(task.Status),
		"created_at": task.CreatedAt.Format(time.RFC3339Nano),
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("jobqueue: create task: %w", err)
	}
	if s.ttl > 0 {
		_ = s.client.Expire(ctx, key, s.ttl).Err()
	}
	return nil
}

// Get loads a task record.
func (s *Store) Get(ctx context.Context, id string) (*types.Task, error) {
	fields, err := s.client.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobqueue: get task: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}
	return taskFromFields(fields), nil
}

// Transition requests a status change. applied reports whether this
// call stored the requested status; stored is the status after the
// call either way. A rejected terminal repeat leaves the recorded
// result untouched, which keeps terminal updates idempotent for
// callers that only check stored.
func (s *Store) Transition(ctx context.Context, id string, next types.TaskStatus, result, instanceID string) (applied bool, stored types.TaskStatus, err error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	val, err := s.script.Run(ctx, s.client,
		[]string{s.taskKey(id)},
		string(next), result, now, instanceID,
	).Slice()
	if err != nil {
		return false, "", fmt.Errorf("jobqueue: transition task %s: %w", id, err)
	}
	if len(val) != 2 {
		return false, "", fmt.Errorf("jobqueue: transition task %s: malformed script reply", id)
	}
	flag, _ := val[0].(int64)
	status, _ := val[1].(string)
	if status == "" {
		return false, "", ErrTaskNotFound
	}
	return flag == 1, types.TaskStatus(status), nil
}

func taskFromFields(fields map[string]string) *types.Task {
	task := &types.Task{
		ID:         fields["id"],
		TenantKey:  fields["tenant_key"],
		Endpoint:   fields["endpoint"],
		Queue:      fields["queue"],
		Payload:    fields["payload"],
		Mode:       types.ResponseMode(fields["mode"]),
		Status:     types.TaskStatus(fields["status"]),
		Result:     fields["result"],
		InstanceID: fields["instance_id"],
	}
	task.Priority, _ = strconv.Atoi(fields["priority"])
	task.Timeout, _ = strconv.Atoi(fields["timeout"])

	if v := fields["created_at"]; v != "" {
		task.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := fields["started_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			task.StartedAt = &t
		}
	}
	if v := fields["completed_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			task.CompletedAt = &t
		}
	}
	return task
}
