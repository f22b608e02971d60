// Package taskclient talks to an external task service over HTTP. It is
// an alternative work source for workers deployed without direct access
// to the Redis queue.
package taskclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/modelrelay/dispatch/pkg/types"

	gatewayerrors "github.com/modelrelay/dispatch/pkg/errors"
)

// Remote task statuses. Update accepts only processing, completed and
// failed; pending appears in poll responses for unclaimed work.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const defaultTimeout = 10 * time.Second

// Config contains configuration for a Client.
type Config struct {
	BaseURL string
	APIKey  string

	// Timeout bounds every call. Defaults to 10s when zero.
	Timeout time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client is an HTTP client for the task service. All responses share a
// JSON envelope of {code, message, data}; code zero means success.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type remoteTask struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Queue    string `json:"queue"`
	Priority int    `json:"priority"`
	Payload  string `json:"payload"`
	Timeout  int    `json:"timeout,omitempty"`
	Status   string `json:"status,omitempty"`
	Result   string `json:"result,omitempty"`
}

type getRequest struct {
	Size     int    `json:"size"`
	Endpoint string `json:"endpoint"`
	Queue    string `json:"queue"`
	Priority int    `json:"priority"`
}

type updateRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

type detailRequest struct {
	ID string `json:"id"`
}

// Put submits a task to the service.
func (c *Client) Put(ctx context.Context, task *types.Task) error {
	req := remoteTask{
		ID:       task.ID,
		Endpoint: task.Endpoint,
		Queue:    task.Queue,
		Priority: task.Priority,
		Payload:  task.Payload,
		Timeout:  task.Timeout,
	}
	_, err := c.call(ctx, "/api/task/put", req)
	return err
}

// Get polls up to size tasks for the given endpoint, queue and priority.
// A null data field in the response means no work and yields an empty
// slice, never nil-dereference surprises downstream.
func (c *Client) Get(ctx context.Context, size int, endpoint, queue string, priority int) ([]*types.Task, error) {
	data, err := c.call(ctx, "/api/task/get", getRequest{
		Size:     size,
		Endpoint: endpoint,
		Queue:    queue,
		Priority: priority,
	})
	if err != nil {
		return nil, err
	}
	if isNull(data) {
		return []*types.Task{}, nil
	}
	var remotes []remoteTask
	if err := json.Unmarshal(data, &remotes); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	tasks := make([]*types.Task, 0, len(remotes))
	for _, r := range remotes {
		tasks = append(tasks, r.toTask())
	}
	return tasks, nil
}

// Update reports a task's status transition with its output.
func (c *Client) Update(ctx context.Context, taskID, status, output string) error {
	_, err := c.call(ctx, "/api/task/update", updateRequest{
		ID:     taskID,
		Status: status,
		Output: output,
	})
	return err
}

// Detail fetches a single task by id.
func (c *Client) Detail(ctx context.Context, taskID string) (*types.Task, error) {
	data, err := c.call(ctx, "/api/task/detail", detailRequest{ID: taskID})
	if err != nil {
		return nil, err
	}
	if isNull(data) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	var r remoteTask
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return r.toTask(), nil
}

// ErrTaskNotFound is returned by Detail for unknown task ids.
var ErrTaskNotFound = fmt.Errorf("task not found")

func (c *Client) call(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, gatewayerrors.NewQueueTransportError(path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, gatewayerrors.NewQueueTransportError(path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, gatewayerrors.NewQueueTransportError(path,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("task service error %d: %s", env.Code, env.Message)
	}
	return env.Data, nil
}

func (r remoteTask) toTask() *types.Task {
	status := types.TaskPending
	switch r.Status {
	case StatusProcessing:
		status = types.TaskRunning
	case StatusCompleted:
		status = types.TaskSucceeded
	case StatusFailed:
		status = types.TaskFailed
	}
	return &types.Task{
		ID:       r.ID,
		Endpoint: r.Endpoint,
		Queue:    r.Queue,
		Priority: r.Priority,
		Payload:  r.Payload,
		Timeout:  r.Timeout,
		Status:   status,
		Result:   r.Result,
	}
}

func isNull(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
