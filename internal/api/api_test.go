package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/dispatch/internal/idgen"
	"github.com/modelrelay/dispatch/internal/jobqueue"
	"github.com/modelrelay/dispatch/internal/ratelimit"
)

func newTestServer(t *testing.T) (*httptest.Server, *jobqueue.Service) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tasks := jobqueue.NewService(
		jobqueue.NewQueue(client),
		jobqueue.NewStore(client),
		jobqueue.ServiceConfig{QueueName: "chat", Priorities: []int{0, 1}, Logger: logger},
	)

	ids := idgen.New("task")
	require.NoError(t, ids.SetInstance(7))

	handler := NewHandler(Config{
		Tasks:   tasks,
		Limiter: ratelimit.New(client, ratelimit.Config{FailOpen: true, Logger: logger}),
		IDs:     ids,
		Logger:  logger,
	})

	server := httptest.NewServer(handler.Routes("/metrics"))
	t.Cleanup(server.Close)
	return server, tasks
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitTask(t *testing.T) {
	server, tasks := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/tasks", map[string]any{
		"tenant_key": "acme",
		"endpoint":   "chat",
		"queue":      "chat",
		"priority":   1,
		"payload":    `{"prompt":"hi"}`,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[taskResponse](t, resp)
	assert.NotEmpty(t, body.ID)
	assert.Equal(t, "pending", body.Status)
	assert.Equal(t, 1, body.Priority)

	// The task is really queued: a poll claims it.
	polled, err := tasks.Poll(context.Background(), 8)
	require.NoError(t, err)
	require.Len(t, polled, 1)
	assert.Equal(t, body.ID, polled[0].ID)
	assert.Equal(t, "acme", polled[0].TenantKey)
}

func TestSubmitTaskValidation(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("missing tenant", func(t *testing.T) {
		resp := postJSON(t, server.URL+"/v1/tasks", map[string]any{"endpoint": "chat"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decode[ErrorResponse](t, resp)
		assert.Equal(t, "invalid_request_error", body.Error.Type)
	})

	t.Run("negative priority", func(t *testing.T) {
		resp := postJSON(t, server.URL+"/v1/tasks", map[string]any{
			"tenant_key": "acme", "endpoint": "chat", "priority": -1,
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(server.URL+"/v1/tasks", "application/json",
			bytes.NewReader([]byte("{not json")))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSubmitTaskBlockingMode(t *testing.T) {
	server, tasks := newTestServer(t)

	// A fake worker completes whatever shows up.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go func() {
		for workerCtx.Err() == nil {
			polled, err := tasks.Poll(workerCtx, 4)
			if err == nil {
				for _, task := range polled {
					_ = tasks.MarkSucceed(workerCtx, task.ID, "done")
				}
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	resp := postJSON(t, server.URL+"/v1/tasks", map[string]any{
		"tenant_key": "acme",
		"endpoint":   "chat",
		"queue":      "chat",
		"payload":    `{"prompt":"hi"}`,
		"mode":       "blocking",
		"timeout":    5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[taskResponse](t, resp)
	assert.Equal(t, "succeeded", body.Status)
	assert.Equal(t, "done", body.Result)
}

func TestGetTask(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/tasks", map[string]any{
		"tenant_key": "acme", "endpoint": "chat", "queue": "chat",
	})
	created := decode[taskResponse](t, resp)

	resp, err := http.Get(server.URL + "/v1/tasks/" + created.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[taskResponse](t, resp)
	assert.Equal(t, created.ID, body.ID)
	assert.Equal(t, "pending", body.Status)

	resp, err = http.Get(server.URL + "/v1/tasks/does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitAdmin(t *testing.T) {
	server, _ := newTestServer(t)

	// Set a ceiling.
	req, err := http.NewRequest(http.MethodPut, server.URL+"/admin/ratelimit/acme",
		bytes.NewReader([]byte(`{"ceiling_qps":2.5}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[rateLimitResponse](t, resp)
	assert.Equal(t, 2.5, body.CeilingQPS)
	assert.True(t, body.Limited)

	// Read it back.
	resp, err = http.Get(server.URL + "/admin/ratelimit/acme")
	require.NoError(t, err)
	body = decode[rateLimitResponse](t, resp)
	assert.Equal(t, 2.5, body.CeilingQPS)

	// Remove it.
	req, err = http.NewRequest(http.MethodPut, server.URL+"/admin/ratelimit/acme",
		bytes.NewReader([]byte(`{"ceiling_qps":0}`)))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body = decode[rateLimitResponse](t, resp)
	assert.False(t, body.Limited)
}

func TestTopTenants(t *testing.T) {
	server, _ := newTestServer(t)

	// Generate traffic for two tenants.
	for i := 0; i < 3; i++ {
		postJSON(t, server.URL+"/v1/tasks", map[string]any{
			"tenant_key": "acme", "endpoint": "chat", "queue": "chat",
		})
	}
	postJSON(t, server.URL+"/v1/tasks", map[string]any{
		"tenant_key": "globex", "endpoint": "chat", "queue": "chat",
	})

	resp, err := http.Get(server.URL + "/admin/ratelimit/top?n=5")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string][]ratelimit.TenantRate](t, resp)
	tenants := body["tenants"]
	require.NotEmpty(t, tenants)
	assert.Equal(t, "acme", tenants[0].TenantKey)

	resp, err = http.Get(server.URL + "/admin/ratelimit/top?n=bogus")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthzAndRequestID(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "go_goroutines")
}

func TestSubmitTaskAdmissionRejected(t *testing.T) {
	server, _ := newTestServer(t)

	// 0.05 QPS over the one-minute window admits three requests.
	req, err := http.NewRequest(http.MethodPut, server.URL+"/admin/ratelimit/throttled",
		bytes.NewReader([]byte(`{"ceiling_qps":0.05}`)))
	require.NoError(t, err)
	_, err = http.DefaultClient.Do(req)
	require.NoError(t, err)

	var rejected int
	for i := 0; i < 5; i++ {
		resp := postJSON(t, server.URL+"/v1/tasks", map[string]any{
			"tenant_key": "throttled", "endpoint": "chat", "queue": "chat",
		})
		if resp.StatusCode == http.StatusTooManyRequests {
			rejected++
			body := decode[ErrorResponse](t, resp)
			assert.Equal(t, "admission_rejected", body.Error.Type)
		} else {
			resp.Body.Close()
		}
	}
	assert.Equal(t, 2, rejected)
}
