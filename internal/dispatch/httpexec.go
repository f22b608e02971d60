package dispatch

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
)

const maxResponseBytes = 8 << 20

// UpstreamError reports a non-2xx upstream response with its status
// code, so callers can react to specific codes (a 429 sidelines the
// channel).
type UpstreamError struct {
	Channel    string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned %d: %s", e.Channel, e.StatusCode, e.Body)
}

// HTTPExecutor relays the request payload to the channel's base URL.
// It is the generic adaptor for JSON-over-HTTP protocols; the channel
// config may set "path" and "api_key" for the upstream call.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor creates an HTTPExecutor. client may be nil.
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPExecutor{client: client}
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, req *Request, channel *types.Channel) (*Result, error) {
	url := strings.TrimSuffix(channel.BaseURL, "/")
	if p, ok := channel.Config["path"].(string); ok && p != "" {
		url += "/" + strings.TrimPrefix(p, "/")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url,
		bytes.NewReader([]byte(req.Payload)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key, ok := channel.Config["api_key"].(string); ok && key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	callAt := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", channel.Code, err)
	}
	firstByte := time.Since(callAt)
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", channel.Code, err)
	}
	if resp.StatusCode >= 400 {
		return nil, &UpstreamError{
			Channel:    channel.Code,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Usage:      extractUsage(body),
		FirstByte:  firstByte,
	}, nil
}

// extractUsage pulls the conventional top-level usage object out of the
// response, when present.
func extractUsage(body []byte) types.Usage {
	var probe struct {
		Usage map[string]float64 `json:"usage"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || len(probe.Usage) == 0 {
		return nil
	}
	return types.Usage(probe.Usage)
}
