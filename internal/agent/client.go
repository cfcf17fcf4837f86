// Package agent implements the worker agent protocol. The core side talks
// to workers through the Client interface: dispatch an invocation, poll its
// status, cancel it. Heartbeats flow the other way; workers push them into
// the registry.
package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/surveyor-sec/surveyor/api/schemas"
)

// Handle identifies a dispatched invocation on the worker side. It is
// opaque to the core; only the issuing worker can resolve it.
type Handle string

// Client is the per-worker execution interface.
type Client interface {
	// Dispatch starts the invocation on the worker and returns the remote
	// task handle.
	Dispatch(ctx context.Context, inv schemas.Invocation) (Handle, error)
	// Status reports the current execution state of a dispatched task.
	Status(ctx context.Context, h Handle) (schemas.StatusReport, error)
	// Cancel requests cooperative cancellation of a dispatched task.
	Cancel(ctx context.Context, h Handle) error
}

// HTTPClient talks JSON over HTTP to a remote worker agent.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient builds a client for the worker at baseURL. Every request is
// bounded by the given timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type dispatchRequest struct {
	ScanID  string            `json:"scan_id"`
	Stage   string            `json:"stage"`
	Tool    string            `json:"tool"`
	Params  map[string]string `json:"params,omitempty"`
	Timeout int64             `json:"timeout_seconds"`
}

// Dispatch implements Client.
func (c *HTTPClient) Dispatch(ctx context.Context, inv schemas.Invocation) (Handle, error) {
	body, err := json.Marshal(dispatchRequest{
		ScanID:  inv.ScanID,
		Stage:   inv.Stage,
		Tool:    inv.Tool,
		Params:  inv.Params,
		Timeout: int64(inv.Timeout / time.Second),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode dispatch request: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	taskID := gjson.GetBytes(raw, "task_id").String()
	if taskID == "" {
		return "", fmt.Errorf("worker returned no task_id: %s", raw)
	}
	return Handle(taskID), nil
}

// Status implements Client.
func (c *HTTPClient) Status(ctx context.Context, h Handle) (schemas.StatusReport, error) {
	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/tasks/%s", c.baseURL, h), nil)
	if err != nil {
		return schemas.StatusReport{}, err
	}

	parsed := gjson.ParseBytes(raw)
	report := schemas.StatusReport{
		State:    schemas.TaskState(parsed.Get("state").String()),
		ExitCode: int(parsed.Get("exit_code").Int()),
		Error:    parsed.Get("error").String(),
	}
	if encoded := parsed.Get("result").String(); encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return schemas.StatusReport{}, fmt.Errorf("failed to decode result payload: %w", err)
		}
		report.Result = decoded
	}
	switch report.State {
	case schemas.TaskRunning, schemas.TaskCompleted, schemas.TaskFailed:
		return report, nil
	default:
		return schemas.StatusReport{}, fmt.Errorf("worker reported unknown task state %q", report.State)
	}
}

// Cancel implements Client.
func (c *HTTPClient) Cancel(ctx context.Context, h Handle) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/tasks/%s/cancel", c.baseURL, h), nil)
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("worker returned status %d: %s", resp.StatusCode, raw)
	}
	return raw, nil
}
