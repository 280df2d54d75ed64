package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const maxResponseBytes = 8 << 20

// HTTPExecutor posts the task as JSON to a local or remote model server. It understands
// both the gateway's own response shape {"output","units"} and Ollama-style
// {"response","eval_count"}.
type HTTPExecutor struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPExecutor(url string, timeout time.Duration, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPExecutor{url: url, client: client, timeout: timeout}
}

type httpRequest struct {
	TaskID     string  `json:"task_id"`
	Prompt     string  `json:"prompt"`
	Capability string  `json:"capability,omitempty"`
	Level      string  `json:"level"`
	MaxUnits   float64 `json:"max_units,omitempty"`
	Stream     bool    `json:"stream"`
}

type httpResponse struct {
	Output    string  `json:"output"`
	Units     float64 `json:"units"`
	Response  string  `json:"response"`
	EvalCount float64 `json:"eval_count"`
	Error     string  `json:"error"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, prompt string, c Constraints) (Result, error) {
	body, err := json.Marshal(httpRequest{
		TaskID:     c.TaskID,
		Prompt:     prompt,
		Capability: c.Capability,
		Level:      c.Level.String(),
		MaxUnits:   c.MaxUnits,
	})
	if err != nil {
		return Result{}, err
	}

	if timeout := firstPositive(c.Timeout, e.timeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", c.TaskID)

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("backend call timed out: %w", ctx.Err())
		}
		return Result{}, &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, &TransientError{Cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      fmt.Errorf("status %d", resp.StatusCode),
		}
	case resp.StatusCode >= 500:
		return Result{}, &TransientError{Cause: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200))}
	case resp.StatusCode >= 300:
		return Result{}, fmt.Errorf("backend rejected task: status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var out httpResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("failed to decode backend response: %w", err)
	}
	if out.Error != "" {
		return Result{}, fmt.Errorf("backend returned error: %s", out.Error)
	}
	res := Result{Output: out.Output, Units: out.Units}
	if res.Output == "" {
		res.Output = out.Response
	}
	if res.Units == 0 {
		res.Units = out.EvalCount
	}
	return res, nil
}

// parseRetryAfter understands the delay-seconds form only; dates fall back to one second.
func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
