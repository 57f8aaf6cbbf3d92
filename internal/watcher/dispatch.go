package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rovercraft/fleetbridge/internal/shared"
)

// DispatchResult references the artifacts a dispatch produced, for the
// evaluator to inspect.
type DispatchResult struct {
	PlanRef string `json:"plan_ref,omitempty"`
	LogRef  string `json:"log_ref,omitempty"`
}

// Dispatcher is the downstream orchestration tier: a readiness probe plus a
// blocking run call.
type Dispatcher interface {
	Healthy(ctx context.Context) bool
	Run(ctx context.Context, instruction string, useAsync bool) (DispatchResult, error)
}

// HTTPDispatcher talks to the delegator service over HTTP.
type HTTPDispatcher struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPDispatcher builds a dispatcher for the delegator at baseURL.
// token, when non-empty, is sent as a Bearer token.
func NewHTTPDispatcher(baseURL, token string) *HTTPDispatcher {
	return &HTTPDispatcher{
		baseURL: baseURL,
		token:   token,
		// Dispatch blocks until the remote turn completes, so no overall
		// client timeout; cancellation comes from ctx.
		client: &http.Client{},
	}
}

// Healthy probes the delegator's health endpoint.
func (d *HTTPDispatcher) Healthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, d.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

type runRequest struct {
	Task     string `json:"task"`
	UseAsync bool   `json:"use_async"`
}

// Run posts the instruction and blocks until the turn completes.
// Transport and non-2xx failures are returned as ordinary errors; the
// retry loop treats them as a failed attempt, not a crash.
func (d *HTTPDispatcher) Run(ctx context.Context, instruction string, useAsync bool) (DispatchResult, error) {
	body, err := json.Marshal(runRequest{Task: instruction, UseAsync: useAsync})
	if err != nil {
		return DispatchResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return DispatchResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	// Correlate the delegator turn with the originating task and attempt.
	if id := shared.TraceID(ctx); id != "-" {
		req.Header.Set("X-Trace-ID", id)
	}
	if id := shared.TaskID(ctx); id != "" {
		req.Header.Set("X-Task-ID", id)
	}
	if n := shared.Attempt(ctx); n > 0 {
		req.Header.Set("X-Attempt", strconv.Itoa(n))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("dispatch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return DispatchResult{}, fmt.Errorf("dispatch: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var result DispatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return DispatchResult{}, fmt.Errorf("dispatch: decode response: %w", err)
	}
	return result, nil
}
