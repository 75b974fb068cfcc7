// Reel is a media processing orchestration service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package dispatch is the HTTP adapter for the external worker service.
// Operations carrying the "-vps" suffix are routed to the local CPU
// endpoint; everything else goes to the GPU pool. Both speak the same
// run/status/cancel API.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"reel/internal/orchestrator/metrics"
	"reel/pkg/mediajob"
)

// External worker run states.
const (
	StateInQueue    = "IN_QUEUE"
	StateInProgress = "IN_PROGRESS"
	StateCompleted  = "COMPLETED"
	StateFailed     = "FAILED"
	StateCancelled  = "CANCELLED"
	StateTimedOut   = "TIMED_OUT"
)

var (
	// ErrRunNotFound indicates the worker service no longer knows the
	// run id. Callers tolerate a short grace window before treating it
	// as a failure.
	ErrRunNotFound = errors.New("run not found")
)

// RunStatus is the worker service's view of a single run.
type RunStatus struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Terminal reports whether the run reached an absorbing worker state.
func (r *RunStatus) Terminal() bool {
	switch r.Status {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

// Dispatcher submits work to the external worker service and tracks it.
type Dispatcher interface {
	// Submit enqueues one run and returns the worker-issued run id.
	Submit(ctx context.Context, op mediajob.Operation, input json.RawMessage) (string, error)
	// Status fetches the current state of a run.
	Status(ctx context.Context, op mediajob.Operation, runID string) (*RunStatus, error)
	// Cancel requests best-effort cancellation of a run.
	Cancel(ctx context.Context, op mediajob.Operation, runID string) error
	// Health probes the worker service.
	Health(ctx context.Context) error
}

// Client implements Dispatcher over HTTP.
type Client struct {
	gpuBase string
	vpsBase string
	apiKey  string
	http    *http.Client
	logger  *log.Logger

	submitTimeout time.Duration
	pollTimeout   time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger used for request-level diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeouts overrides the submit and poll request timeouts.
func WithTimeouts(submit, poll time.Duration) Option {
	return func(c *Client) {
		if submit > 0 {
			c.submitTimeout = submit
		}
		if poll > 0 {
			c.pollTimeout = poll
		}
	}
}

// NewClient constructs a Client. gpuBase serves default operations;
// vpsBase, when non-empty, serves "-vps" operations (falls back to
// gpuBase otherwise).
func NewClient(gpuBase, vpsBase, apiKey string, opts ...Option) *Client {
	c := &Client{
		gpuBase:       strings.TrimRight(gpuBase, "/"),
		vpsBase:       strings.TrimRight(vpsBase, "/"),
		apiKey:        apiKey,
		http:          &http.Client{},
		submitTimeout: 30 * time.Second,
		pollTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) base(op mediajob.Operation) string {
	if op.IsVPS() && c.vpsBase != "" {
		return c.vpsBase
	}
	return c.gpuBase
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Submit posts one run. The worker routes on the operation carried in
// the input envelope, so split chunks submit independently.
func (c *Client) Submit(ctx context.Context, op mediajob.Operation, input json.RawMessage) (string, error) {
	body, err := json.Marshal(struct {
		Input json.RawMessage `json:"input"`
	}{Input: input})
	if err != nil {
		return "", fmt.Errorf("marshal run input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	var resp RunStatus
	if err := c.do(ctx, http.MethodPost, c.base(op)+"/run", "run."+op.Base().String(), bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("worker returned empty run id")
	}
	return resp.ID, nil
}

// Status fetches the run's current state.
func (c *Client) Status(ctx context.Context, op mediajob.Operation, runID string) (*RunStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	var resp RunStatus
	if err := c.do(ctx, http.MethodGet, c.base(op)+"/status/"+runID, "status", nil, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		resp.ID = runID
	}
	return &resp, nil
}

// Cancel requests cancellation. A 404 means the run already vanished;
// that is treated as success since the outcome is the same.
func (c *Client) Cancel(ctx context.Context, op mediajob.Operation, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	err := c.do(ctx, http.MethodPost, c.base(op)+"/cancel/"+runID, "cancel", nil, nil)
	if errors.Is(err, ErrRunNotFound) {
		return nil
	}
	return err
}

// Health probes the GPU endpoint. The VPS endpoint shares fate with the
// orchestrator host and is not probed separately.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()
	return c.do(ctx, http.MethodGet, c.gpuBase+"/health", "health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, url, metricOp string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveDispatchRequest(metricOp, -1, time.Since(start))
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	metrics.ObserveDispatchRequest(metricOp, resp.StatusCode, time.Since(start))

	if resp.StatusCode == http.StatusNotFound {
		return ErrRunNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logf("dispatch: %s %s returned %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(snippet)))
		return fmt.Errorf("%s %s: unexpected status %d", method, url, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}
