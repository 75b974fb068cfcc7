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

// Package webhook delivers terminal job notifications to client
// callback URLs with bounded retries, HMAC signing, and a dead-letter
// queue for payloads that never land.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"reel/internal/orchestrator/metrics"
	"reel/internal/orchestrator/store"
	"reel/pkg/mediajob"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the request
// body, prefixed "sha256=".
const SignatureHeader = "X-Reel-Signature"

// Delivery defaults; overridable through WithRetryPolicy and
// WithTimeout.
var (
	defaultMaxAttempts = 4
	defaultRetryDelays = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
)

// Store is the subset of the job store the dispatcher needs.
type Store interface {
	UpdateJob(ctx context.Context, id string, patch store.Patch) (*mediajob.Job, error)
	PushDeadLetter(ctx context.Context, d store.DeadLetter) error
}

// Dispatcher delivers webhook payloads through a fixed worker pool.
type Dispatcher struct {
	store       Store
	secret      []byte
	queue       chan *mediajob.Job
	workers     int
	maxAttempts int
	delays      []time.Duration
	http        *http.Client
	logger      *log.Logger
	now         func() time.Time
	sleep       func(context.Context, time.Duration)
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the delivery HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(d *Dispatcher) { d.http = h }
}

// WithWorkers sets the delivery pool size.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithRetryPolicy sets the attempt cap and the backoff schedule. When
// attempts outnumber delays the last delay repeats.
func WithRetryPolicy(maxAttempts int, delays []time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if len(delays) > 0 {
			d.delays = delays
		}
	}
}

// WithTimeout bounds each delivery attempt.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.http.Timeout = t
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithSleep injects the inter-attempt wait for tests.
func WithSleep(sleep func(context.Context, time.Duration)) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// NewDispatcher constructs a Dispatcher. secret may be empty, in which
// case payloads go unsigned.
func NewDispatcher(s Store, secret string, logger *log.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       s,
		secret:      []byte(secret),
		queue:       make(chan *mediajob.Job, 256),
		workers:     4,
		maxAttempts: defaultMaxAttempts,
		delays:      defaultRetryDelays,
		http:        &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

// Notify queues a terminal job for delivery. Cancelled jobs and jobs
// whose webhook already landed are dropped here so callers never have
// to check.
func (d *Dispatcher) Notify(job *mediajob.Job) {
	if job == nil || job.WebhookURL == "" || job.WebhookDelivered {
		return
	}
	if job.Status == mediajob.StatusCancelled {
		return
	}
	select {
	case d.queue <- job:
	default:
		// Queue saturated; the recovery sweep re-enqueues undelivered
		// webhooks, so dropping here only delays delivery.
		d.logf("webhook: delivery queue full, deferring job %s", job.ID)
	}
}

// Run starts the delivery pool and blocks until the context is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < d.workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-d.queue:
					d.Deliver(ctx, job)
				}
			}
		}()
	}
	for i := 0; i < d.workers; i++ {
		<-done
	}
}

// Deliver attempts the full retry schedule for one job and records the
// outcome. Exported so tests and the recovery path can deliver inline.
func (d *Dispatcher) Deliver(ctx context.Context, job *mediajob.Job) {
	payload := mediajob.NewWebhookPayload(job, d.now())
	body, err := json.Marshal(payload)
	if err != nil {
		d.logf("webhook: marshal payload for job %s: %v", job.ID, err)
		return
	}

	attempts := job.WebhookAttempts
	for i := 0; i < d.maxAttempts; i++ {
		if ctx.Err() != nil {
			return
		}
		attempts++
		err := d.post(ctx, job.WebhookURL, body)
		if err == nil {
			metrics.IncWebhookAttempt("success")
			delivered := true
			if _, uerr := d.store.UpdateJob(ctx, job.ID, store.Patch{
				WebhookAttempts:  &attempts,
				WebhookDelivered: &delivered,
			}); uerr != nil {
				d.logf("webhook: record delivery for job %s: %v", job.ID, uerr)
			}
			d.logf("webhook: delivered job %s on attempt %d", job.ID, attempts)
			return
		}
		metrics.IncWebhookAttempt("failure")
		d.logf("webhook: attempt %d for job %s: %v", attempts, job.ID, err)
		if i < d.maxAttempts-1 {
			d.sleep(ctx, d.delayBefore(i+1))
		}
	}

	metrics.IncWebhookDeadLetter()
	if err := d.store.PushDeadLetter(ctx, store.DeadLetter{
		JobID:   job.ID,
		URL:     job.WebhookURL,
		Payload: body,
		Reason:  string(mediajob.ErrCodeWebhookUndeliverable),
		Time:    d.now(),
	}); err != nil {
		d.logf("webhook: dead-letter job %s: %v", job.ID, err)
	}
	if _, err := d.store.UpdateJob(ctx, job.ID, store.Patch{
		WebhookAttempts: &attempts,
	}); err != nil {
		d.logf("webhook: record exhausted attempts for job %s: %v", job.ID, err)
	}
	d.logf("webhook: job %s undeliverable after %d attempts", job.ID, attempts)
}

// delayBefore returns the wait preceding the given retry (1-based); the
// schedule's last entry repeats when retries outnumber it.
func (d *Dispatcher) delayBefore(retry int) time.Duration {
	if len(d.delays) == 0 {
		return time.Second
	}
	if retry > len(d.delays) {
		return d.delays[len(d.delays)-1]
	}
	return d.delays[retry-1]
}

// post sends one delivery attempt. Any 2xx response counts as success.
func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(d.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(d.secret, body))
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Sign returns the signature header value for a payload.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "webhook endpoint returned status " + strconv.Itoa(e.code)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
