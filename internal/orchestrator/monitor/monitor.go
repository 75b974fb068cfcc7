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

// Package monitor reconciles in-flight jobs against the external worker
// service and runs the periodic recovery sweep that keeps the worker
// budget leak-free across crashes and missed updates.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"reel/internal/orchestrator/dispatch"
	"reel/internal/orchestrator/metrics"
	"reel/internal/orchestrator/store"
	"reel/pkg/mediajob"
)

// Defaults for the reconciliation loop.
const (
	DefaultPollInterval     = 8 * time.Second
	DefaultRecoveryInterval = 5 * time.Minute
	DefaultExecutionTimeout = 40 * time.Minute
	DefaultResultTTL        = 24 * time.Hour

	// notFoundGrace is how many consecutive polls a run may be missing
	// from the worker service before it counts as lost.
	notFoundGrace = 3
)

// Store is the subset of the job store the monitor needs.
type Store interface {
	ListByStatus(ctx context.Context, status mediajob.Status) ([]*mediajob.Job, error)
	UpdateJob(ctx context.Context, id string, patch store.Patch) (*mediajob.Job, error)
	ReleaseJobWorkers(ctx context.Context, id string) (int, error)
	RecoverLeakedWorkers(ctx context.Context) (int, error)
	EvictExpired(ctx context.Context, olderThan time.Time) (int, error)
}

// Notifier receives terminal jobs whose webhook should be delivered.
type Notifier interface {
	Notify(job *mediajob.Job)
}

// Waker is poked after workers are released so the scheduler can pick
// up the next pending job without waiting for its own tick.
type Waker interface {
	Wake()
}

// Monitor polls run statuses and finalizes jobs.
type Monitor struct {
	store    Store
	dispatch dispatch.Dispatcher
	notifier Notifier
	waker    Waker
	logger   *log.Logger
	now      func() time.Time

	pollInterval     time.Duration
	recoveryInterval time.Duration
	executionTimeout time.Duration
	resultTTL        time.Duration

	// misses tracks consecutive not-found polls per run id. Not
	// persisted; after a restart the grace window starts over.
	misses map[string]int
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithIntervals overrides the poll and recovery cadence.
func WithIntervals(poll, recovery time.Duration) Option {
	return func(m *Monitor) {
		if poll > 0 {
			m.pollInterval = poll
		}
		if recovery > 0 {
			m.recoveryInterval = recovery
		}
	}
}

// WithExecutionTimeout overrides the hard cap on job wall time.
func WithExecutionTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.executionTimeout = d
		}
	}
}

// WithResultTTL overrides how long terminal jobs are retained.
func WithResultTTL(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.resultTTL = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New constructs a Monitor. notifier and waker may be nil.
func New(s Store, d dispatch.Dispatcher, n Notifier, w Waker, logger *log.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		store:            s,
		dispatch:         d,
		notifier:         n,
		waker:            w,
		logger:           logger,
		now:              func() time.Time { return time.Now().UTC() },
		pollInterval:     DefaultPollInterval,
		recoveryInterval: DefaultRecoveryInterval,
		executionTimeout: DefaultExecutionTimeout,
		resultTTL:        DefaultResultTTL,
		misses:           make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// Run drives the poll and recovery loops until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	poll := time.NewTicker(m.pollInterval)
	defer poll.Stop()
	recovery := time.NewTicker(m.recoveryInterval)
	defer recovery.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			m.Poll(ctx)
		case <-recovery.C:
			m.Recover(ctx)
		}
	}
}

// Poll reconciles every SUBMITTED and PROCESSING job once. Exported so
// tests and admin endpoints can drive a single pass.
func (m *Monitor) Poll(ctx context.Context) {
	// Snapshot both in-flight sets before reconciling anything so a job
	// advanced to PROCESSING during this tick is not polled again until
	// the next one.
	var snapshot []*mediajob.Job
	seen := make(map[string]bool)
	for _, status := range []mediajob.Status{mediajob.StatusSubmitted, mediajob.StatusProcessing} {
		jobs, err := m.store.ListByStatus(ctx, status)
		if err != nil {
			m.logf("monitor: list %s jobs: %v", status, err)
			continue
		}
		for _, job := range jobs {
			if seen[job.ID] {
				continue
			}
			seen[job.ID] = true
			snapshot = append(snapshot, job)
		}
	}
	for _, job := range snapshot {
		if ctx.Err() != nil {
			return
		}
		m.reconcile(ctx, job)
	}
}

// reconcile inspects one job's runs and advances its lifecycle.
func (m *Monitor) reconcile(ctx context.Context, job *mediajob.Job) {
	if job.SubmittedAt != nil && m.now().Sub(*job.SubmittedAt) > m.executionTimeout {
		m.finalize(ctx, job, mediajob.StatusFailed, nil, &mediajob.JobError{
			Code:    mediajob.ErrCodeTimeout,
			Message: fmt.Sprintf("execution exceeded %s", m.executionTimeout),
		}, true)
		return
	}

	var (
		outputs    = make([]json.RawMessage, len(job.ExternalIDs))
		done       int
		inProgress bool
		failure    *mediajob.JobError
	)
	for i, runID := range job.ExternalIDs {
		rs, err := m.dispatch.Status(ctx, job.Operation, runID)
		if errors.Is(err, dispatch.ErrRunNotFound) {
			m.misses[runID]++
			if m.misses[runID] < notFoundGrace {
				return
			}
			failure = &mediajob.JobError{
				Code:    mediajob.ErrCodeProcessing,
				Message: fmt.Sprintf("run %s disappeared from the worker service", runID),
			}
			break
		}
		if err != nil {
			// Transient poll error; try the whole job again next tick.
			m.logf("monitor: poll run %s of job %s: %v", runID, job.ID, err)
			return
		}
		delete(m.misses, runID)

		switch rs.Status {
		case dispatch.StateCompleted:
			outputs[i] = rs.Output
			done++
		case dispatch.StateInProgress:
			inProgress = true
		case dispatch.StateInQueue:
			// Still waiting on the worker pool.
		case dispatch.StateFailed:
			failure = &mediajob.JobError{
				Code:    mediajob.ErrCodeProcessing,
				Message: firstNonEmpty(rs.Error, "external worker reported failure"),
			}
		case dispatch.StateCancelled, dispatch.StateTimedOut:
			failure = &mediajob.JobError{
				Code:    mediajob.ErrCodeCancelledByExternal,
				Message: fmt.Sprintf("run %s ended as %s on the worker service", runID, rs.Status),
			}
		default:
			m.logf("monitor: run %s of job %s in unknown state %q", runID, job.ID, rs.Status)
		}
		if failure != nil {
			break
		}
	}

	if failure != nil {
		m.finalize(ctx, job, mediajob.StatusFailed, nil, failure, true)
		return
	}
	if done == len(job.ExternalIDs) && done > 0 {
		result, err := aggregateResults(job.Operation, outputs)
		if err != nil {
			m.finalize(ctx, job, mediajob.StatusFailed, nil, &mediajob.JobError{
				Code:    mediajob.ErrCodeProcessing,
				Message: "aggregate chunk results: " + err.Error(),
			}, false)
			return
		}
		m.finalize(ctx, job, mediajob.StatusCompleted, result, nil, false)
		return
	}

	patch := store.Patch{}
	dirty := false
	if job.Status == mediajob.StatusSubmitted && (inProgress || done > 0) {
		processing := mediajob.StatusProcessing
		patch.Status = &processing
		dirty = true
	}
	if done != job.ChunksDone {
		patch.ChunksDone = &done
		dirty = true
	}
	if !dirty {
		return
	}
	if _, err := m.store.UpdateJob(ctx, job.ID, patch); err != nil {
		m.logf("monitor: update job %s progress: %v", job.ID, err)
	}
}

// finalize moves a job to its terminal state, releases its workers, and
// hands it to the notifier. cancelRuns additionally issues best-effort
// cancellations so sibling chunks stop burning a worker.
func (m *Monitor) finalize(ctx context.Context, job *mediajob.Job, status mediajob.Status, result json.RawMessage, jerr *mediajob.JobError, cancelRuns bool) {
	if cancelRuns {
		for _, runID := range job.ExternalIDs {
			if err := m.dispatch.Cancel(ctx, job.Operation, runID); err != nil {
				m.logf("monitor: cancel run %s of job %s: %v", runID, job.ID, err)
			}
		}
	}
	for _, runID := range job.ExternalIDs {
		delete(m.misses, runID)
	}

	done := len(job.ExternalIDs)
	if status != mediajob.StatusCompleted {
		done = job.ChunksDone
	}
	updated, err := m.store.UpdateJob(ctx, job.ID, store.Patch{
		Status:     &status,
		ChunksDone: &done,
		Result:     result,
		Error:      jerr,
	})
	if err != nil {
		// Already terminal via another path; the recovery sweep settles
		// any reservation that slipped through.
		m.logf("monitor: finalize job %s as %s: %v", job.ID, status, err)
		return
	}
	// The terminal row still carries its reservation; release-and-zero is
	// a single store transaction, so a crash on either side of it leaves
	// a state the recovery sweep can repair.
	if _, err := m.store.ReleaseJobWorkers(ctx, job.ID); err != nil {
		m.logf("monitor: release workers for job %s: %v", job.ID, err)
	}
	updated.WorkersReserved = 0

	var elapsed time.Duration
	if updated.SubmittedAt != nil && updated.CompletedAt != nil {
		elapsed = updated.CompletedAt.Sub(*updated.SubmittedAt)
	}
	metrics.ObserveJobCompleted(updated.Operation.String(), updated.Status.String(), elapsed)
	m.logf("monitor: job %s finished as %s after %s", updated.ID, updated.Status, elapsed)

	if m.notifier != nil {
		m.notifier.Notify(updated)
	}
	if m.waker != nil {
		m.waker.Wake()
	}
}

// Recover runs the periodic sweep: reclaim workers stranded on terminal
// jobs, retry webhooks that never landed, and evict expired results.
func (m *Monitor) Recover(ctx context.Context) {
	recovered, err := m.store.RecoverLeakedWorkers(ctx)
	if err != nil {
		m.logf("monitor: recover leaked workers: %v", err)
	} else if recovered > 0 {
		m.logf("monitor: recovered %d leaked worker(s)", recovered)
		metrics.AddWorkersRecovered(recovered)
		if m.waker != nil {
			m.waker.Wake()
		}
	}

	if m.notifier != nil {
		for _, status := range []mediajob.Status{mediajob.StatusCompleted, mediajob.StatusFailed} {
			jobs, err := m.store.ListByStatus(ctx, status)
			if err != nil {
				m.logf("monitor: list %s jobs for webhook retry: %v", status, err)
				continue
			}
			for _, job := range jobs {
				if !job.WebhookDelivered && job.WebhookAttempts == 0 {
					// Terminal but never attempted: the process died
					// between finalize and delivery.
					m.notifier.Notify(job)
				}
			}
		}
	}

	evicted, err := m.store.EvictExpired(ctx, m.now().Add(-m.resultTTL))
	if err != nil {
		m.logf("monitor: evict expired jobs: %v", err)
	} else if evicted > 0 {
		m.logf("monitor: evicted %d expired job(s)", evicted)
	}
}

// aggregateResults merges per-chunk outputs into the job result. Split
// image-to-video runs each return a "videos" array; the arrays are
// concatenated in chunk order so the final sequence matches the input
// image order. Single-run jobs pass their output through untouched.
func aggregateResults(op mediajob.Operation, outputs []json.RawMessage) (json.RawMessage, error) {
	if len(outputs) == 1 {
		return outputs[0], nil
	}

	merged := make(map[string]json.RawMessage)
	var videos []json.RawMessage
	for _, out := range outputs {
		if len(out) == 0 {
			continue
		}
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(out, &envelope); err != nil {
			return nil, fmt.Errorf("decode chunk output: %w", err)
		}
		for key, val := range envelope {
			if key == "videos" {
				var chunk []json.RawMessage
				if err := json.Unmarshal(val, &chunk); err != nil {
					return nil, fmt.Errorf("decode chunk videos: %w", err)
				}
				videos = append(videos, chunk...)
				continue
			}
			merged[key] = val
		}
	}
	if videos != nil {
		raw, err := json.Marshal(videos)
		if err != nil {
			return nil, fmt.Errorf("encode merged videos: %w", err)
		}
		merged["videos"] = raw
	}
	return json.Marshal(merged)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
