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

// Package queue runs the scheduling loop. Jobs leave the pending queue
// strictly in FIFO order; the head blocks the line until the global
// worker budget can cover all of its chunks at once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"reel/internal/orchestrator/dispatch"
	"reel/internal/orchestrator/metrics"
	"reel/internal/orchestrator/store"
	"reel/pkg/mediajob"
)

// DefaultInterval is the fallback scheduler tick when submissions are
// quiet; Wake short-circuits it on every new job.
const DefaultInterval = 5 * time.Second

// Store is the subset of the job store the scheduler needs.
type Store interface {
	PeekPending(ctx context.Context) (*mediajob.Job, error)
	DequeuePending(ctx context.Context) (*mediajob.Job, error)
	RequeueFront(ctx context.Context, id string) error
	UpdateJob(ctx context.Context, id string, patch store.Patch) (*mediajob.Job, error)
	ReserveWorkers(ctx context.Context, n int) (bool, error)
	ReleaseWorkers(ctx context.Context, n int) error
	QueueStats(ctx context.Context) (*mediajob.QueueStats, error)
}

// Notifier receives terminal jobs whose webhook should be delivered.
type Notifier interface {
	Notify(job *mediajob.Job)
}

// Manager drains the pending queue into the external worker service.
type Manager struct {
	store    Store
	dispatch dispatch.Dispatcher
	notifier Notifier
	policy   SplitPolicy
	interval time.Duration
	wake     chan struct{}
	logger   *log.Logger
	now      func() time.Time
}

// NewManager constructs a Manager. notifier may be nil, in which case
// failed submissions produce no webhook.
func NewManager(s Store, d dispatch.Dispatcher, n Notifier, policy SplitPolicy, interval time.Duration, logger *log.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Manager{
		store:    s,
		dispatch: d,
		notifier: n,
		policy:   policy,
		interval: interval,
		wake:     make(chan struct{}, 1),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// Wake nudges the scheduler without waiting for the next tick.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduling loop until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Drain(ctx)
		case <-m.wake:
			m.Drain(ctx)
		}
	}
}

// Drain submits queue heads until the queue empties or the head cannot
// fit in the remaining worker budget. Exported so a single pass can be
// driven directly in tests and admin tooling.
func (m *Manager) Drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		proceed := m.submitHead(ctx)
		m.publishGauges(ctx)
		if !proceed {
			return
		}
	}
}

// submitHead attempts one head-of-queue submission. It returns false
// when the loop should stop: empty queue, head-of-line block, or a
// storage error.
func (m *Manager) submitHead(ctx context.Context) bool {
	head, err := m.store.PeekPending(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		m.logf("queue: peek pending: %v", err)
		return false
	}

	plans, err := m.policy.PlanSubmissions(head)
	if err != nil {
		// Malformed payload; pull it off the queue and fail it.
		if _, derr := m.store.DequeuePending(ctx); derr != nil && !errors.Is(derr, store.ErrNotFound) {
			m.logf("queue: dequeue malformed job %s: %v", head.ID, derr)
			return false
		}
		m.failJob(ctx, head.ID, 0, nil, &mediajob.JobError{
			Code:    mediajob.ErrCodeSubmission,
			Message: "cannot plan submission: " + err.Error(),
		})
		return true
	}
	needed := len(plans)

	ok, err := m.store.ReserveWorkers(ctx, needed)
	if err != nil {
		m.logf("queue: reserve %d workers: %v", needed, err)
		return false
	}
	if !ok {
		// Head-of-line block: nothing behind the head may jump it.
		return false
	}

	job, err := m.store.DequeuePending(ctx)
	if err != nil {
		// Lost the head to a concurrent removal; give the workers back.
		if rerr := m.store.ReleaseWorkers(ctx, needed); rerr != nil {
			m.logf("queue: release workers after empty dequeue: %v", rerr)
		}
		return false
	}
	if job.ID != head.ID {
		// The peeked job was removed under us and a different job
		// surfaced. Put it back and start over so the plan matches.
		if rerr := m.store.RequeueFront(ctx, job.ID); rerr != nil {
			m.logf("queue: requeue %s: %v", job.ID, rerr)
		}
		if rerr := m.store.ReleaseWorkers(ctx, needed); rerr != nil {
			m.logf("queue: release workers after head race: %v", rerr)
		}
		return true
	}
	if job.Status != mediajob.StatusQueued {
		// Cancelled while pending; it stays terminal, workers go back.
		if rerr := m.store.ReleaseWorkers(ctx, needed); rerr != nil {
			m.logf("queue: release workers for %s: %v", job.ID, rerr)
		}
		return true
	}

	m.submit(ctx, job, plans)
	return true
}

// submit pushes every chunk to the worker service. A failure part-way
// cancels the chunks already issued so no orphan runs keep burning GPU
// time.
func (m *Manager) submit(ctx context.Context, job *mediajob.Job, plans []json.RawMessage) {
	ids := make([]string, 0, len(plans))
	for _, input := range plans {
		id, err := m.dispatch.Submit(ctx, job.Operation, input)
		if err != nil {
			m.logf("queue: submit chunk %d/%d of job %s: %v", len(ids)+1, len(plans), job.ID, err)
			for _, issued := range ids {
				if cerr := m.dispatch.Cancel(ctx, job.Operation, issued); cerr != nil {
					m.logf("queue: cancel orphan run %s: %v", issued, cerr)
				}
			}
			if rerr := m.store.ReleaseWorkers(ctx, len(plans)); rerr != nil {
				m.logf("queue: release workers for failed submit %s: %v", job.ID, rerr)
			}
			m.failJob(ctx, job.ID, 0, nil, &mediajob.JobError{
				Code:    mediajob.ErrCodeSubmission,
				Message: "external worker submission failed: " + err.Error(),
			})
			return
		}
		ids = append(ids, id)
	}

	submitted := mediajob.StatusSubmitted
	workers := len(plans)
	at := m.now()
	updated, err := m.store.UpdateJob(ctx, job.ID, store.Patch{
		Status:          &submitted,
		ExternalIDs:     ids,
		WorkersReserved: &workers,
		SubmittedAt:     &at,
	})
	if err != nil {
		// The job went terminal between dequeue and update (cancel
		// race). Reap the runs and the reservation.
		m.logf("queue: mark job %s submitted: %v", job.ID, err)
		for _, issued := range ids {
			if cerr := m.dispatch.Cancel(ctx, job.Operation, issued); cerr != nil {
				m.logf("queue: cancel run %s: %v", issued, cerr)
			}
		}
		if rerr := m.store.ReleaseWorkers(ctx, workers); rerr != nil {
			m.logf("queue: release workers for %s: %v", job.ID, rerr)
		}
		return
	}
	m.logf("queue: job %s submitted as %d run(s) %v", updated.ID, len(ids), ids)
}

// failJob moves a job to FAILED with the given error and hands it to the
// notifier. workersReserved is forced to the given value so the budget
// invariant holds after the release that precedes this call.
func (m *Manager) failJob(ctx context.Context, id string, workers int, result json.RawMessage, jerr *mediajob.JobError) {
	failed := mediajob.StatusFailed
	job, err := m.store.UpdateJob(ctx, id, store.Patch{
		Status:          &failed,
		WorkersReserved: &workers,
		Result:          result,
		Error:           jerr,
	})
	if err != nil {
		m.logf("queue: mark job %s failed: %v", id, err)
		return
	}
	metrics.ObserveJobCompleted(job.Operation.String(), job.Status.String(), 0)
	if m.notifier != nil {
		m.notifier.Notify(job)
	}
}

func (m *Manager) publishGauges(ctx context.Context) {
	stats, err := m.store.QueueStats(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth(stats.PendingDepth)
	metrics.SetAvailableWorkers(stats.AvailableWorkers)
}
