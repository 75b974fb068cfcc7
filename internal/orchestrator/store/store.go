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

// Package store defines the JobStore contract shared by the in-memory and
// SQLite backends: job persistence, the FIFO pending queue, the global
// worker-budget counter, and the webhook dead-letter queue. Every method
// is atomic with respect to every other; callers assume linearizability.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reel/pkg/mediajob"
)

var (
	// ErrNotFound indicates no job matched the query.
	ErrNotFound = errors.New("not found")
)

// Patch is a partial update of a job's mutable fields. Nil fields are
// left untouched. A status change that violates the lifecycle DAG is
// rejected with mediajob.ErrInvalidTransition.
type Patch struct {
	Status           *mediajob.Status
	ExternalIDs      []string // replaces the sequence when non-nil
	WorkersReserved  *int
	ChunksDone       *int
	Result           json.RawMessage
	Error            *mediajob.JobError
	SubmittedAt      *time.Time
	CompletedAt      *time.Time
	Attempts         *int
	WebhookAttempts  *int
	WebhookDelivered *bool
}

// DeadLetter records a webhook payload that exhausted all delivery
// attempts.
type DeadLetter struct {
	JobID   string          `json:"job_id"`
	URL     string          `json:"url"`
	Payload json.RawMessage `json:"payload"`
	Reason  string          `json:"reason"`
	Time    time.Time       `json:"time"`
}

// JobStore is the only access path to queue and worker state. Two
// implementations exist: Memory (single-process development) and SQLite
// (durable, survives restart).
type JobStore interface {
	// SaveJob creates or overwrites a job; a QUEUED job not previously
	// indexed is appended to the pending queue.
	SaveJob(ctx context.Context, job *mediajob.Job) error
	// GetJob returns the job or ErrNotFound.
	GetJob(ctx context.Context, id string) (*mediajob.Job, error)
	// UpdateJob applies a partial update and returns the updated job.
	UpdateJob(ctx context.Context, id string, patch Patch) (*mediajob.Job, error)

	// PeekPending returns the head of the pending queue without removing
	// it, or ErrNotFound when the queue is empty.
	PeekPending(ctx context.Context) (*mediajob.Job, error)
	// DequeuePending removes and returns the head of the pending queue.
	DequeuePending(ctx context.Context) (*mediajob.Job, error)
	// RequeueFront re-inserts a job at the head of the pending queue
	// (used when a worker reservation is lost to a race).
	RequeueFront(ctx context.Context, id string) error
	// RemovePending removes a job from the pending queue wherever it
	// sits; reports whether it was present.
	RemovePending(ctx context.Context, id string) (bool, error)
	// QueuePosition returns the 1-based position of a job in the pending
	// queue, or ErrNotFound when it is not pending.
	QueuePosition(ctx context.Context, id string) (int, error)

	// ReserveWorkers decrements the available-worker counter by n iff at
	// least n are available; never goes negative.
	ReserveWorkers(ctx context.Context, n int) (bool, error)
	// ReleaseWorkers increments the counter by n, saturating at the
	// configured maximum.
	ReleaseWorkers(ctx context.Context, n int) error
	// ReleaseJobWorkers atomically zeroes a job's recorded reservation
	// and credits that many workers back to the pool. Returns how many
	// were released; 0 when the job holds none. ErrNotFound when the job
	// does not exist.
	ReleaseJobWorkers(ctx context.Context, id string) (int, error)

	ListByStatus(ctx context.Context, status mediajob.Status) ([]*mediajob.Job, error)
	QueueStats(ctx context.Context) (*mediajob.QueueStats, error)

	// RecoverLeakedWorkers zeroes workersReserved on terminal jobs and
	// releases that many workers; returns the number recovered. Calling
	// it twice with no intervening change returns 0 the second time.
	RecoverLeakedWorkers(ctx context.Context) (int, error)
	// EvictExpired deletes terminal jobs completed before the cutoff;
	// returns the number evicted.
	EvictExpired(ctx context.Context, olderThan time.Time) (int, error)

	PushDeadLetter(ctx context.Context, d DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	Close() error
}

// applyPatch mutates job in place per patch, enforcing the lifecycle DAG
// and the completedAt-iff-terminal invariant. Shared by both backends so
// transition rules cannot drift between them.
func applyPatch(job *mediajob.Job, p Patch, now func() time.Time) error {
	if p.Status != nil {
		if !p.Status.Valid() {
			return fmt.Errorf("invalid status %q", *p.Status)
		}
		if !mediajob.CanTransition(job.Status, *p.Status) {
			return fmt.Errorf("%w: %s -> %s", mediajob.ErrInvalidTransition, job.Status, *p.Status)
		}
		job.Status = *p.Status
	}
	if p.ExternalIDs != nil {
		job.ExternalIDs = append([]string(nil), p.ExternalIDs...)
	}
	if p.WorkersReserved != nil {
		job.WorkersReserved = *p.WorkersReserved
	}
	if p.ChunksDone != nil {
		job.ChunksDone = *p.ChunksDone
	}
	if p.Result != nil {
		job.Result = p.Result
	}
	if p.Error != nil {
		e := *p.Error
		job.Error = &e
	}
	if p.SubmittedAt != nil {
		t := p.SubmittedAt.UTC()
		job.SubmittedAt = &t
	}
	if p.CompletedAt != nil {
		t := p.CompletedAt.UTC()
		job.CompletedAt = &t
	}
	if p.Attempts != nil {
		job.Attempts = *p.Attempts
	}
	if p.WebhookAttempts != nil {
		job.WebhookAttempts = *p.WebhookAttempts
	}
	if p.WebhookDelivered != nil {
		job.WebhookDelivered = *p.WebhookDelivered
	}
	// completedAt is set iff the job is terminal.
	if job.Status.IsTerminal() && job.CompletedAt == nil {
		t := now().UTC()
		job.CompletedAt = &t
	}
	return nil
}
