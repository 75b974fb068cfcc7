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

// Package service holds the orchestrator's application logic between
// the HTTP layer and the job store: submission, status, cancellation,
// and the admin recovery operations.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"reel/internal/orchestrator/dispatch"
	"reel/internal/orchestrator/metrics"
	"reel/internal/orchestrator/store"
	"reel/internal/orchestrator/webhook"
	"reel/pkg/mediajob"
)

var (
	// ErrInvalidOperation marks an unsupported operation name.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrInvalidPayload marks a missing or malformed job payload.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrAlreadyTerminal marks a cancel against a finished job.
	ErrAlreadyTerminal = errors.New("job already terminal")
)

// estimatedSeconds is a rough per-operation wall-time guess surfaced in
// the submission response. Purely advisory.
var estimatedSeconds = map[mediajob.Operation]int{
	mediajob.OpImg2Video:  600,
	mediajob.OpAddLegenda: 120,
	mediajob.OpAddKaraoke: 180,
	mediajob.OpAddAudio:   90,
	mediajob.OpCycleVideo: 150,
	mediajob.OpAddMusic:   90,
}

// Store is the subset of the job store the service needs.
type Store interface {
	SaveJob(ctx context.Context, job *mediajob.Job) error
	GetJob(ctx context.Context, id string) (*mediajob.Job, error)
	UpdateJob(ctx context.Context, id string, patch store.Patch) (*mediajob.Job, error)
	RemovePending(ctx context.Context, id string) (bool, error)
	QueuePosition(ctx context.Context, id string) (int, error)
	ReleaseJobWorkers(ctx context.Context, id string) (int, error)
	QueueStats(ctx context.Context) (*mediajob.QueueStats, error)
	RecoverLeakedWorkers(ctx context.Context) (int, error)
	ListDeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error)
}

// Waker nudges the scheduler after a submission or a freed worker.
type Waker interface {
	Wake()
}

// Service implements the orchestrator's use cases.
type Service struct {
	store    Store
	dispatch dispatch.Dispatcher
	waker    Waker
	logger   *log.Logger
	now      func() time.Time
}

// New constructs a Service. waker may be nil.
func New(s Store, d dispatch.Dispatcher, w Waker, logger *log.Logger) *Service {
	return &Service{
		store:    s,
		dispatch: d,
		waker:    w,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// SubmitRequest is a job submission.
type SubmitRequest struct {
	Operation  mediajob.Operation
	Payload    json.RawMessage
	WebhookURL string
	IDRoteiro  *int
	PathRaiz   string
}

// SubmitResult echoes the accepted job's identity and queue placement.
type SubmitResult struct {
	JobID           string    `json:"jobId"`
	Status          string    `json:"status"`
	Operation       string    `json:"operation"`
	IDRoteiro       *int      `json:"idRoteiro,omitempty"`
	Message         string    `json:"message"`
	EstimatedTime   string    `json:"estimatedTime,omitempty"`
	QueuePosition   int       `json:"queuePosition,omitempty"`
	StatusURL       string    `json:"statusUrl"`
	CreatedAt       time.Time `json:"createdAt"`
	WorkersReserved int       `json:"workersReserved,omitempty"`
}

// estimatedTime renders the advisory duration for an operation as a
// human string, rounded up to whole minutes.
func estimatedTime(op mediajob.Operation) string {
	secs, ok := estimatedSeconds[op.Base()]
	if !ok {
		return ""
	}
	mins := (secs + 59) / 60
	if mins == 1 {
		return "~1 minute"
	}
	return fmt.Sprintf("~%d minutes", mins)
}

// Submit validates and enqueues a job. SSRF rejection happens here,
// synchronously, so a forbidden webhook URL never reaches the queue.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if !req.Operation.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, req.Operation)
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidPayload)
	}
	if req.WebhookURL != "" {
		if err := webhook.ValidateURL(req.WebhookURL); err != nil {
			return nil, err
		}
	}

	job := mediajob.New(req.Operation, req.Payload, req.WebhookURL, req.IDRoteiro, req.PathRaiz)
	job.ID = uuid.NewString()
	job.CreatedAt = s.now()

	if err := s.store.SaveJob(ctx, &job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	metrics.IncJobSubmitted(job.Operation.String())
	s.logf("service: accepted %s job %s", job.Operation, job.ID)

	pos, err := s.store.QueuePosition(ctx, job.ID)
	if err != nil {
		pos = 0
	}
	if s.waker != nil {
		s.waker.Wake()
	}
	return &SubmitResult{
		JobID:         job.ID,
		Status:        job.Status.String(),
		Operation:     job.Operation.String(),
		IDRoteiro:     job.IDRoteiro,
		Message:       fmt.Sprintf("%s job accepted and queued", job.Operation),
		EstimatedTime: estimatedTime(req.Operation),
		QueuePosition: pos,
		StatusURL:     "/api/v1/jobs/" + job.ID,
		CreatedAt:     job.CreatedAt,
	}, nil
}

// JobStatus is the client-facing view of a job.
type JobStatus struct {
	JobID         string                  `json:"jobId"`
	Operation     mediajob.Operation      `json:"operation"`
	Status        mediajob.Status         `json:"status"`
	QueuePosition int                     `json:"queuePosition,omitempty"`
	Progress      *mediajob.Progress      `json:"progress,omitempty"`
	Result        json.RawMessage         `json:"result,omitempty"`
	Error         *mediajob.JobError      `json:"error,omitempty"`
	Execution     *mediajob.ExecutionInfo `json:"execution,omitempty"`
	CreatedAt     time.Time               `json:"createdAt"`
}

// Status returns the current view of one job. Progress is reported only
// while a split job is PROCESSING; queue position only while QUEUED.
func (s *Service) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	out := &JobStatus{
		JobID:     job.ID,
		Operation: job.Operation,
		Status:    job.Status,
		Result:    job.Result,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
	}
	if job.Status == mediajob.StatusQueued {
		if pos, err := s.store.QueuePosition(ctx, job.ID); err == nil {
			out.QueuePosition = pos
		}
	}
	if job.Status == mediajob.StatusProcessing && len(job.ExternalIDs) > 1 {
		total := len(job.ExternalIDs)
		out.Progress = &mediajob.Progress{
			Done:       job.ChunksDone,
			Total:      total,
			Percentage: job.ChunksDone * 100 / total,
		}
	}
	if job.SubmittedAt != nil && job.CompletedAt != nil {
		d := job.CompletedAt.Sub(*job.SubmittedAt)
		out.Execution = &mediajob.ExecutionInfo{
			StartTime:       job.SubmittedAt.UTC(),
			EndTime:         job.CompletedAt.UTC(),
			DurationMs:      d.Milliseconds(),
			DurationSeconds: d.Seconds(),
		}
	}
	return out, nil
}

// Cancel moves a job to CANCELLED. Queued jobs leave the pending queue;
// in-flight jobs get best-effort run cancellation and their workers
// back. Cancellation never produces a webhook.
func (s *Service) Cancel(ctx context.Context, jobID string) (*mediajob.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, job.ID, job.Status)
	}

	if job.Status == mediajob.StatusQueued {
		if _, err := s.store.RemovePending(ctx, job.ID); err != nil {
			return nil, fmt.Errorf("remove pending: %w", err)
		}
	}
	for _, runID := range job.ExternalIDs {
		if err := s.dispatch.Cancel(ctx, job.Operation, runID); err != nil {
			s.logf("service: cancel run %s of job %s: %v", runID, job.ID, err)
		}
	}

	cancelled := mediajob.StatusCancelled
	updated, err := s.store.UpdateJob(ctx, job.ID, store.Patch{
		Status: &cancelled,
	})
	if err != nil {
		return nil, err
	}
	// Release after the terminal transition, in one store transaction, so
	// a crash in between leaves a terminal job with its reservation still
	// recorded for the recovery sweep.
	released, err := s.store.ReleaseJobWorkers(ctx, job.ID)
	if err != nil {
		s.logf("service: release workers for cancelled job %s: %v", job.ID, err)
	}
	if released > 0 {
		updated.WorkersReserved = 0
		if s.waker != nil {
			s.waker.Wake()
		}
	}
	metrics.ObserveJobCompleted(updated.Operation.String(), updated.Status.String(), 0)
	s.logf("service: cancelled job %s (was %s)", updated.ID, job.Status)
	return updated, nil
}

// QueueStats returns a snapshot of queue and worker state.
func (s *Service) QueueStats(ctx context.Context) (*mediajob.QueueStats, error) {
	return s.store.QueueStats(ctx)
}

// RecoverWorkers runs the leak sweep on demand and returns how many
// workers came back.
func (s *Service) RecoverWorkers(ctx context.Context) (int, error) {
	n, err := s.store.RecoverLeakedWorkers(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.AddWorkersRecovered(n)
		if s.waker != nil {
			s.waker.Wake()
		}
	}
	return n, nil
}

// WorkerStatus reports the external worker service health alongside the
// budget snapshot.
type WorkerStatus struct {
	Healthy          bool   `json:"healthy"`
	HealthError      string `json:"healthError,omitempty"`
	ActiveWorkers    int    `json:"activeWorkers"`
	AvailableWorkers int    `json:"availableWorkers"`
	MaxWorkers       int    `json:"maxWorkers"`
}

// WorkersStatus probes the worker service and reads the budget.
func (s *Service) WorkersStatus(ctx context.Context) (*WorkerStatus, error) {
	stats, err := s.store.QueueStats(ctx)
	if err != nil {
		return nil, err
	}
	out := &WorkerStatus{
		Healthy:          true,
		ActiveWorkers:    stats.ActiveWorkers,
		AvailableWorkers: stats.AvailableWorkers,
		MaxWorkers:       stats.MaxWorkers,
	}
	if err := s.dispatch.Health(ctx); err != nil {
		out.Healthy = false
		out.HealthError = err.Error()
	}
	return out, nil
}

// DeadLetters lists webhook payloads that exhausted delivery.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, limit)
}
