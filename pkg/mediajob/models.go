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

// Package mediajob contains the shared job aggregate, status machine, and
// webhook payload models used by the orchestrator's store, queue manager,
// worker monitor, and HTTP layer.
package mediajob

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operation identifies one of the supported media operations. Operations
// suffixed "-vps" are routed to the local CPU worker instead of the GPU
// pool; their semantics are otherwise identical to the base operation.
type Operation string

const (
	OpImg2Video  Operation = "img2video"
	OpAddLegenda Operation = "addlegenda"
	OpAddKaraoke Operation = "addkaraoke"
	OpAddAudio   Operation = "addaudio"
	OpCycleVideo Operation = "cyclevideo"
	OpAddMusic   Operation = "addmusic"

	OpImg2VideoVPS  Operation = "img2video-vps"
	OpAddLegendaVPS Operation = "addlegenda-vps"
	OpAddKaraokeVPS Operation = "addkaraoke-vps"
	OpAddAudioVPS   Operation = "addaudio-vps"
	OpCycleVideoVPS Operation = "cyclevideo-vps"
	OpAddMusicVPS   Operation = "addmusic-vps"
)

// vpsSuffix marks operations routed to the local CPU worker.
const vpsSuffix = "-vps"

// Operations returns the closed set of supported operations.
func Operations() []Operation {
	return []Operation{
		OpImg2Video, OpAddLegenda, OpAddKaraoke, OpAddAudio, OpCycleVideo, OpAddMusic,
		OpImg2VideoVPS, OpAddLegendaVPS, OpAddKaraokeVPS, OpAddAudioVPS, OpCycleVideoVPS, OpAddMusicVPS,
	}
}

// Valid reports whether the operation is one of the supported set.
func (o Operation) Valid() bool {
	for _, op := range Operations() {
		if o == op {
			return true
		}
	}
	return false
}

// IsVPS reports whether the operation is routed to the local CPU worker.
func (o Operation) IsVPS() bool { return strings.HasSuffix(string(o), vpsSuffix) }

// Base strips the VPS routing suffix, if present.
func (o Operation) Base() Operation {
	return Operation(strings.TrimSuffix(string(o), vpsSuffix))
}

// String returns the string value of the Operation.
func (o Operation) String() string { return string(o) }

// Status is the lifecycle state of a job. Transitions follow a DAG:
// QUEUED → SUBMITTED → PROCESSING → {COMPLETED, FAILED}, with CANCELLED
// reachable from any non-terminal state. Terminal states are absorbing.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusSubmitted  Status = "SUBMITTED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// ErrInvalidTransition is returned when a status update would regress or
// skip the lifecycle DAG.
var ErrInvalidTransition = errors.New("invalid status transition")

var validTransitions = map[Status][]Status{
	StatusQueued:     {StatusSubmitted, StatusFailed, StatusCancelled},
	StatusSubmitted:  {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// Valid reports whether the status is one of the allowed states.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether the status is COMPLETED, FAILED, or CANCELLED.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string value of the Status.
func (s Status) String() string { return string(s) }

// CanTransition reports whether moving from one status to another is
// permitted by the lifecycle DAG. A self-transition is a no-op and allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorCode classifies job failures as carried in the webhook error object.
type ErrorCode string

const (
	ErrCodeValidation           ErrorCode = "VALIDATION_ERROR"
	ErrCodeSSRFRejected         ErrorCode = "SSRF_REJECTED"
	ErrCodeSubmission           ErrorCode = "SUBMISSION_ERROR"
	ErrCodeProcessing           ErrorCode = "PROCESSING_ERROR"
	ErrCodeCancelledByExternal  ErrorCode = "CANCELLED_BY_EXTERNAL"
	ErrCodeTimeout              ErrorCode = "TIMEOUT"
	ErrCodeWebhookUndeliverable ErrorCode = "WEBHOOK_UNDELIVERABLE"
)

// JobError is the terminal error recorded on a failed job and echoed in
// the webhook payload.
type JobError struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Job represents a single media processing request and its lifecycle.
// The payload is validated upstream and treated as opaque JSON; the
// orchestrator only inspects it to split image-to-video work.
type Job struct {
	ID         string          `json:"job_id" db:"id"`
	Operation  Operation       `json:"operation" db:"operation"`
	Status     Status          `json:"status" db:"status"`
	Payload    json.RawMessage `json:"payload" db:"payload_json"`
	WebhookURL string          `json:"webhook_url" db:"webhook_url"`

	// ExternalIDs is the ordered sequence of sub-job ids issued by the
	// external worker service; append-only until the job is terminal.
	ExternalIDs []string `json:"external_ids,omitempty" db:"external_ids_json"`

	// WorkersReserved is the count currently deducted from the global
	// worker budget for this job.
	WorkersReserved int `json:"workers_reserved" db:"workers_reserved"`

	// ChunksDone counts terminal-completed sub-jobs; used for progress
	// reporting on split jobs while PROCESSING.
	ChunksDone int `json:"chunks_done" db:"chunks_done"`

	Result json.RawMessage `json:"result,omitempty" db:"result_json"`
	Error  *JobError       `json:"error,omitempty" db:"error_json"`

	// IDRoteiro and PathRaiz are client-opaque correlation tokens echoed
	// unchanged into the webhook payload.
	IDRoteiro *int   `json:"id_roteiro,omitempty" db:"id_roteiro"`
	PathRaiz  string `json:"path_raiz,omitempty" db:"path_raiz"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty" db:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// Attempts counts processing retries; WebhookAttempts counts webhook
	// delivery attempts. WebhookDelivered marks a successful delivery so
	// a restart never duplicates a past success.
	Attempts         int  `json:"attempts" db:"attempts"`
	WebhookAttempts  int  `json:"webhook_attempts" db:"webhook_attempts"`
	WebhookDelivered bool `json:"webhook_delivered" db:"webhook_delivered"`
}

// New constructs a Job with initial QUEUED status and timestamps.
// Caller should assign a unique ID (e.g., uuid) before persistence.
func New(op Operation, payload json.RawMessage, webhookURL string, idRoteiro *int, pathRaiz string) Job {
	return Job{
		Operation:  op,
		Status:     StatusQueued,
		Payload:    payload,
		WebhookURL: webhookURL,
		IDRoteiro:  idRoteiro,
		PathRaiz:   pathRaiz,
		CreatedAt:  time.Now().UTC(),
	}
}

// Clone returns a deep-enough copy so callers can mutate the result
// without affecting shared store state.
func (j *Job) Clone() *Job {
	c := *j
	if j.ExternalIDs != nil {
		c.ExternalIDs = append([]string(nil), j.ExternalIDs...)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// QueueStats is a point-in-time snapshot of queue and worker state.
type QueueStats struct {
	Queued     int `json:"queued"`
	Submitted  int `json:"submitted"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`

	PendingDepth     int `json:"pendingDepth"`
	ActiveWorkers    int `json:"activeWorkers"`
	AvailableWorkers int `json:"availableWorkers"`
	MaxWorkers       int `json:"maxWorkers"`
}

// Progress reports split-job completion while a job is PROCESSING.
type Progress struct {
	Done       int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// ExecutionInfo summarizes wall time between submission and completion.
type ExecutionInfo struct {
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
	DurationMs      int64     `json:"durationMs"`
	DurationSeconds float64   `json:"durationSeconds"`
}

// WebhookPayload is the terminal notification body POSTed to the client
// webhook URL. Field order is fixed so HMAC signatures are deterministic.
type WebhookPayload struct {
	JobID     string          `json:"jobId"`
	IDRoteiro *int            `json:"idRoteiro,omitempty"`
	PathRaiz  string          `json:"pathRaiz,omitempty"`
	Operation Operation       `json:"operation"`
	Status    Status          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *JobError       `json:"error,omitempty"`
	Execution *ExecutionInfo  `json:"execution,omitempty"`
}

// NewWebhookPayload builds the terminal notification for a job. The job
// must be COMPLETED or FAILED; CANCELLED jobs never produce a webhook.
func NewWebhookPayload(j *Job, now time.Time) WebhookPayload {
	p := WebhookPayload{
		JobID:     j.ID,
		IDRoteiro: j.IDRoteiro,
		PathRaiz:  j.PathRaiz,
		Operation: j.Operation,
		Status:    j.Status,
		Timestamp: now.UTC(),
		Result:    j.Result,
		Error:     j.Error,
	}
	if j.SubmittedAt != nil && j.CompletedAt != nil {
		d := j.CompletedAt.Sub(*j.SubmittedAt)
		p.Execution = &ExecutionInfo{
			StartTime:       j.SubmittedAt.UTC(),
			EndTime:         j.CompletedAt.UTC(),
			DurationMs:      d.Milliseconds(),
			DurationSeconds: d.Seconds(),
		}
	}
	return p
}
