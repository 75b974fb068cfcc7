package service

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

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reel/internal/orchestrator/dispatch"
	"reel/internal/orchestrator/store"
	"reel/internal/orchestrator/webhook"
	"reel/pkg/mediajob"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	cancelled []string
	healthErr error
}

func (f *fakeDispatcher) Submit(ctx context.Context, op mediajob.Operation, input json.RawMessage) (string, error) {
	return "run-1", nil
}

func (f *fakeDispatcher) Status(ctx context.Context, op mediajob.Operation, runID string) (*dispatch.RunStatus, error) {
	return &dispatch.RunStatus{ID: runID, Status: dispatch.StateInQueue}, nil
}

func (f *fakeDispatcher) Cancel(ctx context.Context, op mediajob.Operation, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeDispatcher) Health(ctx context.Context) error { return f.healthErr }

type fakeWaker struct {
	mu    sync.Mutex
	wakes int
}

func (f *fakeWaker) Wake() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes++
}

func (f *fakeWaker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wakes
}

func newServiceForTest(t *testing.T) (*Service, *store.Memory, *fakeDispatcher, *fakeWaker) {
	t.Helper()
	st := store.NewMemory(3)
	disp := &fakeDispatcher{}
	waker := &fakeWaker{}
	return New(st, disp, waker, nil), st, disp, waker
}

func TestSubmitAcceptsValidJob(t *testing.T) {
	ctx := context.Background()
	svc, st, _, waker := newServiceForTest(t)

	res, err := svc.Submit(ctx, SubmitRequest{
		Operation:  mediajob.OpAddLegenda,
		Payload:    json.RawMessage(`{"video":"in.mp4"}`),
		WebhookURL: "https://93.184.216.34/hook",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, "QUEUED", res.Status)
	assert.Equal(t, 1, res.QueuePosition)
	assert.Equal(t, "/api/v1/jobs/"+res.JobID, res.StatusURL)
	assert.Equal(t, "addlegenda", res.Operation)
	assert.Equal(t, "~2 minutes", res.EstimatedTime)
	assert.NotEmpty(t, res.Message)
	assert.False(t, res.CreatedAt.IsZero())
	assert.Equal(t, 1, waker.count())

	job, err := st.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, mediajob.StatusQueued, job.Status)
}

func TestSubmitRejectsUnknownOperation(t *testing.T) {
	svc, _, _, _ := newServiceForTest(t)
	_, err := svc.Submit(context.Background(), SubmitRequest{
		Operation: "transcode",
		Payload:   json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestSubmitRejectsBadPayload(t *testing.T) {
	svc, _, _, _ := newServiceForTest(t)
	for _, payload := range []json.RawMessage{nil, json.RawMessage(``), json.RawMessage(`{`)} {
		_, err := svc.Submit(context.Background(), SubmitRequest{
			Operation: mediajob.OpAddAudio,
			Payload:   payload,
		})
		assert.ErrorIs(t, err, ErrInvalidPayload)
	}
}

func TestSubmitRejectsForbiddenWebhookSynchronously(t *testing.T) {
	svc, st, _, _ := newServiceForTest(t)
	_, err := svc.Submit(context.Background(), SubmitRequest{
		Operation:  mediajob.OpAddAudio,
		Payload:    json.RawMessage(`{}`),
		WebhookURL: "http://169.254.169.254/latest/meta-data",
	})
	assert.ErrorIs(t, err, webhook.ErrForbiddenURL)

	// Nothing may have entered the queue.
	stats, err := st.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PendingDepth)
}

func TestStatusReportsQueuePosition(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newServiceForTest(t)

	first, err := svc.Submit(ctx, SubmitRequest{Operation: mediajob.OpAddAudio, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	second, err := svc.Submit(ctx, SubmitRequest{Operation: mediajob.OpAddAudio, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	status, err := svc.Status(ctx, second.JobID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.QueuePosition)

	status, err = svc.Status(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.QueuePosition)
}

func TestStatusReportsSplitProgress(t *testing.T) {
	ctx := context.Background()
	svc, st, _, _ := newServiceForTest(t)

	job := mediajob.New(mediajob.OpImg2Video, json.RawMessage(`{}`), "", nil, "")
	job.ID = "big"
	require.NoError(t, st.SaveJob(ctx, &job))
	submitted := mediajob.StatusSubmitted
	_, err := st.UpdateJob(ctx, "big", store.Patch{Status: &submitted, ExternalIDs: []string{"r1", "r2", "r3"}})
	require.NoError(t, err)
	processing := mediajob.StatusProcessing
	two := 2
	_, err = st.UpdateJob(ctx, "big", store.Patch{Status: &processing, ChunksDone: &two})
	require.NoError(t, err)

	status, err := svc.Status(ctx, "big")
	require.NoError(t, err)
	require.NotNil(t, status.Progress)
	assert.Equal(t, 2, status.Progress.Done)
	assert.Equal(t, 3, status.Progress.Total)
	assert.Equal(t, 66, status.Progress.Percentage)
}

func TestStatusNotFound(t *testing.T) {
	svc, _, _, _ := newServiceForTest(t)
	_, err := svc.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelQueuedJobLeavesPendingQueue(t *testing.T) {
	ctx := context.Background()
	svc, st, disp, _ := newServiceForTest(t)

	res, err := svc.Submit(ctx, SubmitRequest{Operation: mediajob.OpAddAudio, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	job, err := svc.Cancel(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, mediajob.StatusCancelled, job.Status)
	assert.Empty(t, disp.cancelled)

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PendingDepth)
	assert.Equal(t, 3, stats.AvailableWorkers)
}

func TestCancelInFlightJobReleasesWorkersAndCancelsRuns(t *testing.T) {
	ctx := context.Background()
	svc, st, disp, waker := newServiceForTest(t)

	job := mediajob.New(mediajob.OpImg2Video, json.RawMessage(`{}`), "", nil, "")
	job.ID = "big"
	require.NoError(t, st.SaveJob(ctx, &job))
	_, err := st.DequeuePending(ctx)
	require.NoError(t, err)
	ok, err := st.ReserveWorkers(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	submitted := mediajob.StatusSubmitted
	three := 3
	now := time.Now().UTC()
	_, err = st.UpdateJob(ctx, "big", store.Patch{
		Status: &submitted, ExternalIDs: []string{"r1", "r2", "r3"},
		WorkersReserved: &three, SubmittedAt: &now,
	})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, mediajob.StatusCancelled, cancelled.Status)
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, disp.cancelled)
	assert.Positive(t, waker.count())

	stats, err := st.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.AvailableWorkers)
}

func TestCancelTerminalJobFails(t *testing.T) {
	ctx := context.Background()
	svc, st, _, _ := newServiceForTest(t)

	job := mediajob.New(mediajob.OpAddAudio, json.RawMessage(`{}`), "", nil, "")
	job.ID = "done"
	job.Status = mediajob.StatusCompleted
	require.NoError(t, st.SaveJob(ctx, &job))

	_, err := svc.Cancel(ctx, "done")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestWorkersStatusReflectsHealthProbe(t *testing.T) {
	ctx := context.Background()
	svc, _, disp, _ := newServiceForTest(t)

	status, err := svc.WorkersStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Equal(t, 3, status.MaxWorkers)

	disp.healthErr = assert.AnError
	status, err = svc.WorkersStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.Healthy)
	assert.NotEmpty(t, status.HealthError)
}
