package store

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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reel/pkg/mediajob"
)

func openTestSQLite(t *testing.T, path string, maxWorkers int) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), path, maxWorkers)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "reel.db"), 3)

	idRoteiro := 7
	job := mediajob.New(mediajob.OpImg2Video, json.RawMessage(`{"images":["a.png"]}`), "https://example.com/hook", &idRoteiro, "/srv/7")
	job.ID = "j1"
	require.NoError(t, s.SaveJob(ctx, &job))

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, mediajob.OpImg2Video, got.Operation)
	assert.Equal(t, mediajob.StatusQueued, got.Status)
	assert.JSONEq(t, `{"images":["a.png"]}`, string(got.Payload))
	require.NotNil(t, got.IDRoteiro)
	assert.Equal(t, 7, *got.IDRoteiro)
	assert.Equal(t, "/srv/7", got.PathRaiz)
	assert.Empty(t, got.ExternalIDs)
	assert.Nil(t, got.SubmittedAt)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLitePendingFIFOAndRequeue(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "reel.db"), 3)

	for _, id := range []string{"a", "b", "c"} {
		job := mediajob.New(mediajob.OpAddAudio, json.RawMessage(`{}`), "", nil, "")
		job.ID = id
		require.NoError(t, s.SaveJob(ctx, &job))
	}

	head, err := s.PeekPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", head.ID)

	pos, err := s.QueuePosition(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 3, pos)

	job, err := s.DequeuePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", job.ID)

	require.NoError(t, s.RequeueFront(ctx, "a"))
	head, err = s.PeekPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", head.ID)

	removed, err := s.RemovePending(ctx, "b")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.RemovePending(ctx, "b")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSQLiteUpdateJobEnforcesTransitions(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "reel.db"), 3)

	job := mediajob.New(mediajob.OpAddLegenda, json.RawMessage(`{}`), "", nil, "")
	job.ID = "j1"
	require.NoError(t, s.SaveJob(ctx, &job))

	completed := mediajob.StatusCompleted
	_, err := s.UpdateJob(ctx, "j1", Patch{Status: &completed})
	assert.ErrorIs(t, err, mediajob.ErrInvalidTransition)

	submitted := mediajob.StatusSubmitted
	now := time.Now().UTC()
	workers := 2
	updated, err := s.UpdateJob(ctx, "j1", Patch{
		Status:          &submitted,
		ExternalIDs:     []string{"r1", "r2"},
		WorkersReserved: &workers,
		SubmittedAt:     &now,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, updated.ExternalIDs)
	assert.Equal(t, 2, updated.WorkersReserved)

	failed := mediajob.StatusFailed
	updated, err = s.UpdateJob(ctx, "j1", Patch{
		Status: &failed,
		Error:  &mediajob.JobError{Code: mediajob.ErrCodeProcessing, Message: "boom"},
	})
	require.NoError(t, err)
	require.NotNil(t, updated.CompletedAt)
	require.NotNil(t, updated.Error)
	assert.Equal(t, mediajob.ErrCodeProcessing, updated.Error.Code)

	// Round-trip the terminal state.
	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, mediajob.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", got.Error.Message)
}

func TestSQLiteWorkerBudgetSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reel.db")

	s := openTestSQLite(t, path, 3)
	ok, err := s.ReserveWorkers(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close())

	s2 := openTestSQLite(t, path, 3)
	stats, err := s2.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AvailableWorkers, "reservations persist across restart")
}

func TestSQLiteBudgetReconciliationOnResize(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reel.db")

	s := openTestSQLite(t, path, 3)
	ok, err := s.ReserveWorkers(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close())

	// Budget grows: the two in-flight reservations stay deducted.
	s2 := openTestSQLite(t, path, 5)
	stats, err := s2.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.MaxWorkers)
	assert.Equal(t, 3, stats.AvailableWorkers)
	require.NoError(t, s2.Close())

	// Budget shrinks below what is in flight: available clamps at zero.
	s3 := openTestSQLite(t, path, 1)
	stats, err = s3.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MaxWorkers)
	assert.Equal(t, 0, stats.AvailableWorkers)
}

func TestSQLiteReserveNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "reel.db"), 2)

	ok, err := s.ReserveWorkers(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ReserveWorkers(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ReleaseWorkers(ctx, 10))
	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.AvailableWorkers, "release saturates at max")
}

func TestSQLiteReleaseJobWorkers(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "reel.db"), 3)

	job := mediajob.New(mediajob.OpAddAudio, json.RawMessage(`{}`), "", nil, "")
	job.ID = "held"
	job.Status = mediajob.StatusSubmitted
	job.WorkersReserved = 2
	require.NoError(t, s.SaveJob(ctx, &job))
	ok, err := s.ReserveWorkers(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.ReleaseJobWorkers(ctx, "held")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.GetJob(ctx, "held")
	require.NoError(t, err)
	assert.Equal(t, 0, got.WorkersReserved)
	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.AvailableWorkers)

	n, err = s.ReleaseJobWorkers(ctx, "held")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second release is a no-op")

	_, err = s.ReleaseJobWorkers(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteRecoverLeakedWorkers(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "reel.db"), 3)

	job := mediajob.New(mediajob.OpAddAudio, json.RawMessage(`{}`), "", nil, "")
	job.ID = "leaked"
	job.Status = mediajob.StatusCancelled
	job.WorkersReserved = 2
	require.NoError(t, s.SaveJob(ctx, &job))
	ok, err := s.ReserveWorkers(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.RecoverLeakedWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.RecoverLeakedWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := s.GetJob(ctx, "leaked")
	require.NoError(t, err)
	assert.Equal(t, 0, got.WorkersReserved)
}

func TestSQLiteEvictExpired(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "reel.db"), 3)

	old := time.Now().UTC().Add(-48 * time.Hour)
	expired := mediajob.New(mediajob.OpAddAudio, json.RawMessage(`{}`), "", nil, "")
	expired.ID = "old"
	expired.Status = mediajob.StatusCompleted
	expired.CompletedAt = &old
	require.NoError(t, s.SaveJob(ctx, &expired))

	inflight := mediajob.New(mediajob.OpAddAudio, json.RawMessage(`{}`), "", nil, "")
	inflight.ID = "running"
	inflight.Status = mediajob.StatusProcessing
	require.NoError(t, s.SaveJob(ctx, &inflight))

	n, err := s.EvictExpired(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetJob(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetJob(ctx, "running")
	assert.NoError(t, err)
}

func TestSQLiteDeadLetters(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "reel.db"), 3)

	require.NoError(t, s.PushDeadLetter(ctx, DeadLetter{
		JobID:   "j1",
		URL:     "https://example.com/hook",
		Payload: json.RawMessage(`{"jobId":"j1"}`),
		Reason:  "WEBHOOK_UNDELIVERABLE",
		Time:    time.Now().UTC(),
	}))

	letters, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "j1", letters[0].JobID)
	assert.JSONEq(t, `{"jobId":"j1"}`, string(letters[0].Payload))
}
