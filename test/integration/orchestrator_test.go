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

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reel/internal/orchestrator/api"
	"reel/internal/orchestrator/dispatch"
	"reel/internal/orchestrator/monitor"
	"reel/internal/orchestrator/queue"
	"reel/internal/orchestrator/service"
	"reel/internal/orchestrator/store"
	"reel/pkg/mediajob"
)

// fakeWorker simulates the external GPU worker service. Each run advances
// one lifecycle step per status poll: IN_QUEUE, IN_PROGRESS, COMPLETED.
type fakeWorker struct {
	mu        sync.Mutex
	seq       int
	polls     map[string]int
	cancelled []string

	Server *httptest.Server
}

func newFakeWorker() *fakeWorker {
	fw := &fakeWorker{polls: map[string]int{}}
	fw.Server = httptest.NewServer(http.HandlerFunc(fw.handle))
	return fw
}

func (fw *fakeWorker) handle(w http.ResponseWriter, r *http.Request) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusOK)

	case r.URL.Path == "/run":
		fw.seq++
		id := fmt.Sprintf("run-%d", fw.seq)
		fw.polls[id] = 0
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dispatch.RunStatus{ID: id, Status: dispatch.StateInQueue})

	case strings.HasPrefix(r.URL.Path, "/status/"):
		id := strings.TrimPrefix(r.URL.Path, "/status/")
		n, ok := fw.polls[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fw.polls[id] = n + 1
		rs := dispatch.RunStatus{ID: id, Status: dispatch.StateInProgress}
		if n >= 1 {
			rs.Status = dispatch.StateCompleted
			rs.Output = json.RawMessage(fmt.Sprintf(`{"videos":["%s.mp4"]}`, id))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rs)

	case strings.HasPrefix(r.URL.Path, "/cancel/"):
		id := strings.TrimPrefix(r.URL.Path, "/cancel/")
		if _, ok := fw.polls[id]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(fw.polls, id)
		fw.cancelled = append(fw.cancelled, id)
		w.WriteHeader(http.StatusOK)

	default:
		http.NotFound(w, r)
	}
}

func (fw *fakeWorker) cancelledRuns() []string {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return append([]string(nil), fw.cancelled...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*mediajob.Job
}

func (n *recordingNotifier) Notify(job *mediajob.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
}

func (n *recordingNotifier) notified() []*mediajob.Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*mediajob.Job(nil), n.jobs...)
}

// TestStack wires the full orchestrator against a fake worker. The
// scheduler and monitor are driven by explicit Drain and Poll calls so
// tests stay deterministic.
type TestStack struct {
	Store    *store.SQLite
	Worker   *fakeWorker
	Manager  *queue.Manager
	Monitor  *monitor.Monitor
	Notifier *recordingNotifier
	Router   *mux.Router
}

func setupStack(t *testing.T) *TestStack {
	t.Helper()

	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "reel.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fw := newFakeWorker()
	t.Cleanup(fw.Server.Close)

	client := dispatch.NewClient(fw.Server.URL, "", "test-key")
	notifier := &recordingNotifier{}
	mgr := queue.NewManager(st, client, notifier, queue.SplitPolicy{
		Threshold: queue.DefaultSplitThreshold,
		MaxChunks: queue.DefaultSplitMaxChunks,
	}, queue.DefaultInterval, nil)
	mon := monitor.New(st, client, notifier, mgr, nil)

	svc := service.New(st, client, mgr, nil)
	r := mux.NewRouter()
	api.New(svc, nil).Register(r, nil)

	return &TestStack{Store: st, Worker: fw, Manager: mgr, Monitor: mon, Notifier: notifier, Router: r}
}

func (ts *TestStack) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.Router.ServeHTTP(rec, req)
	return rec
}

func (ts *TestStack) submit(t *testing.T, operation string, payload string) string {
	t.Helper()
	// TEST-NET address: passes the SSRF filter without DNS. The stack's
	// notifier records jobs instead of delivering, so nothing is posted.
	rec := ts.doJSON(t, http.MethodPost, "/api/v1/jobs/"+operation, api.SubmitJobRequest{
		Payload:    json.RawMessage(payload),
		WebhookURL: "http://203.0.113.10/hook",
		Path:       "/srv/test",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var res service.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res.JobID
}

func (ts *TestStack) status(t *testing.T, jobID string) service.JobStatus {
	t.Helper()
	rec := ts.doJSON(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var status service.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	return status
}

func TestJobLifecycle(t *testing.T) {
	ts := setupStack(t)
	ctx := context.Background()

	jobID := ts.submit(t, "addlegenda", `{"video":"in.mp4","language":"pt"}`)
	assert.Equal(t, mediajob.StatusQueued, ts.status(t, jobID).Status)

	ts.Manager.Drain(ctx)
	assert.Equal(t, mediajob.StatusSubmitted, ts.status(t, jobID).Status)

	// First poll sees the run IN_PROGRESS, second sees it COMPLETED.
	ts.Monitor.Poll(ctx)
	assert.Equal(t, mediajob.StatusProcessing, ts.status(t, jobID).Status)

	ts.Monitor.Poll(ctx)
	status := ts.status(t, jobID)
	require.Equal(t, mediajob.StatusCompleted, status.Status)
	assert.JSONEq(t, `{"videos":["run-1.mp4"]}`, string(status.Result))

	stats, err := ts.Store.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.AvailableWorkers, "workers returned after completion")

	notified := ts.Notifier.notified()
	require.Len(t, notified, 1)
	assert.Equal(t, mediajob.StatusCompleted, notified[0].Status)
}

func TestSplitJobLifecycle(t *testing.T) {
	ts := setupStack(t)
	ctx := context.Background()

	images := make([]string, 120)
	for i := range images {
		images[i] = fmt.Sprintf("img-%03d.png", i)
	}
	payload, err := json.Marshal(map[string]any{"images": images, "fps": 24})
	require.NoError(t, err)

	jobID := ts.submit(t, "img2video", string(payload))

	ts.Manager.Drain(ctx)
	stats, err := ts.Store.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.AvailableWorkers, "split job takes the whole budget")

	job, err := ts.Store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, job.ExternalIDs, 3)

	ts.Monitor.Poll(ctx)
	status := ts.status(t, jobID)
	require.Equal(t, mediajob.StatusProcessing, status.Status)

	ts.Monitor.Poll(ctx)
	status = ts.status(t, jobID)
	require.Equal(t, mediajob.StatusCompleted, status.Status)

	// Chunk outputs are merged in submission order.
	var result map[string][]string
	require.NoError(t, json.Unmarshal(status.Result, &result))
	assert.Equal(t, []string{"run-1.mp4", "run-2.mp4", "run-3.mp4"}, result["videos"])

	stats, err = ts.Store.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.AvailableWorkers)
}

func TestHeadOfLineBlocking(t *testing.T) {
	ts := setupStack(t)
	ctx := context.Background()

	images := make([]string, 200)
	for i := range images {
		images[i] = fmt.Sprintf("img-%03d.png", i)
	}
	payload, err := json.Marshal(map[string]any{"images": images})
	require.NoError(t, err)

	bigID := ts.submit(t, "img2video", string(payload))
	smallID := ts.submit(t, "addaudio", `{"video":"in.mp4"}`)

	ts.Manager.Drain(ctx)
	assert.Equal(t, mediajob.StatusSubmitted, ts.status(t, bigID).Status)

	// The whole budget is gone, so the small job waits at position 1.
	small := ts.status(t, smallID)
	assert.Equal(t, mediajob.StatusQueued, small.Status)
	assert.Equal(t, 1, small.QueuePosition)

	// Finish the big job, then the scheduler picks up the small one.
	ts.Monitor.Poll(ctx)
	ts.Monitor.Poll(ctx)
	require.Equal(t, mediajob.StatusCompleted, ts.status(t, bigID).Status)

	ts.Manager.Drain(ctx)
	assert.Equal(t, mediajob.StatusSubmitted, ts.status(t, smallID).Status)
}

func TestCancelInFlightJob(t *testing.T) {
	ts := setupStack(t)
	ctx := context.Background()

	jobID := ts.submit(t, "addkaraoke", `{"video":"in.mp4"}`)
	ts.Manager.Drain(ctx)

	rec := ts.doJSON(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	status := ts.status(t, jobID)
	assert.Equal(t, mediajob.StatusCancelled, status.Status)
	assert.Equal(t, []string{"run-1"}, ts.Worker.cancelledRuns())

	stats, err := ts.Store.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.AvailableWorkers)

	// The monitor must not resurrect a cancelled job.
	ts.Monitor.Poll(ctx)
	assert.Equal(t, mediajob.StatusCancelled, ts.status(t, jobID).Status)
	assert.Empty(t, ts.Notifier.notified(), "cancelled jobs produce no webhook")
}

func TestCancelQueuedJobNeverReachesWorker(t *testing.T) {
	ts := setupStack(t)
	ctx := context.Background()

	jobID := ts.submit(t, "addmusic", `{"video":"in.mp4"}`)

	rec := ts.doJSON(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ts.Manager.Drain(ctx)
	assert.Equal(t, mediajob.StatusCancelled, ts.status(t, jobID).Status)
	assert.Empty(t, ts.Worker.cancelledRuns())

	stats, err := ts.Store.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.AvailableWorkers)
}

func TestConcurrentSubmissions(t *testing.T) {
	ts := setupStack(t)

	const n = 10
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var buf bytes.Buffer
			_ = json.NewEncoder(&buf).Encode(api.SubmitJobRequest{
				Payload:    json.RawMessage(`{"video":"in.mp4"}`),
				WebhookURL: "http://203.0.113.10/hook",
				Path:       "/srv/test",
			})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/addaudio", &buf)
			rec := httptest.NewRecorder()
			ts.Router.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		assert.Equal(t, http.StatusAccepted, code, "request %d", i)
	}

	stats, err := ts.Store.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, stats.Queued)
}
