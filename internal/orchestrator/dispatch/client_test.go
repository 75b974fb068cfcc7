package dispatch

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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reel/pkg/mediajob"
)

func TestSubmitPostsRunEnvelope(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RunStatus{ID: "run-42", Status: StateInQueue})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "gpu-key")
	id, err := c.Submit(context.Background(), mediajob.OpAddLegenda, json.RawMessage(`{"video":"in.mp4"}`))
	require.NoError(t, err)
	assert.Equal(t, "run-42", id)
	assert.Equal(t, "/run", gotPath)
	assert.Equal(t, "Bearer gpu-key", gotAuth)
	assert.JSONEq(t, `{"video":"in.mp4"}`, string(gotBody["input"]))
}

func TestSubmitRejectsEmptyRunID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RunStatus{Status: StateInQueue})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	_, err := c.Submit(context.Background(), mediajob.OpAddLegenda, json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestVPSOperationsRouteToVPSBase(t *testing.T) {
	var gpuHits, vpsHits int
	gpu := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gpuHits++
		_ = json.NewEncoder(w).Encode(RunStatus{ID: "g1"})
	}))
	defer gpu.Close()
	vps := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vpsHits++
		_ = json.NewEncoder(w).Encode(RunStatus{ID: "v1"})
	}))
	defer vps.Close()

	c := NewClient(gpu.URL, vps.URL, "")
	_, err := c.Submit(context.Background(), mediajob.OpImg2Video, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), mediajob.OpImg2VideoVPS, json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.Equal(t, 1, gpuHits)
	assert.Equal(t, 1, vpsHits)
}

func TestVPSFallsBackToGPUBase(t *testing.T) {
	var hits int
	gpu := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_ = json.NewEncoder(w).Encode(RunStatus{ID: "g1"})
	}))
	defer gpu.Close()

	c := NewClient(gpu.URL, "", "")
	_, err := c.Submit(context.Background(), mediajob.OpAddMusicVPS, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestStatusDecodesRunState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status/run-7", r.URL.Path)
		_ = json.NewEncoder(w).Encode(RunStatus{
			ID:     "run-7",
			Status: StateCompleted,
			Output: json.RawMessage(`{"videos":["a.mp4"]}`),
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	rs, err := c.Status(context.Background(), mediajob.OpImg2Video, "run-7")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rs.Status)
	assert.True(t, rs.Terminal())
	assert.JSONEq(t, `{"videos":["a.mp4"]}`, string(rs.Output))
}

func TestStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	_, err := c.Status(context.Background(), mediajob.OpImg2Video, "gone")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestCancelTreatsNotFoundAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/cancel/run-9", r.URL.Path)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	assert.NoError(t, c.Cancel(context.Background(), mediajob.OpAddAudio, "run-9"))
}

func TestRunStatusTerminal(t *testing.T) {
	for state, terminal := range map[string]bool{
		StateInQueue:    false,
		StateInProgress: false,
		StateCompleted:  true,
		StateFailed:     true,
		StateCancelled:  true,
		StateTimedOut:   true,
	} {
		rs := &RunStatus{Status: state}
		assert.Equal(t, terminal, rs.Terminal(), "state %s", state)
	}
}

func TestHealthProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	assert.NoError(t, c.Health(context.Background()))
}
