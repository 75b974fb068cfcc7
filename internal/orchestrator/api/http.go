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

// Package api is the HTTP surface of the orchestrator.
//
// Endpoints:
//   - POST /api/v1/jobs/{operation}
//   - GET  /api/v1/jobs/{jobId}
//   - POST /api/v1/jobs/{jobId}/cancel
//   - GET  /api/v1/queue/stats
//   - POST /api/v1/admin/recover-workers
//   - GET  /api/v1/admin/workers/status
//   - GET  /api/v1/admin/webhook-dlq
//   - GET  /health
//   - GET  /metrics
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"reel/internal/orchestrator/metrics"
	"reel/internal/orchestrator/service"
	"reel/internal/orchestrator/store"
	"reel/internal/orchestrator/webhook"
	"reel/pkg/mediajob"
)

// maxBodyBytes caps request bodies; payloads are image/url manifests,
// not media.
const maxBodyBytes = 4 << 20

// API is the HTTP layer for the orchestrator.
type API struct {
	Service *service.Service

	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger

	start time.Time
}

// New constructs an API.
func New(svc *service.Service, logger *log.Logger) *API {
	return &API{Service: svc, Logger: logger, start: time.Now()}
}

func (a *API) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
	}
}

// Register attaches the API handlers to the router. auth wraps every
// /api/v1 route; /health and /metrics stay open.
func (a *API) Register(r *mux.Router, auth func(http.Handler) http.Handler) {
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	if auth != nil {
		v1.Use(mux.MiddlewareFunc(auth))
	}
	v1.HandleFunc("/jobs/{operation}", a.handleSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{jobId}", a.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{jobId}/cancel", a.handleCancel).Methods(http.MethodPost)
	v1.HandleFunc("/queue/stats", a.handleQueueStats).Methods(http.MethodGet)
	v1.HandleFunc("/admin/recover-workers", a.handleRecoverWorkers).Methods(http.MethodPost)
	v1.HandleFunc("/admin/workers/status", a.handleWorkersStatus).Methods(http.MethodGet)
	v1.HandleFunc("/admin/webhook-dlq", a.handleDeadLetters).Methods(http.MethodGet)
}

// --------------- Models ---------------

// SubmitJobRequest is the payload for POST /api/v1/jobs/{operation}.
// Payload is forwarded opaquely to the worker; the remaining fields
// drive orchestration and the webhook echo. webhook_url and path are
// required; path is echoed back to the webhook as pathRaiz.
type SubmitJobRequest struct {
	Payload    json.RawMessage `json:"payload"`
	WebhookURL string          `json:"webhook_url"`
	IDRoteiro  *int            `json:"idRoteiro,omitempty"`
	Path       string          `json:"path"`
}

// --------------- Handlers ---------------

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	op := mediajob.Operation(mux.Vars(r)["operation"])

	var req SubmitJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
		return
	}
	if strings.TrimSpace(req.WebhookURL) == "" {
		jsonError(w, http.StatusBadRequest, string(mediajob.ErrCodeValidation), "webhook_url is required")
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		jsonError(w, http.StatusBadRequest, string(mediajob.ErrCodeValidation), "path is required")
		return
	}

	res, err := a.Service.Submit(r.Context(), service.SubmitRequest{
		Operation:  op,
		Payload:    req.Payload,
		WebhookURL: req.WebhookURL,
		IDRoteiro:  req.IDRoteiro,
		PathRaiz:   req.Path,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidOperation):
			jsonError(w, http.StatusNotFound, "unknown_operation", err.Error())
		case errors.Is(err, service.ErrInvalidPayload):
			jsonError(w, http.StatusBadRequest, string(mediajob.ErrCodeValidation), err.Error())
		case errors.Is(err, webhook.ErrForbiddenURL):
			jsonError(w, http.StatusBadRequest, string(mediajob.ErrCodeSSRFRejected), err.Error())
		default:
			a.logf("api: submit %s: %v", op, err)
			jsonError(w, http.StatusInternalServerError, "internal_error", "failed to enqueue job")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	res, err := a.Service.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.logf("api: status %s: %v", jobID, err)
		jsonError(w, http.StatusInternalServerError, "internal_error", "failed to read job")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	job, err := a.Service.Cancel(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			jsonError(w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, service.ErrAlreadyTerminal):
			jsonError(w, http.StatusBadRequest, "already_terminal", err.Error())
		default:
			a.logf("api: cancel %s: %v", jobID, err)
			jsonError(w, http.StatusInternalServerError, "internal_error", "failed to cancel job")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "job cancelled",
		"jobId":   job.ID,
		"status":  job.Status,
	})
}

func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Service.QueueStats(r.Context())
	if err != nil {
		a.logf("api: queue stats: %v", err)
		jsonError(w, http.StatusInternalServerError, "internal_error", "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleRecoverWorkers(w http.ResponseWriter, r *http.Request) {
	n, err := a.Service.RecoverWorkers(r.Context())
	if err != nil {
		a.logf("api: recover workers: %v", err)
		jsonError(w, http.StatusInternalServerError, "internal_error", "recovery sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"recovered": n})
}

func (a *API) handleWorkersStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.Service.WorkersStatus(r.Context())
	if err != nil {
		a.logf("api: workers status: %v", err)
		jsonError(w, http.StatusInternalServerError, "internal_error", "failed to read worker status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := a.Service.DeadLetters(r.Context(), 100)
	if err != nil {
		a.logf("api: webhook dlq: %v", err)
		jsonError(w, http.StatusInternalServerError, "internal_error", "failed to read dead letters")
		return
	}
	if letters == nil {
		letters = []store.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(a.start).Round(time.Second).String()
	stats, err := a.Service.QueueStats(r.Context())
	if err != nil {
		a.logf("api: health: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"uptime": uptime,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": uptime,
		"queue":  stats,
	})
}

// --------------- Helpers ---------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
