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

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsSubmitted    *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	dispatchRequests *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	webhookAttempts  *prometheus.CounterVec
	webhookDLQ       prometheus.Counter
	workersRecovered prometheus.Counter
	queueDepth       prometheus.Gauge
	availableWorkers prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobSubmitted records an accepted job by operation.
func IncJobSubmitted(op string) {
	label := sanitizeLabel(op, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsSubmitted != nil {
		jobsSubmitted.WithLabelValues(label).Inc()
	}
}

// ObserveJobCompleted records a job reaching a terminal state and, when
// known, its submission-to-completion wall time.
func ObserveJobCompleted(op, status string, duration time.Duration) {
	labelOp := sanitizeLabel(op, "unknown")
	labelStatus := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsCompleted != nil {
		jobsCompleted.WithLabelValues(labelOp, labelStatus).Inc()
	}
	if jobDuration != nil && duration > 0 {
		jobDuration.WithLabelValues(labelOp).Observe(durationSeconds(duration))
	}
}

// ObserveDispatchRequest records a completed external worker API call.
// code should be the HTTP status code; use negative values to indicate errors.
func ObserveDispatchRequest(op string, code int, duration time.Duration) {
	label := sanitizeLabel(op, "unknown")
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if dispatchRequests != nil {
		dispatchRequests.WithLabelValues(label, status).Inc()
	}
	if dispatchDuration != nil {
		dispatchDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// IncWebhookAttempt records a webhook delivery attempt and its outcome.
func IncWebhookAttempt(outcome string) {
	label := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if webhookAttempts != nil {
		webhookAttempts.WithLabelValues(label).Inc()
	}
}

// IncWebhookDeadLetter counts a webhook payload moved to the dead-letter
// queue after exhausting all attempts.
func IncWebhookDeadLetter() {
	mu.RLock()
	defer mu.RUnlock()
	if webhookDLQ != nil {
		webhookDLQ.Inc()
	}
}

// AddWorkersRecovered counts workers reclaimed from terminal jobs by the
// recovery sweep.
func AddWorkersRecovered(n int) {
	if n <= 0 {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if workersRecovered != nil {
		workersRecovered.Add(float64(n))
	}
}

// SetQueueDepth publishes the current pending-queue depth.
func SetQueueDepth(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.Set(float64(n))
	}
}

// SetAvailableWorkers publishes the current available-worker count.
func SetAvailableWorkers(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if availableWorkers != nil {
		availableWorkers.Set(float64(n))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "orchestrator",
		Name:      "jobs_submitted_total",
		Help:      "Total jobs accepted grouped by operation.",
	}, []string{"operation"})

	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "orchestrator",
		Name:      "jobs_completed_total",
		Help:      "Total jobs reaching a terminal state grouped by operation and status.",
	}, []string{"operation", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reel",
		Subsystem: "orchestrator",
		Name:      "job_duration_seconds",
		Help:      "Submission-to-completion wall time by operation.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
	}, []string{"operation"})

	dispatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "orchestrator",
		Name:      "dispatch_requests_total",
		Help:      "Total external worker API requests grouped by operation and status code.",
	}, []string{"op", "code"})

	dispatchHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reel",
		Subsystem: "orchestrator",
		Name:      "dispatch_request_duration_seconds",
		Help:      "Duration of external worker API requests by operation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"op"})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "orchestrator",
		Name:      "webhook_attempts_total",
		Help:      "Total webhook delivery attempts grouped by outcome.",
	}, []string{"outcome"})

	dlq := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "orchestrator",
		Name:      "webhook_dead_letters_total",
		Help:      "Total webhook payloads moved to the dead-letter queue.",
	})

	recovered := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reel",
		Subsystem: "orchestrator",
		Name:      "workers_recovered_total",
		Help:      "Total workers reclaimed from terminal jobs by the recovery sweep.",
	})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reel",
		Subsystem: "orchestrator",
		Name:      "queue_depth",
		Help:      "Current number of jobs waiting in the pending queue.",
	})

	avail := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reel",
		Subsystem: "orchestrator",
		Name:      "available_workers",
		Help:      "Workers currently available in the global budget.",
	})

	registry.MustRegister(submitted, completed, duration, dispatch, dispatchHist, webhooks, dlq, recovered, depth, avail)

	reg = registry
	jobsSubmitted = submitted
	jobsCompleted = completed
	jobDuration = duration
	dispatchRequests = dispatch
	dispatchDuration = dispatchHist
	webhookAttempts = webhooks
	webhookDLQ = dlq
	workersRecovered = recovered
	queueDepth = depth
	availableWorkers = avail
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
