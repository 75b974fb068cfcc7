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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the orchestrator's runtime configuration.
type Config struct {
	// HTTPAddr is the listen address for the API server.
	HTTPAddr string

	// StoreBackend selects job persistence: "memory" or "sqlite".
	StoreBackend string

	// DBPath is the SQLite database file (sqlite backend only).
	DBPath string

	// MaxWorkers is the global worker budget shared by all jobs.
	MaxWorkers int

	// WorkerAPIURL is the base URL of the GPU worker service.
	WorkerAPIURL string

	// WorkerVPSURL is the base URL of the local CPU worker service;
	// empty falls back to WorkerAPIURL.
	WorkerVPSURL string

	// WorkerAPIKey authenticates calls to the worker service.
	WorkerAPIKey string

	// APIKey / APIKeyHash protect the orchestrator's own API. With
	// neither set, authentication is disabled.
	APIKey     string
	APIKeyHash string

	// WebhookSecret signs webhook payloads; empty disables signing.
	WebhookSecret string

	// WebhookTimeout bounds each webhook delivery attempt.
	WebhookTimeout time.Duration

	// WebhookMaxAttempts caps delivery attempts per job.
	WebhookMaxAttempts int

	// WebhookRetryDelays is the backoff schedule between attempts; the
	// last delay repeats if attempts outnumber delays.
	WebhookRetryDelays []time.Duration

	// SplitThreshold is the image count above which image-to-video
	// jobs split; SplitMaxChunks caps the split.
	SplitThreshold int
	SplitMaxChunks int

	// SchedulerInterval is the scheduler's fallback tick.
	SchedulerInterval time.Duration

	// PollInterval is the worker-status reconciliation cadence.
	PollInterval time.Duration

	// RecoveryInterval is the leak/webhook/eviction sweep cadence.
	RecoveryInterval time.Duration

	// ExecutionTimeout caps a job's wall time after submission.
	ExecutionTimeout time.Duration

	// ResultTTL is how long terminal jobs are kept before eviction.
	ResultTTL time.Duration
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		HTTPAddr:           ":8080",
		StoreBackend:       "sqlite",
		DBPath:             "reel.db",
		MaxWorkers:         3,
		WebhookTimeout:     10 * time.Second,
		WebhookMaxAttempts: 4,
		WebhookRetryDelays: []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		SplitThreshold:     50,
		SplitMaxChunks:     3,
		SchedulerInterval:  5 * time.Second,
		PollInterval:       8 * time.Second,
		RecoveryInterval:   5 * time.Minute,
		ExecutionTimeout:   40 * time.Minute,
		ResultTTL:          24 * time.Hour,
	}
}

// LoadFromEnv loads configuration from environment variables on top of
// the defaults.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	if val := os.Getenv("HTTP_ADDR"); val != "" {
		cfg.HTTPAddr = val
	}
	if val := os.Getenv("STORE_BACKEND"); val != "" {
		if val != "memory" && val != "sqlite" {
			return cfg, fmt.Errorf("invalid STORE_BACKEND: must be 'memory' or 'sqlite', got %q", val)
		}
		cfg.StoreBackend = val
	}
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.DBPath = val
	}
	if val := os.Getenv("MAX_WORKERS"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_WORKERS: %w", err)
		}
		cfg.MaxWorkers = num
	}
	if val := os.Getenv("WORKER_API_URL"); val != "" {
		cfg.WorkerAPIURL = val
	}
	if val := os.Getenv("WORKER_VPS_URL"); val != "" {
		cfg.WorkerVPSURL = val
	}
	cfg.WorkerAPIKey = os.Getenv("WORKER_API_KEY")
	cfg.APIKey = os.Getenv("API_KEY")
	cfg.APIKeyHash = os.Getenv("API_KEY_HASH")
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	if val := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid WEBHOOK_MAX_ATTEMPTS: %w", err)
		}
		cfg.WebhookMaxAttempts = num
	}
	if val := os.Getenv("WEBHOOK_RETRY_DELAYS"); val != "" {
		delays, err := parseDurationList(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid WEBHOOK_RETRY_DELAYS: %w", err)
		}
		cfg.WebhookRetryDelays = delays
	}

	if val := os.Getenv("SPLIT_THRESHOLD"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid SPLIT_THRESHOLD: %w", err)
		}
		cfg.SplitThreshold = num
	}
	if val := os.Getenv("SPLIT_MAX_CHUNKS"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid SPLIT_MAX_CHUNKS: %w", err)
		}
		cfg.SplitMaxChunks = num
	}

	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"WEBHOOK_TIMEOUT", &cfg.WebhookTimeout},
		{"SCHEDULER_INTERVAL", &cfg.SchedulerInterval},
		{"POLL_INTERVAL", &cfg.PollInterval},
		{"RECOVERY_INTERVAL", &cfg.RecoveryInterval},
		{"EXECUTION_TIMEOUT", &cfg.ExecutionTimeout},
		{"RESULT_TTL", &cfg.ResultTTL},
	} {
		if val := os.Getenv(d.env); val != "" {
			duration, err := time.ParseDuration(val)
			if err != nil {
				return cfg, fmt.Errorf("invalid %s: %w", d.env, err)
			}
			*d.dst = duration
		}
	}

	return cfg, nil
}

// parseDurationList parses a comma-separated duration list, e.g.
// "1s,5s,15s".
func parseDurationList(val string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty duration list")
	}
	return out, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR cannot be empty")
	}
	if c.StoreBackend != "memory" && c.StoreBackend != "sqlite" {
		return fmt.Errorf("STORE_BACKEND must be 'memory' or 'sqlite'")
	}
	if c.StoreBackend == "sqlite" && c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required when STORE_BACKEND is 'sqlite'")
	}
	if c.MaxWorkers < 1 || c.MaxWorkers > 100 {
		return fmt.Errorf("MAX_WORKERS must be between 1 and 100")
	}
	if c.WorkerAPIURL == "" {
		return fmt.Errorf("WORKER_API_URL cannot be empty")
	}
	if c.SplitThreshold < 1 {
		return fmt.Errorf("SPLIT_THRESHOLD must be at least 1")
	}
	if c.SplitMaxChunks < 1 {
		return fmt.Errorf("SPLIT_MAX_CHUNKS must be at least 1")
	}
	if c.SplitMaxChunks > c.MaxWorkers {
		return fmt.Errorf("SPLIT_MAX_CHUNKS must not exceed MAX_WORKERS (a split job could never schedule)")
	}
	if c.WebhookTimeout < time.Second {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be at least 1 second")
	}
	if c.WebhookMaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.WebhookMaxAttempts > 1 && len(c.WebhookRetryDelays) == 0 {
		return fmt.Errorf("WEBHOOK_RETRY_DELAYS is required when WEBHOOK_MAX_ATTEMPTS is above 1")
	}
	for _, d := range c.WebhookRetryDelays {
		if d <= 0 {
			return fmt.Errorf("WEBHOOK_RETRY_DELAYS entries must be positive")
		}
	}
	if c.SchedulerInterval < time.Second {
		return fmt.Errorf("SCHEDULER_INTERVAL must be at least 1 second")
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1 second")
	}
	if c.RecoveryInterval < time.Minute {
		return fmt.Errorf("RECOVERY_INTERVAL must be at least 1 minute")
	}
	if c.ExecutionTimeout < time.Minute {
		return fmt.Errorf("EXECUTION_TIMEOUT must be at least 1 minute")
	}
	if c.ResultTTL < time.Hour {
		return fmt.Errorf("RESULT_TTL must be at least 1 hour")
	}
	return nil
}
