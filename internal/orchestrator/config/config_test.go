package config

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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.WorkerAPIURL = "https://gpu.example.com"
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3, cfg.MaxWorkers)
	assert.Equal(t, 50, cfg.SplitThreshold)
	assert.Equal(t, 3, cfg.SplitMaxChunks)
	assert.Equal(t, 5*time.Second, cfg.SchedulerInterval)
	assert.Equal(t, 8*time.Second, cfg.PollInterval)
	assert.Equal(t, 40*time.Minute, cfg.ExecutionTimeout)
	assert.Equal(t, 24*time.Hour, cfg.ResultTTL)
	assert.Equal(t, 10*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 4, cfg.WebhookMaxAttempts)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}, cfg.WebhookRetryDelays)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MAX_WORKERS", "5")
	t.Setenv("WORKER_API_URL", "https://gpu.example.com")
	t.Setenv("WORKER_VPS_URL", "http://vps.example.com")
	t.Setenv("SPLIT_THRESHOLD", "40")
	t.Setenv("EXECUTION_TIMEOUT", "1h")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("WEBHOOK_SECRET", "hush")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxWorkers)
	assert.Equal(t, "https://gpu.example.com", cfg.WorkerAPIURL)
	assert.Equal(t, "http://vps.example.com", cfg.WorkerVPSURL)
	assert.Equal(t, 40, cfg.SplitThreshold)
	assert.Equal(t, time.Hour, cfg.ExecutionTimeout)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, "hush", cfg.WebhookSecret)
}

func TestLoadFromEnvWebhookKnobs(t *testing.T) {
	t.Setenv("WEBHOOK_TIMEOUT", "20s")
	t.Setenv("WEBHOOK_MAX_ATTEMPTS", "6")
	t.Setenv("WEBHOOK_RETRY_DELAYS", "2s, 10s,30s")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 6, cfg.WebhookMaxAttempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second}, cfg.WebhookRetryDelays)
}

func TestLoadFromEnvRejectsBadRetryDelays(t *testing.T) {
	t.Setenv("WEBHOOK_RETRY_DELAYS", "1s,soon")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("MAX_WORKERS", "many")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestLoadFromEnvRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	missing := validConfig()
	missing.WorkerAPIURL = ""
	assert.Error(t, missing.Validate())

	badBudget := validConfig()
	badBudget.MaxWorkers = 0
	assert.Error(t, badBudget.Validate())

	noDB := validConfig()
	noDB.DBPath = ""
	assert.Error(t, noDB.Validate())

	memNoDB := validConfig()
	memNoDB.StoreBackend = "memory"
	memNoDB.DBPath = ""
	assert.NoError(t, memNoDB.Validate())
}

func TestValidateRejectsUnschedulableSplit(t *testing.T) {
	cfg := validConfig()
	cfg.MaxWorkers = 2
	cfg.SplitMaxChunks = 3
	assert.Error(t, cfg.Validate(), "a split wider than the budget could never run")
}
