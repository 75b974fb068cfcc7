package api

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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func authProbe(t *testing.T, cfg AuthConfig, key string) int {
	t.Helper()
	handler := AuthMiddleware(cfg, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestAuthDisabledWithoutCredentials(t *testing.T) {
	assert.Equal(t, http.StatusOK, authProbe(t, AuthConfig{}, ""))
}

func TestAuthPlainKey(t *testing.T) {
	cfg := AuthConfig{Key: "s3cret"}
	assert.Equal(t, http.StatusOK, authProbe(t, cfg, "s3cret"))
	assert.Equal(t, http.StatusUnauthorized, authProbe(t, cfg, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, authProbe(t, cfg, ""))
}

func TestAuthBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := AuthConfig{KeyHash: string(hash)}
	assert.Equal(t, http.StatusOK, authProbe(t, cfg, "s3cret"))
	assert.Equal(t, http.StatusUnauthorized, authProbe(t, cfg, "wrong"))
}

func TestAuthHashWinsOverPlainKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := AuthConfig{Key: "plain", KeyHash: string(hash)}
	assert.Equal(t, http.StatusOK, authProbe(t, cfg, "hashed"))
	assert.Equal(t, http.StatusUnauthorized, authProbe(t, cfg, "plain"))
}
