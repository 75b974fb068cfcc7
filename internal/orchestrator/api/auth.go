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

package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader carries the client credential.
const APIKeyHeader = "X-API-Key"

// AuthConfig configures API-key authentication.
//
// Either Key (compared in constant time) or KeyHash (a bcrypt hash of
// the key) may be set; KeyHash wins when both are present. With neither
// set, authentication is disabled.
type AuthConfig struct {
	Key     string
	KeyHash string
}

// Enabled reports whether any credential is configured.
func (c AuthConfig) Enabled() bool {
	return c.Key != "" || c.KeyHash != ""
}

// AuthMiddleware enforces the X-API-Key header on every wrapped route.
func AuthMiddleware(cfg AuthConfig, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
			if key == "" || !keyMatches(cfg, key) {
				if logger != nil {
					logger.Printf("[auth] deny %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
				}
				jsonError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func keyMatches(cfg AuthConfig, key string) bool {
	if cfg.KeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(cfg.KeyHash), []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(cfg.Key), []byte(key)) == 1
}
