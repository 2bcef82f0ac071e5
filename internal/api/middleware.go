/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/loqalabs/loqa-pager/internal/registry"
	"github.com/loqalabs/loqa-pager/internal/storage"
)

type contextKey string

const deviceContextKey contextKey = "device"

// AuthMiddleware gates requests on the two credential classes: the static
// admin token configured at startup, and per-device tokens minted at
// pairing completion.
type AuthMiddleware struct {
	registry *registry.Registry
}

// NewAuthMiddleware creates an auth middleware backed by the device registry.
func NewAuthMiddleware(reg *registry.Registry) *AuthMiddleware {
	return &AuthMiddleware{registry: reg}
}

// RequireAdmin rejects requests that do not carry the admin bearer token.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "auth", "missing bearer token")
			return
		}
		if err := m.registry.AuthenticateAdmin(token); err != nil {
			writeError(w, http.StatusUnauthorized, "auth", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireDevice authenticates the bearer token against the registry and
// stores the resolved device on the request context. When the route carries
// a {deviceID} variable, a token for a different device is a 403, not a 401:
// the credential is valid, the resource is not theirs.
func (m *AuthMiddleware) RequireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		device, status, kind := m.authenticateDevice(r)
		if device == nil {
			writeError(w, status, kind, "")
			return
		}

		if pathDevice, ok := mux.Vars(r)["deviceID"]; ok && pathDevice != device.ID {
			writeError(w, http.StatusForbidden, "forbidden", "token does not match device")
			return
		}

		ctx := context.WithValue(r.Context(), deviceContextKey, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireDeviceOrAdmin accepts either credential class. Admin callers get no
// device on the context; handlers that need one must tolerate that. Device
// callers are still scoped to their own {deviceID}.
func (m *AuthMiddleware) RequireDeviceOrAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "auth", "missing bearer token")
			return
		}
		if err := m.registry.AuthenticateAdmin(token); err == nil {
			next.ServeHTTP(w, r)
			return
		}

		device, status, kind := m.authenticateDevice(r)
		if device == nil {
			writeError(w, status, kind, "")
			return
		}
		if pathDevice, ok := mux.Vars(r)["deviceID"]; ok && pathDevice != device.ID {
			writeError(w, http.StatusForbidden, "forbidden", "token does not match device")
			return
		}

		ctx := context.WithValue(r.Context(), deviceContextKey, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) authenticateDevice(r *http.Request) (*storage.Device, int, string) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, http.StatusUnauthorized, "auth"
	}
	device, err := m.registry.Authenticate(token)
	if err != nil {
		if errors.Is(err, registry.ErrUnauthorized) {
			return nil, http.StatusUnauthorized, "auth"
		}
		return nil, http.StatusInternalServerError, "internal"
	}
	return device, 0, ""
}

// DeviceFromContext returns the authenticated device, or nil for admin
// callers passing through RequireDeviceOrAdmin.
func DeviceFromContext(ctx context.Context) *storage.Device {
	device, _ := ctx.Value(deviceContextKey).(*storage.Device)
	return device
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return token, token != ""
}
