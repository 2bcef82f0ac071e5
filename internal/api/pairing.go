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
	"errors"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-pager/internal/logging"
	"github.com/loqalabs/loqa-pager/internal/messaging"
	"github.com/loqalabs/loqa-pager/internal/registry"
	"github.com/loqalabs/loqa-pager/internal/security"
	"github.com/loqalabs/loqa-pager/internal/storage"
)

// PairingHandler handles HTTP requests for the pairing flow
type PairingHandler struct {
	registry *registry.Registry
	nats     *messaging.NATSService
}

// NewPairingHandler creates a new pairing handler
func NewPairingHandler(reg *registry.Registry, nats *messaging.NATSService) *PairingHandler {
	return &PairingHandler{registry: reg, nats: nats}
}

// StartPairingRequest represents the request for starting a pairing exchange
type StartPairingRequest struct {
	Name string `json:"name,omitempty"`
}

// StartPairingResponse represents the response for starting a pairing exchange
type StartPairingResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CompletePairingRequest represents the request for completing a pairing exchange
type CompletePairingRequest struct {
	Code       string `json:"code"`
	DeviceName string `json:"deviceName"`
}

// CompletePairingResponse carries the freshly minted credential. The token
// appears in this response and nowhere else afterward.
type CompletePairingResponse struct {
	DeviceID    string `json:"deviceId"`
	DeviceToken string `json:"deviceToken"`
	Name        string `json:"name"`
}

// HandleStartPairing handles POST /api/pairing/start
func (h *PairingHandler) HandleStartPairing(w http.ResponseWriter, r *http.Request) {
	var req StartPairingRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
			return
		}
	}

	code, err := h.registry.CreatePairingCode(req.Name)
	if err != nil {
		logging.LogError(err, "Failed to create pairing code")
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	writeJSON(w, http.StatusCreated, StartPairingResponse{
		Code:      code.Code,
		ExpiresAt: code.ExpiresAt,
	})
}

// HandleCompletePairing handles POST /api/pairing/complete
func (h *PairingHandler) HandleCompletePairing(w http.ResponseWriter, r *http.Request) {
	var req CompletePairingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "validation", "code is required")
		return
	}

	device, err := h.registry.CompletePairing(req.Code, req.DeviceName)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeNotFound):
			writeError(w, http.StatusNotFound, "not_found", "unknown pairing code")
		case errors.Is(err, storage.ErrCodeExpired):
			writeError(w, http.StatusGone, "expired", "pairing code expired")
		case errors.Is(err, security.ErrInvalidDeviceName):
			writeError(w, http.StatusBadRequest, "validation", err.Error())
		default:
			logging.LogError(err, "Failed to complete pairing")
			writeError(w, http.StatusInternalServerError, "internal", "")
		}
		return
	}

	h.nats.PublishDevicePaired(device)

	writeJSON(w, http.StatusOK, CompletePairingResponse{
		DeviceID:    device.ID,
		DeviceToken: device.Token,
		Name:        device.Name,
	})
}
