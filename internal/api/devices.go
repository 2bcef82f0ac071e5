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
	"net/http"

	"github.com/loqalabs/loqa-pager/internal/logging"
	"github.com/loqalabs/loqa-pager/internal/registry"
	"github.com/loqalabs/loqa-pager/internal/storage"
)

// DevicesHandler handles the admin device inventory
type DevicesHandler struct {
	registry *registry.Registry
}

// NewDevicesHandler creates a new devices handler
func NewDevicesHandler(reg *registry.Registry) *DevicesHandler {
	return &DevicesHandler{registry: reg}
}

// ListDevicesResponse represents the response for listing paired devices
type ListDevicesResponse struct {
	Devices []*storage.Device `json:"devices"`
}

// HandleListDevices handles GET /api/devices
func (h *DevicesHandler) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.registry.ListDevices()
	if err != nil {
		logging.LogError(err, "Failed to list devices")
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	writeJSON(w, http.StatusOK, ListDevicesResponse{Devices: devices})
}
