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
	"strings"
	"time"

	"github.com/loqalabs/loqa-pager/internal/events"
	"github.com/loqalabs/loqa-pager/internal/logging"
	"github.com/loqalabs/loqa-pager/internal/storage"
)

// DeliveryEventsHandler handles HTTP requests for the delivery audit trail
type DeliveryEventsHandler struct {
	store *storage.DeliveryEventsStore
}

// NewDeliveryEventsHandler creates a new delivery events handler
func NewDeliveryEventsHandler(store *storage.DeliveryEventsStore) *DeliveryEventsHandler {
	return &DeliveryEventsHandler{store: store}
}

// ListDeliveryEventsResponse represents the response for listing delivery events
type ListDeliveryEventsResponse struct {
	Events     []*events.DeliveryEvent `json:"events"`
	Total      int64                   `json:"total"`
	Page       int                     `json:"page"`
	PageSize   int                     `json:"page_size"`
	TotalPages int                     `json:"total_pages"`
}

// HandleListDeliveryEvents handles GET /api/delivery-events
func (h *DeliveryEventsHandler) HandleListDeliveryEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// Pagination
	page := parseIntParam(query.Get("page"), 1)
	pageSize := parseIntParam(query.Get("page_size"), 20)
	if pageSize > 100 {
		pageSize = 100 // Limit maximum page size
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if page < 1 {
		page = 1
	}

	// Filtering
	options := storage.ListOptions{
		DeviceID:   query.Get("device_id"),
		MessageID:  query.Get("message_id"),
		Transition: query.Get("transition"),
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
		SortOrder:  strings.ToUpper(query.Get("sort_order")),
	}

	// Parse time filters
	if startTimeStr := query.Get("start_time"); startTimeStr != "" {
		if startTime, err := time.Parse(time.RFC3339, startTimeStr); err == nil {
			options.StartTime = &startTime
		}
	}
	if endTimeStr := query.Get("end_time"); endTimeStr != "" {
		if endTime, err := time.Parse(time.RFC3339, endTimeStr); err == nil {
			options.EndTime = &endTime
		}
	}

	// Get total count for pagination
	total, err := h.store.Count(options)
	if err != nil {
		logging.LogError(err, "Failed to count delivery events")
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	list, err := h.store.List(options)
	if err != nil {
		logging.LogError(err, "Failed to list delivery events")
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	writeJSON(w, http.StatusOK, ListDeliveryEventsResponse{
		Events:     list,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	})
}
