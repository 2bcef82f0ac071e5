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
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-pager/internal/config"
	"github.com/loqalabs/loqa-pager/internal/events"
	"github.com/loqalabs/loqa-pager/internal/logging"
	"github.com/loqalabs/loqa-pager/internal/mailbox"
	"github.com/loqalabs/loqa-pager/internal/messaging"
	"github.com/loqalabs/loqa-pager/internal/security"
	"github.com/loqalabs/loqa-pager/internal/storage"
)

// MessagesHandler handles the mailbox surface: enqueue, long-poll delivery,
// acknowledgment, and audio download.
type MessagesHandler struct {
	dispatcher *mailbox.Dispatcher
	messages   *storage.MessageStore
	blobs      *storage.BlobStore
	audit      *storage.DeliveryEventsStore
	nats       *messaging.NATSService
	cfg        config.MessagesConfig
	baseURL    string
}

// NewMessagesHandler creates a new messages handler
func NewMessagesHandler(
	dispatcher *mailbox.Dispatcher,
	messages *storage.MessageStore,
	blobs *storage.BlobStore,
	audit *storage.DeliveryEventsStore,
	nats *messaging.NATSService,
	cfg config.MessagesConfig,
	baseURL string,
) *MessagesHandler {
	return &MessagesHandler{
		dispatcher: dispatcher,
		messages:   messages,
		blobs:      blobs,
		audit:      audit,
		nats:       nats,
		cfg:        cfg,
		baseURL:    baseURL,
	}
}

// EnqueueMessageRequest represents the request for enqueuing a message
type EnqueueMessageRequest struct {
	AudioBlobKey string `json:"audioBlobKey"`
	Priority     string `json:"priority,omitempty"`
	TTLSeconds   int    `json:"ttlSeconds,omitempty"`
}

// EnqueueMessageResponse represents the response for enqueuing a message
type EnqueueMessageResponse struct {
	MessageID string    `json:"messageId"`
	State     string    `json:"state"`
	Priority  string    `json:"priority"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NextMessageResponse is the long-poll delivery payload.
type NextMessageResponse struct {
	MessageID string    `json:"messageId"`
	Type      string    `json:"type"`
	AudioURL  string    `json:"audioUrl"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AckRequest represents the request for acknowledging a delivered message
type AckRequest struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// AckResponse represents the response for acknowledging a message
type AckResponse struct {
	MessageID string `json:"messageId"`
	State     string `json:"state"`
}

// HandleEnqueueMessage handles POST /api/devices/{deviceID}/messages
func (h *MessagesHandler) HandleEnqueueMessage(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceID"]

	var req EnqueueMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}

	if err := security.ValidateBlobKey(req.AudioBlobKey); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid audioBlobKey")
		return
	}
	if _, err := h.blobs.Get(req.AudioBlobKey); err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown audio blob")
			return
		}
		logging.LogError(err, "Failed to look up audio blob")
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	priority := storage.Priority(req.Priority)
	if req.Priority == "" {
		priority = storage.PriorityNormal
	}
	if !priority.Valid() {
		writeError(w, http.StatusBadRequest, "validation", "priority must be 'normal' or 'urgent'")
		return
	}

	ttl := h.cfg.DefaultTTL
	if req.TTLSeconds != 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	if ttl > h.cfg.MaxTTL {
		ttl = h.cfg.MaxTTL
	}

	now := time.Now().UTC()
	msg := &storage.Message{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		Priority:     priority,
		AudioBlobKey: req.AudioBlobKey,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		State:        storage.StateQueued,
	}

	if err := h.dispatcher.Enqueue(msg); err != nil {
		if errors.Is(err, storage.ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown device")
			return
		}
		logging.LogError(err, "Failed to enqueue message",
			zap.String("device_id", security.SanitizeLogInput(deviceID)),
		)
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	h.recordTransition(msg, events.TransitionEnqueued, "")

	writeJSON(w, http.StatusCreated, EnqueueMessageResponse{
		MessageID: msg.ID,
		State:     string(msg.State),
		Priority:  string(msg.Priority),
		ExpiresAt: msg.ExpiresAt,
	})
}

// HandleNextMessage handles GET /api/devices/{deviceID}/messages/next.
// Blocks up to the requested timeout waiting for a message; an empty
// mailbox at the deadline is a 204, never an error.
func (h *MessagesHandler) HandleNextMessage(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceID"]

	timeout := h.cfg.LongPollTimeout
	if seconds := parseIntParam(r.URL.Query().Get("timeout"), 0); seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	if timeout > h.cfg.MaxLongPoll {
		timeout = h.cfg.MaxLongPoll
	}

	msg, err := h.dispatcher.WaitForNext(r.Context(), deviceID, timeout)
	if err != nil {
		// The poller went away; nothing useful to write.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		logging.LogError(err, "Long-poll wait failed",
			zap.String("device_id", security.SanitizeLogInput(deviceID)),
		)
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.recordTransition(msg, events.TransitionDelivered, "")

	writeJSON(w, http.StatusOK, NextMessageResponse{
		MessageID: msg.ID,
		Type:      "voice",
		AudioURL:  h.audioURL(msg),
		Priority:  string(msg.Priority),
		CreatedAt: msg.CreatedAt,
		ExpiresAt: msg.ExpiresAt,
	})
}

// HandleAck handles POST /api/messages/{messageID}/ack
func (h *MessagesHandler) HandleAck(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["messageID"]
	device := DeviceFromContext(r.Context())
	if device == nil {
		writeError(w, http.StatusUnauthorized, "auth", "")
		return
	}

	var req AckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if req.Status != "played" && req.Status != "failed" {
		writeError(w, http.StatusBadRequest, "validation", "status must be 'played' or 'failed'")
		return
	}

	msg, err := h.messages.Acknowledge(messageID, device.ID, req.Status == "played", req.Details)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrMessageNotFound):
			writeError(w, http.StatusNotFound, "not_found", "unknown message")
		case errors.Is(err, storage.ErrWrongDevice):
			writeError(w, http.StatusForbidden, "forbidden", "message belongs to another device")
		default:
			logging.LogError(err, "Failed to acknowledge message",
				zap.String("message_id", security.SanitizeLogInput(messageID)),
			)
			writeError(w, http.StatusInternalServerError, "internal", "")
		}
		return
	}

	// Only a state that actually moved gets an audit entry; idempotent
	// re-acks return the current state without a second transition.
	if msg.State == storage.StateAcked || msg.State == storage.StateFailed {
		transition := events.TransitionAcked
		if msg.State == storage.StateFailed {
			transition = events.TransitionFailed
		}
		h.recordTransition(msg, transition, req.Details)
	}

	writeJSON(w, http.StatusOK, AckResponse{
		MessageID: msg.ID,
		State:     string(msg.State),
	})
}

// HandleDownloadAudio handles GET /api/devices/{deviceID}/audio/{blobKey}
func (h *MessagesHandler) HandleDownloadAudio(w http.ResponseWriter, r *http.Request) {
	blobKey := mux.Vars(r)["blobKey"]
	if err := security.ValidateBlobKey(blobKey); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid blob key")
		return
	}

	reader, blob, err := h.blobs.Open(blobKey)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown audio blob")
			return
		}
		logging.LogError(err, "Failed to open audio blob",
			zap.String("blob_key", blobKey),
		)
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", blob.ContentType)
	http.ServeContent(w, r, blob.Key+".wav", blob.CreatedAt, reader)
}

// recordTransition writes the audit row and mirrors it to NATS. Neither is
// allowed to fail the request that caused the transition.
func (h *MessagesHandler) recordTransition(msg *storage.Message, transition, detail string) {
	event := events.NewDeliveryEvent(msg.ID, msg.DeviceID, transition)
	event.Priority = string(msg.Priority)
	event.Detail = detail
	if err := h.audit.Insert(event); err != nil {
		logging.LogError(err, "Failed to record delivery event",
			zap.String("message_id", msg.ID),
			zap.String("transition", transition),
		)
	}

	h.nats.PublishMessageTransition(msg, transition, detail)
	logging.LogDeliveryEvent(msg.ID, msg.DeviceID, transition)
}

func (h *MessagesHandler) audioURL(msg *storage.Message) string {
	path := fmt.Sprintf("/api/devices/%s/audio/%s", msg.DeviceID, msg.AudioBlobKey)
	if h.baseURL == "" {
		return path
	}
	return h.baseURL + path
}
