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
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-pager/internal/audio"
	"github.com/loqalabs/loqa-pager/internal/logging"
	"github.com/loqalabs/loqa-pager/internal/storage"
)

// UploadsHandler accepts arbitrary audio uploads and stores them as
// canonical WAV blobs. Normalization happens synchronously inside the
// request: by the time the blob key is returned it is guaranteed playable.
type UploadsHandler struct {
	normalizer *audio.Normalizer
	blobs      *storage.BlobStore
	maxBytes   int64
}

// NewUploadsHandler creates a new uploads handler
func NewUploadsHandler(normalizer *audio.Normalizer, blobs *storage.BlobStore, maxBytes int64) *UploadsHandler {
	return &UploadsHandler{normalizer: normalizer, blobs: blobs, maxBytes: maxBytes}
}

// UploadAudioResponse represents the response for a stored audio upload
type UploadAudioResponse struct {
	AudioBlobKey string `json:"audioBlobKey"`
	ContentType  string `json:"contentType"`
	SizeBytes    int64  `json:"sizeBytes"`
	DurationMs   int64  `json:"durationMs"`
}

// HandleUploadAudio handles POST /api/uploads/audio (multipart, field "file")
func (h *UploadsHandler) HandleUploadAudio(w http.ResponseWriter, r *http.Request) {
	// Leave headroom over the audio limit for multipart framing.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+64*1024)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "multipart field 'file' is required")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", "failed to read upload")
		return
	}

	normalized, info, err := h.normalizer.Normalize(r.Context(), raw, header.Header.Get("Content-Type"), header.Filename)
	if err != nil {
		if errors.Is(err, audio.ErrValidation) {
			writeError(w, http.StatusUnprocessableEntity, "validation", err.Error())
			return
		}
		logging.LogError(err, "Audio normalization failed",
			zap.Int("input_bytes", len(raw)),
		)
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	blob, err := h.blobs.Put(normalized, &storage.AudioBlob{
		ContentType: audio.CanonicalContentType,
		SampleRate:  info.SampleRate,
		Channels:    info.Channels,
		BitDepth:    info.BitDepth,
		DurationMs:  info.DurationMs,
	})
	if err != nil {
		logging.LogError(err, "Failed to store audio blob")
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	logging.LogAudioProcessing("stored",
		zap.String("blob_key", blob.Key),
		zap.Int64("size_bytes", blob.SizeBytes),
		zap.Int64("duration_ms", blob.DurationMs),
	)

	writeJSON(w, http.StatusCreated, UploadAudioResponse{
		AudioBlobKey: blob.Key,
		ContentType:  blob.ContentType,
		SizeBytes:    blob.SizeBytes,
		DurationMs:   blob.DurationMs,
	})
}
