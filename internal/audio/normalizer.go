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

package audio

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-pager/internal/logging"
)

// ErrValidation marks inputs the normalizer rejects: empty or oversized
// payloads and anything the transcoder cannot decode. Callers map it to a
// client error, never a server fault.
var ErrValidation = errors.New("audio validation failed")

// Normalizer converts arbitrary uploaded audio into the canonical PCM WAV
// format. Normalization is synchronous relative to message creation: a
// message is never enqueued before its audio has passed through here.
type Normalizer struct {
	transcoder Transcoder
	maxBytes   int64
}

// NewNormalizer creates a normalizer with the given transcoder and upload cap
func NewNormalizer(transcoder Transcoder, maxBytes int64) *Normalizer {
	return &Normalizer{transcoder: transcoder, maxBytes: maxBytes}
}

// Normalize validates the upload, transcodes it to canonical WAV, and
// returns the canonical bytes plus the PCM metadata derived from them.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte, contentType, filename string) ([]byte, *PCMInfo, error) {
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("%w: empty audio payload", ErrValidation)
	}
	if n.maxBytes > 0 && int64(len(raw)) > n.maxBytes {
		return nil, nil, fmt.Errorf("%w: payload %d bytes exceeds limit %d",
			ErrValidation, len(raw), n.maxBytes)
	}

	ext := inputExt(contentType, filename)

	canonical, err := n.transcoder.Transcode(ctx, raw, ext)
	if err != nil {
		logging.LogAudioProcessing("transcode_failed",
			zap.String("content_type", contentType),
			zap.Int("input_bytes", len(raw)),
			zap.Error(err))
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	info, err := ParseWAV(canonical)
	if err != nil {
		// The transcoder produced something that is not canonical WAV;
		// that is a system misconfiguration, not a client error.
		return nil, nil, fmt.Errorf("transcoder produced invalid wav: %w", err)
	}

	if err := checkCanonical(info); err != nil {
		return nil, nil, fmt.Errorf("transcoder produced non-canonical audio: %w", err)
	}

	logging.LogAudioProcessing("normalized",
		zap.String("content_type", contentType),
		zap.Int("input_bytes", len(raw)),
		zap.Int("canonical_bytes", len(canonical)),
		zap.Int64("duration_ms", info.DurationMs))

	return canonical, info, nil
}

// checkCanonical verifies the normalized payload matches the format every
// playback engine is guaranteed to support.
func checkCanonical(info *PCMInfo) error {
	if info.SampleRate != CanonicalSampleRate {
		return fmt.Errorf("sample rate %d, want %d", info.SampleRate, CanonicalSampleRate)
	}
	if info.Channels < 1 || info.Channels > CanonicalChannels {
		return fmt.Errorf("channel count %d, want 1 or %d", info.Channels, CanonicalChannels)
	}
	if info.BitDepth != CanonicalBitDepth {
		return fmt.Errorf("bit depth %d, want %d", info.BitDepth, CanonicalBitDepth)
	}
	if info.DataBytes == 0 {
		return fmt.Errorf("empty data chunk")
	}
	return nil
}

// inputExt picks a file extension hint for the transcoder from the upload's
// filename or declared content type.
func inputExt(contentType, filename string) string {
	if filename != "" {
		ext := strings.ToLower(filepath.Ext(filename))
		if ext != "" && len(ext) <= 8 {
			return ext
		}
	}

	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "audio/webm", "video/webm":
		return ".webm"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg", "application/ogg":
		return ".ogg"
	case "audio/mp4", "audio/aac":
		return ".m4a"
	case "audio/flac":
		return ".flac"
	}
	return ".bin"
}
