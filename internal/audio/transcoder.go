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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Transcoder converts arbitrary uploaded audio bytes into canonical WAV.
// Implementations report decode failures as plain errors; the Normalizer
// surfaces them as validation errors, never as fatal system errors.
type Transcoder interface {
	Transcode(ctx context.Context, input []byte, ext string) ([]byte, error)
}

// FFmpegTranscoder shells out to ffmpeg for decoding. ffmpeg handles every
// browser-recorded container/codec combination we care about (webm/opus,
// ogg/vorbis, mp3, wav) without linking codec libraries into the hub.
type FFmpegTranscoder struct {
	Path string
}

// NewFFmpegTranscoder creates a transcoder using the given ffmpeg binary,
// defaulting to "ffmpeg" on PATH.
func NewFFmpegTranscoder(path string) *FFmpegTranscoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegTranscoder{Path: path}
}

// Transcode decodes input and re-encodes it as canonical WAV. The argument
// list is fixed and bitexact so the same input bytes always produce the
// same output bytes.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, input []byte, ext string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "loqa-pager-transcode-")
	if err != nil {
		return nil, fmt.Errorf("failed to create transcode dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	if ext == "" {
		ext = ".bin"
	}
	inPath := filepath.Join(dir, "in"+ext)
	outPath := filepath.Join(dir, "out.wav")

	if err := os.WriteFile(inPath, input, 0600); err != nil {
		return nil, fmt.Errorf("failed to write transcode input: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.Path,
		"-y",
		"-i", inPath,
		"-vn",
		"-ac", fmt.Sprintf("%d", CanonicalChannels),
		"-ar", fmt.Sprintf("%d", CanonicalSampleRate),
		"-c:a", "pcm_s16le",
		"-map_metadata", "-1",
		"-fflags", "+bitexact",
		"-f", "wav",
		outPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := stderr.String()
		if len(detail) > 1200 {
			detail = detail[:1200]
		}
		return nil, fmt.Errorf("ffmpeg decode failed: %s", detail)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcode output: %w", err)
	}

	return out, nil
}
