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

package storage

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// BlobStore persists normalized audio payloads on disk with an index row
// per blob. Blobs are immutable once written and may be read concurrently
// without locking.
type BlobStore struct {
	db  *Database
	dir string
}

// NewBlobStore creates a blob store rooted at dir
func NewBlobStore(db *Database, dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &BlobStore{db: db, dir: dir}, nil
}

// Put writes canonical audio bytes to disk and records the blob row.
// The blob key is random; collisions are not a practical concern.
func (s *BlobStore) Put(data []byte, blob *AudioBlob) (*AudioBlob, error) {
	key, err := newBlobKey()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, key+".wav")
	if err := os.WriteFile(path, data, 0640); err != nil {
		return nil, fmt.Errorf("failed to write blob file: %w", err)
	}

	stored := *blob
	stored.Key = key
	stored.FilePath = path
	stored.SizeBytes = int64(len(data))
	stored.CreatedAt = time.Now().UTC()

	_, err = s.db.DB().Exec(`
		INSERT INTO audio_blobs (blob_key, content_type, size_bytes, file_path,
			sample_rate, channels, bit_depth, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.Key, stored.ContentType, stored.SizeBytes, stored.FilePath,
		stored.SampleRate, stored.Channels, stored.BitDepth, stored.DurationMs,
		stored.CreatedAt)
	if err != nil {
		// Do not leave an orphaned file behind a failed index insert.
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to insert blob row: %w", err)
	}

	return &stored, nil
}

// Get retrieves blob metadata by key
func (s *BlobStore) Get(key string) (*AudioBlob, error) {
	row := s.db.DB().QueryRow(`
		SELECT blob_key, content_type, size_bytes, file_path,
		       sample_rate, channels, bit_depth, duration_ms, created_at
		FROM audio_blobs WHERE blob_key = ?`, key)

	var blob AudioBlob
	err := row.Scan(&blob.Key, &blob.ContentType, &blob.SizeBytes, &blob.FilePath,
		&blob.SampleRate, &blob.Channels, &blob.BitDepth, &blob.DurationMs,
		&blob.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}

	return &blob, nil
}

// Open returns a reader over the blob's canonical audio bytes
func (s *BlobStore) Open(key string) (io.ReadSeekCloser, *AudioBlob, error) {
	blob, err := s.Get(key)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(blob.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("failed to open blob file: %w", err)
	}

	return f, blob, nil
}

func newBlobKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate blob key: %w", err)
	}
	return "b_" + hex.EncodeToString(b), nil
}
