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
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestDatabase opens a throwaway database under the test temp dir.
func newTestDatabase(t *testing.T) *Database {
	t.Helper()

	db, err := NewDatabase(DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// createTestDevice pairs a device through the real consume path so the
// devices row exists for foreign keys.
func createTestDevice(t *testing.T, db *Database, name string) *Device {
	t.Helper()

	now := time.Now().UTC()
	pairing := NewPairingStore(db)
	code := &PairingCode{
		Code:      uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, pairing.Create(code))

	device := &Device{
		ID:       uuid.NewString(),
		Name:     name,
		Token:    uuid.NewString(),
		PairedAt: now,
	}
	require.NoError(t, pairing.ConsumeAndCreateDevice(code.Code, device, now))
	return device
}

// createTestBlob stores a tiny payload and returns the blob key.
func createTestBlob(t *testing.T, db *Database) string {
	t.Helper()

	blobs, err := NewBlobStore(db, filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	blob, err := blobs.Put([]byte("RIFF-test-payload"), &AudioBlob{
		ContentType: "audio/wav",
		SampleRate:  48000,
		Channels:    2,
		BitDepth:    16,
		DurationMs:  100,
	})
	require.NoError(t, err)
	return blob.Key
}

func TestDatabasePing(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.Ping())
}
