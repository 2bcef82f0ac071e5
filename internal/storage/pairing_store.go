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
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PairingStore handles database operations for single-use pairing codes
type PairingStore struct {
	db *Database
}

// NewPairingStore creates a new pairing store
func NewPairingStore(db *Database) *PairingStore {
	return &PairingStore{db: db}
}

// Create stores a fresh pairing code
func (s *PairingStore) Create(code *PairingCode) error {
	_, err := s.db.DB().Exec(`
		INSERT INTO pairing_codes (code, pending_name, created_at, expires_at, used_at, claimed_device_id)
		VALUES (?, ?, ?, ?, NULL, '')`,
		code.Code, code.PendingName, code.CreatedAt, code.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert pairing code: %w", err)
	}
	return nil
}

// GetByCode retrieves a pairing code row
func (s *PairingStore) GetByCode(code string) (*PairingCode, error) {
	row := s.db.DB().QueryRow(`
		SELECT code, pending_name, created_at, expires_at, used_at, claimed_device_id
		FROM pairing_codes WHERE code = ?`, code)

	var pc PairingCode
	var pendingName sql.NullString
	var usedAt sql.NullTime

	err := row.Scan(&pc.Code, &pendingName, &pc.CreatedAt, &pc.ExpiresAt, &usedAt, &pc.ClaimedDeviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}

	pc.PendingName = pendingName.String
	if usedAt.Valid {
		t := usedAt.Time
		pc.UsedAt = &t
	}

	return &pc, nil
}

// ConsumeAndCreateDevice marks the code as used and mints the device in a
// single transaction. The UPDATE is guarded on used_at IS NULL, so of two
// concurrent completions exactly one wins; the loser observes the code as
// already consumed and gets ErrCodeNotFound (or ErrCodeExpired when the
// code had lapsed before either arrived).
func (s *PairingStore) ConsumeAndCreateDevice(code string, device *Device, now time.Time) error {
	tx, err := s.db.DB().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		UPDATE pairing_codes
		SET used_at = ?, claimed_device_id = ?
		WHERE code = ? AND used_at IS NULL AND expires_at > ?`,
		now, device.ID, code, now)
	if err != nil {
		return fmt.Errorf("failed to consume pairing code: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return s.classifyConsumeFailure(tx, code, now)
	}

	_, err = tx.Exec(`
		INSERT INTO devices (device_id, name, device_token, paired_at, last_seen_at)
		VALUES (?, ?, ?, ?, NULL)`,
		device.ID, device.Name, device.Token, device.PairedAt)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pairing: %w", err)
	}

	return nil
}

// classifyConsumeFailure distinguishes expired from unknown/consumed codes.
// A consumed code reports ErrCodeNotFound so the response does not reveal
// whether a guessed code was ever valid.
func (s *PairingStore) classifyConsumeFailure(tx *sql.Tx, code string, now time.Time) error {
	var expiresAt time.Time
	var usedAt sql.NullTime
	err := tx.QueryRow(
		"SELECT expires_at, used_at FROM pairing_codes WHERE code = ?", code).
		Scan(&expiresAt, &usedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCodeNotFound
		}
		return err
	}
	if !usedAt.Valid && !expiresAt.After(now) {
		return ErrCodeExpired
	}
	return ErrCodeNotFound
}

// DeleteExpired removes pairing codes whose window has lapsed. Consumed
// codes are retained for the pairing audit trail.
func (s *PairingStore) DeleteExpired(now time.Time) (int64, error) {
	res, err := s.db.DB().Exec(
		"DELETE FROM pairing_codes WHERE used_at IS NULL AND expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired pairing codes: %w", err)
	}
	return res.RowsAffected()
}
