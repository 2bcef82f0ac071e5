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

// DeviceStore handles database operations for paired devices
type DeviceStore struct {
	db *Database
}

// NewDeviceStore creates a new device store
func NewDeviceStore(db *Database) *DeviceStore {
	return &DeviceStore{db: db}
}

// GetByID retrieves a device by its identifier
func (s *DeviceStore) GetByID(deviceID string) (*Device, error) {
	row := s.db.DB().QueryRow(`
		SELECT device_id, name, device_token, paired_at, last_seen_at
		FROM devices WHERE device_id = ?`, deviceID)
	return scanDevice(row)
}

// GetByToken retrieves a device by its bearer token
func (s *DeviceStore) GetByToken(token string) (*Device, error) {
	row := s.db.DB().QueryRow(`
		SELECT device_id, name, device_token, paired_at, last_seen_at
		FROM devices WHERE device_token = ?`, token)
	return scanDevice(row)
}

// TouchLastSeen records device activity; called on every authenticated
// device request.
func (s *DeviceStore) TouchLastSeen(deviceID string, now time.Time) error {
	_, err := s.db.DB().Exec(
		"UPDATE devices SET last_seen_at = ? WHERE device_id = ?", now, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

// List retrieves all paired devices, most recently paired first
func (s *DeviceStore) List() ([]*Device, error) {
	rows, err := s.db.DB().Query(`
		SELECT device_id, name, device_token, paired_at, last_seen_at
		FROM devices ORDER BY paired_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

// scanDevice scans a database row into a Device struct
func scanDevice(scanner interface{ Scan(dest ...interface{}) error }) (*Device, error) {
	var device Device
	var lastSeen sql.NullTime

	err := scanner.Scan(&device.ID, &device.Name, &device.Token, &device.PairedAt, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	if lastSeen.Valid {
		t := lastSeen.Time
		device.LastSeenAt = &t
	}

	return &device, nil
}
