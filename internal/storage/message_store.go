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

// MessageStore handles database operations for the per-device mailboxes
type MessageStore struct {
	db *Database
}

// NewMessageStore creates a new message store
func NewMessageStore(db *Database) *MessageStore {
	return &MessageStore{db: db}
}

// Enqueue creates a queued message for a device. Returns ErrDeviceNotFound
// when the device is unknown.
func (s *MessageStore) Enqueue(msg *Message) error {
	if !msg.Priority.Valid() {
		return fmt.Errorf("invalid priority: %s", msg.Priority)
	}

	tx, err := s.db.DB().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRow("SELECT 1 FROM devices WHERE device_id = ?", msg.DeviceID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDeviceNotFound
		}
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO messages (message_id, device_id, priority, audio_blob_key,
			created_at, expires_at, delivered_at, state, details)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, '')`,
		msg.ID, msg.DeviceID, msg.Priority, msg.AudioBlobKey,
		msg.CreatedAt, msg.ExpiresAt, StateQueued)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}

	msg.State = StateQueued
	return nil
}

// TakeNext returns the highest-priority non-expired queued message for the
// device and transitions it to delivered, or nil when the mailbox is empty.
// Urgent messages win over normal; ties break on earliest creation. The
// state guard on the UPDATE keeps concurrent takers from receiving the
// same message; the loser retries against the remaining queue.
//
// Expired messages are filtered here but their state is only transitioned
// by SweepExpired, so every expiry flows through the sweep's audit trail.
func (s *MessageStore) TakeNext(deviceID string, now time.Time) (*Message, error) {
	for {
		row := s.db.DB().QueryRow(`
			SELECT message_id, device_id, priority, audio_blob_key,
			       created_at, expires_at, delivered_at, state, details
			FROM messages
			WHERE device_id = ? AND state = ? AND expires_at > ?
			ORDER BY CASE priority WHEN 'urgent' THEN 0 ELSE 1 END, created_at ASC
			LIMIT 1`, deviceID, StateQueued, now)

		msg, err := scanMessage(row)
		if err != nil {
			if errors.Is(err, ErrMessageNotFound) {
				return nil, nil
			}
			return nil, err
		}

		res, err := s.db.DB().Exec(`
			UPDATE messages SET state = ?, delivered_at = ?
			WHERE message_id = ? AND state = ?`,
			StateDelivered, now, msg.ID, StateQueued)
		if err != nil {
			return nil, fmt.Errorf("failed to mark message delivered: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			// Lost the race for this message; try the next one.
			continue
		}

		msg.State = StateDelivered
		deliveredAt := now
		msg.DeliveredAt = &deliveredAt
		return msg, nil
	}
}

// Acknowledge records the delivery outcome reported by a device.
// delivered -> acked (played) or delivered -> failed; acknowledging a
// message not in delivered state is a no-op success so client retries of
// the ack call stay idempotent. Returns ErrWrongDevice when the message
// belongs to another device.
func (s *MessageStore) Acknowledge(messageID, deviceID string, played bool, details string) (*Message, error) {
	msg, err := s.GetByID(messageID)
	if err != nil {
		return nil, err
	}
	if msg.DeviceID != deviceID {
		return nil, ErrWrongDevice
	}
	if msg.State != StateDelivered {
		return msg, nil
	}

	target := StateAcked
	if !played {
		target = StateFailed
	}

	res, err := s.db.DB().Exec(`
		UPDATE messages SET state = ?, details = ?
		WHERE message_id = ? AND state = ?`,
		target, details, messageID, StateDelivered)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge message: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// A concurrent writer moved the message out of delivered first;
		// report the current state as a no-op success.
		return s.GetByID(messageID)
	}

	msg.State = target
	msg.Details = details
	return msg, nil
}

// GetByID retrieves a message by its identifier
func (s *MessageStore) GetByID(messageID string) (*Message, error) {
	row := s.db.DB().QueryRow(`
		SELECT message_id, device_id, priority, audio_blob_key,
		       created_at, expires_at, delivered_at, state, details
		FROM messages WHERE message_id = ?`, messageID)
	return scanMessage(row)
}

// SweepExpired transitions every queued message past its expiry to expired
// and returns the swept messages for the audit trail.
func (s *MessageStore) SweepExpired(now time.Time) ([]*Message, error) {
	rows, err := s.db.DB().Query(`
		SELECT message_id, device_id, priority, audio_blob_key,
		       created_at, expires_at, delivered_at, state, details
		FROM messages WHERE state = ? AND expires_at <= ?`, StateQueued, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring messages: %w", err)
	}
	defer rows.Close()

	var expiring []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		expiring = append(expiring, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expiring messages: %w", err)
	}

	var swept []*Message
	for _, msg := range expiring {
		res, err := s.db.DB().Exec(`
			UPDATE messages SET state = ? WHERE message_id = ? AND state = ?`,
			StateExpired, msg.ID, StateQueued)
		if err != nil {
			return nil, fmt.Errorf("failed to expire message: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			msg.State = StateExpired
			swept = append(swept, msg)
		}
	}

	return swept, nil
}

// RequeueStuck reverts delivered messages whose device never acknowledged
// within the grace period back to queued, so a crashed device can receive
// them on its next poll. Messages already past their TTL expire instead.
// Disabled when grace is zero.
func (s *MessageStore) RequeueStuck(now time.Time, grace time.Duration) (int64, error) {
	if grace <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-grace)

	if _, err := s.db.DB().Exec(`
		UPDATE messages SET state = ?
		WHERE state = ? AND delivered_at <= ? AND expires_at <= ?`,
		StateExpired, StateDelivered, cutoff, now); err != nil {
		return 0, fmt.Errorf("failed to expire stuck messages: %w", err)
	}

	res, err := s.db.DB().Exec(`
		UPDATE messages SET state = ?, delivered_at = NULL
		WHERE state = ? AND delivered_at <= ? AND expires_at > ?`,
		StateQueued, StateDelivered, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck messages: %w", err)
	}
	return res.RowsAffected()
}

// CountByState returns how many of the device's messages are in the given
// state. Used by tests and the health endpoint.
func (s *MessageStore) CountByState(deviceID string, state MessageState) (int64, error) {
	var count int64
	err := s.db.DB().QueryRow(
		"SELECT COUNT(*) FROM messages WHERE device_id = ? AND state = ?",
		deviceID, state).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// scanMessage scans a database row into a Message struct
func scanMessage(scanner interface{ Scan(dest ...interface{}) error }) (*Message, error) {
	var msg Message
	var deliveredAt sql.NullTime
	var details sql.NullString

	err := scanner.Scan(
		&msg.ID, &msg.DeviceID, &msg.Priority, &msg.AudioBlobKey,
		&msg.CreatedAt, &msg.ExpiresAt, &deliveredAt, &msg.State, &details,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}

	if deliveredAt.Valid {
		t := deliveredAt.Time
		msg.DeliveredAt = &t
	}
	msg.Details = details.String

	return &msg, nil
}
