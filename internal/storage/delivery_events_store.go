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
	"fmt"
	"time"

	"github.com/loqalabs/loqa-pager/internal/events"
)

// DeliveryEventsStore handles database operations for the delivery audit trail
type DeliveryEventsStore struct {
	db *Database
}

// NewDeliveryEventsStore creates a new delivery events store
func NewDeliveryEventsStore(db *Database) *DeliveryEventsStore {
	return &DeliveryEventsStore{db: db}
}

// Insert stores a new delivery event in the database
func (s *DeliveryEventsStore) Insert(event *events.DeliveryEvent) error {
	if err := event.IsValid(); err != nil {
		return fmt.Errorf("invalid delivery event: %w", err)
	}

	_, err := s.db.DB().Exec(`
		INSERT INTO delivery_events (uuid, message_id, device_id, transition, priority, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.UUID, event.MessageID, event.DeviceID, event.Transition,
		event.Priority, event.Detail, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert delivery event: %w", err)
	}

	return nil
}

// ListOptions defines filtering and pagination options
type ListOptions struct {
	// Filtering
	DeviceID   string
	MessageID  string
	Transition string
	StartTime  *time.Time
	EndTime    *time.Time

	// Pagination
	Limit  int
	Offset int

	// Sorting
	SortOrder string // "ASC", "DESC"
}

// List retrieves delivery events with pagination and filtering
func (s *DeliveryEventsStore) List(options ListOptions) ([]*events.DeliveryEvent, error) {
	query, args := s.buildListQuery(options)

	rows, err := s.db.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery events: %w", err)
	}
	defer rows.Close()

	var eventsList []*events.DeliveryEvent
	for rows.Next() {
		event, err := scanDeliveryEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery event: %w", err)
		}
		eventsList = append(eventsList, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delivery events: %w", err)
	}

	return eventsList, nil
}

// Count returns the total number of delivery events matching the filter
func (s *DeliveryEventsStore) Count(options ListOptions) (int64, error) {
	// Build count query using same filters
	options.Limit = 0
	options.Offset = 0
	query, args := s.buildListQuery(options)

	countQuery := "SELECT COUNT(*) FROM (" + query + ") as filtered"

	var count int64
	err := s.db.DB().QueryRow(countQuery, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count delivery events: %w", err)
	}

	return count, nil
}

// Prune removes audit rows older than the retention cutoff
func (s *DeliveryEventsStore) Prune(before time.Time) (int64, error) {
	res, err := s.db.DB().Exec("DELETE FROM delivery_events WHERE timestamp < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune delivery events: %w", err)
	}
	return res.RowsAffected()
}

// buildListQuery constructs the SQL query based on ListOptions
func (s *DeliveryEventsStore) buildListQuery(options ListOptions) (string, []interface{}) {
	query := `
		SELECT uuid, message_id, device_id, transition, priority, detail, timestamp
		FROM delivery_events WHERE 1=1`

	var args []interface{}

	if options.DeviceID != "" {
		query += " AND device_id = ?"
		args = append(args, options.DeviceID)
	}

	if options.MessageID != "" {
		query += " AND message_id = ?"
		args = append(args, options.MessageID)
	}

	if options.Transition != "" {
		query += " AND transition = ?"
		args = append(args, options.Transition)
	}

	if options.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, options.StartTime)
	}

	if options.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, options.EndTime)
	}

	sortOrder := options.SortOrder
	if sortOrder != "ASC" {
		sortOrder = "DESC"
	}
	query += " ORDER BY timestamp " + sortOrder

	if options.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, options.Limit)

		if options.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, options.Offset)
		}
	}

	return query, args
}

// scanDeliveryEvent scans a database row into a DeliveryEvent struct
func scanDeliveryEvent(rows *sql.Rows) (*events.DeliveryEvent, error) {
	var event events.DeliveryEvent
	err := rows.Scan(&event.UUID, &event.MessageID, &event.DeviceID,
		&event.Transition, &event.Priority, &event.Detail, &event.Timestamp)
	if err != nil {
		return nil, err
	}
	return &event, nil
}
