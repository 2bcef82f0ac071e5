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

package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transition names for the delivery audit trail.
const (
	TransitionEnqueued  = "enqueued"
	TransitionDelivered = "delivered"
	TransitionAcked     = "acked"
	TransitionFailed    = "failed"
	TransitionExpired   = "expired"
	TransitionRequeued  = "requeued"
)

// DeliveryEvent records one state transition of a message, giving senders
// and operators a trail of what happened to each notification.
type DeliveryEvent struct {
	UUID       string    `json:"uuid" db:"uuid"`
	MessageID  string    `json:"message_id" db:"message_id"`
	DeviceID   string    `json:"device_id" db:"device_id"`
	Transition string    `json:"transition" db:"transition"`
	Priority   string    `json:"priority" db:"priority"`
	Detail     string    `json:"detail,omitempty" db:"detail"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
}

// NewDeliveryEvent creates a delivery event with generated UUID and current timestamp
func NewDeliveryEvent(messageID, deviceID, transition string) *DeliveryEvent {
	return &DeliveryEvent{
		UUID:       uuid.NewString(),
		MessageID:  messageID,
		DeviceID:   deviceID,
		Transition: transition,
		Timestamp:  time.Now().UTC(),
	}
}

// IsValid checks that the event carries the fields the store requires
func (de *DeliveryEvent) IsValid() error {
	if de.UUID == "" {
		return fmt.Errorf("delivery event missing UUID")
	}
	if de.MessageID == "" {
		return fmt.Errorf("delivery event missing message ID")
	}
	if de.DeviceID == "" {
		return fmt.Errorf("delivery event missing device ID")
	}
	switch de.Transition {
	case TransitionEnqueued, TransitionDelivered, TransitionAcked,
		TransitionFailed, TransitionExpired, TransitionRequeued:
	default:
		return fmt.Errorf("unknown transition: %s", de.Transition)
	}
	return nil
}
