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
	"errors"
	"time"
)

// Sentinel errors shared across the stores.
var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrBlobNotFound    = errors.New("audio blob not found")
	ErrCodeNotFound    = errors.New("pairing code not found")
	ErrCodeExpired     = errors.New("pairing code expired")
	ErrWrongDevice     = errors.New("message belongs to another device")
)

// Priority tiers for queued messages. Urgent jumps queue order; the agent
// additionally raises output volume at playback time.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority tier.
func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityUrgent
}

// MessageState tracks a message along its lifecycle. Transitions are
// monotone: queued -> delivered -> {acked|failed}, with queued -> expired
// as the only exit before delivery.
type MessageState string

const (
	StateQueued    MessageState = "queued"
	StateDelivered MessageState = "delivered"
	StateAcked     MessageState = "acked"
	StateFailed    MessageState = "failed"
	StateExpired   MessageState = "expired"
)

// Device is a paired playback endpoint. The token is the bearer secret
// minted at pairing completion; it is stored but never listed back out.
type Device struct {
	ID         string     `json:"deviceId"`
	Name       string     `json:"name"`
	Token      string     `json:"-"`
	PairedAt   time.Time  `json:"pairedAt"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// PairingCode is a short-lived, single-use code exchanged for a device token.
type PairingCode struct {
	Code            string
	PendingName     string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	UsedAt          *time.Time
	ClaimedDeviceID string
}

// Message is one queued voice notification owned by a single device.
type Message struct {
	ID           string       `json:"messageId"`
	DeviceID     string       `json:"deviceId"`
	Priority     Priority     `json:"priority"`
	AudioBlobKey string       `json:"audioBlobKey"`
	CreatedAt    time.Time    `json:"createdAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	DeliveredAt  *time.Time   `json:"deliveredAt,omitempty"`
	State        MessageState `json:"state"`
	Details      string       `json:"details,omitempty"`
}

// AudioBlob is a normalized, immutable WAV payload on disk plus the
// metadata derived during normalization.
type AudioBlob struct {
	Key         string    `json:"audioBlobKey"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	FilePath    string    `json:"-"`
	SampleRate  int       `json:"sampleRate"`
	Channels    int       `json:"channels"`
	BitDepth    int       `json:"bitDepth"`
	DurationMs  int64     `json:"durationMs"`
	CreatedAt   time.Time `json:"createdAt"`
}
