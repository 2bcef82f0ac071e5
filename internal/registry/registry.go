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

// Package registry owns device identity: pairing codes, token minting,
// and bearer authentication for every device-scoped request.
package registry

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-pager/internal/logging"
	"github.com/loqalabs/loqa-pager/internal/security"
	"github.com/loqalabs/loqa-pager/internal/storage"
)

// ErrUnauthorized is returned for missing, unknown, or mismatched bearer
// tokens. It is always surfaced to the client and never retried.
var ErrUnauthorized = errors.New("unauthorized")

// Registry coordinates pairing and authentication over the device stores.
type Registry struct {
	devices *storage.DeviceStore
	pairing *storage.PairingStore

	adminToken string
	codeTTL    time.Duration

	now func() time.Time
}

// New creates a registry
func New(devices *storage.DeviceStore, pairing *storage.PairingStore, adminToken string, codeTTL time.Duration) *Registry {
	return &Registry{
		devices:    devices,
		pairing:    pairing,
		adminToken: adminToken,
		codeTTL:    codeTTL,
		now:        time.Now,
	}
}

// CreatePairingCode mints a short-lived single-use pairing code. Each call
// yields a fresh code; collisions with a live code are retried.
func (r *Registry) CreatePairingCode(nameHint string) (*storage.PairingCode, error) {
	now := r.now().UTC()

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		code, err := newPairingCode()
		if err != nil {
			return nil, err
		}

		pc := &storage.PairingCode{
			Code:        code,
			PendingName: nameHint,
			CreatedAt:   now,
			ExpiresAt:   now.Add(r.codeTTL),
		}

		if err := r.pairing.Create(pc); err != nil {
			// Almost certainly a key collision with a live code.
			lastErr = err
			continue
		}

		logging.LogPairingEvent("code_created",
			zap.Time("expires_at", pc.ExpiresAt))
		return pc, nil
	}

	return nil, fmt.Errorf("failed to allocate pairing code: %w", lastErr)
}

// CompletePairing consumes the code and mints a new device. The token is
// returned only here and never retrievable again; losing it requires
// re-pairing. Of two concurrent completions of the same code, exactly one
// succeeds — the loser observes the code as already consumed.
func (r *Registry) CompletePairing(code, deviceName string) (*storage.Device, error) {
	if err := security.ValidateDeviceName(deviceName); err != nil {
		return nil, err
	}

	token, err := newDeviceToken()
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	device := &storage.Device{
		ID:       uuid.NewString(),
		Name:     deviceName,
		Token:    token,
		PairedAt: now,
	}

	if err := r.pairing.ConsumeAndCreateDevice(code, device, now); err != nil {
		return nil, err
	}

	logging.LogPairingEvent("pairing_completed",
		zap.String("device_id", device.ID),
		zap.String("device_name", security.SanitizeLogInput(deviceName)))

	return device, nil
}

// Authenticate resolves a device bearer token and records the device as
// seen. Returns ErrUnauthorized for unknown tokens.
func (r *Registry) Authenticate(token string) (*storage.Device, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	device, err := r.devices.GetByToken(token)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	// Best effort; an update failure must not fail the request.
	if err := r.devices.TouchLastSeen(device.ID, r.now().UTC()); err != nil {
		logging.LogWarn("Failed to update device last seen",
			zap.String("device_id", device.ID), zap.Error(err))
	}

	return device, nil
}

// AuthenticateAdmin checks the coarse-grained admin credential used for
// pairing-code issuance and message submission. An empty configured token
// disables the check; config validation only permits that in dev mode.
func (r *Registry) AuthenticateAdmin(token string) error {
	if r.adminToken == "" {
		return nil
	}
	if token == "" || !security.ConstantTimeEquals(token, r.adminToken) {
		return ErrUnauthorized
	}
	return nil
}

// ListDevices returns all paired devices for the admin surface.
func (r *Registry) ListDevices() ([]*storage.Device, error) {
	return r.devices.List()
}

// newDeviceToken returns a 256-bit random token in hex. Tokens carry no
// structure and cannot be derived from the device ID.
func newDeviceToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate device token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// newPairingCode returns a human-typable 6-digit code.
func newPairingCode() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	n := binary.LittleEndian.Uint64(b[:]) % 1_000_000
	return fmt.Sprintf("%06d", n), nil
}
