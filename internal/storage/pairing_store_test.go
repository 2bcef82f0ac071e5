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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeAndCreateDevice(t *testing.T) {
	db := newTestDatabase(t)
	pairing := NewPairingStore(db)
	devices := NewDeviceStore(db)

	now := time.Now().UTC()
	code := &PairingCode{
		Code:      "123456",
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
	require.NoError(t, pairing.Create(code))

	device := &Device{
		ID:       uuid.NewString(),
		Name:     "kitchen",
		Token:    uuid.NewString(),
		PairedAt: now,
	}
	require.NoError(t, pairing.ConsumeAndCreateDevice("123456", device, now))

	// The device row exists and is retrievable by token.
	got, err := devices.GetByToken(device.Token)
	require.NoError(t, err)
	assert.Equal(t, device.ID, got.ID)
	assert.Equal(t, "kitchen", got.Name)

	// The code is consumed.
	stored, err := pairing.GetByCode("123456")
	require.NoError(t, err)
	require.NotNil(t, stored.UsedAt)
	assert.Equal(t, device.ID, stored.ClaimedDeviceID)
}

func TestConsumeUnknownCode(t *testing.T) {
	db := newTestDatabase(t)
	pairing := NewPairingStore(db)

	now := time.Now().UTC()
	device := &Device{ID: uuid.NewString(), Name: "x", Token: uuid.NewString(), PairedAt: now}

	err := pairing.ConsumeAndCreateDevice("999999", device, now)
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestConsumeExpiredCode(t *testing.T) {
	db := newTestDatabase(t)
	pairing := NewPairingStore(db)

	now := time.Now().UTC()
	code := &PairingCode{
		Code:      "654321",
		CreatedAt: now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(-5 * time.Minute),
	}
	require.NoError(t, pairing.Create(code))

	device := &Device{ID: uuid.NewString(), Name: "x", Token: uuid.NewString(), PairedAt: now}
	err := pairing.ConsumeAndCreateDevice("654321", device, now)
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestConsumedCodeReportsNotFound(t *testing.T) {
	db := newTestDatabase(t)
	pairing := NewPairingStore(db)

	now := time.Now().UTC()
	code := &PairingCode{Code: "111222", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, pairing.Create(code))

	first := &Device{ID: uuid.NewString(), Name: "a", Token: uuid.NewString(), PairedAt: now}
	require.NoError(t, pairing.ConsumeAndCreateDevice("111222", first, now))

	// A second completion must not learn that the code was ever valid.
	second := &Device{ID: uuid.NewString(), Name: "b", Token: uuid.NewString(), PairedAt: now}
	err := pairing.ConsumeAndCreateDevice("111222", second, now)
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	db := newTestDatabase(t)
	pairing := NewPairingStore(db)
	devices := NewDeviceStore(db)

	now := time.Now().UTC()
	code := &PairingCode{Code: "777888", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, pairing.Create(code))

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			device := &Device{
				ID:       uuid.NewString(),
				Name:     "racer",
				Token:    uuid.NewString(),
				PairedAt: now,
			}
			errs[i] = pairing.ConsumeAndCreateDevice("777888", device, now)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrCodeNotFound)
		}
	}
	assert.Equal(t, 1, winners, "exactly one completion must win the code")

	all, err := devices.List()
	require.NoError(t, err)
	assert.Len(t, all, 1, "one code must never mint two devices")
}

func TestDeleteExpiredKeepsConsumedCodes(t *testing.T) {
	db := newTestDatabase(t)
	pairing := NewPairingStore(db)

	now := time.Now().UTC()
	expired := &PairingCode{Code: "000001", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	live := &PairingCode{Code: "000002", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	consumed := &PairingCode{Code: "000003", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	require.NoError(t, pairing.Create(expired))
	require.NoError(t, pairing.Create(live))
	require.NoError(t, pairing.Create(consumed))

	// Consume the third before it lapsed.
	device := &Device{ID: uuid.NewString(), Name: "x", Token: uuid.NewString(), PairedAt: now}
	require.NoError(t, pairing.ConsumeAndCreateDevice("000003", device, now.Add(-2*time.Minute)))

	deleted, err := pairing.DeleteExpired(now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = pairing.GetByCode("000001")
	assert.ErrorIs(t, err, ErrCodeNotFound)

	_, err = pairing.GetByCode("000002")
	assert.NoError(t, err)

	// Consumed codes survive for the audit trail.
	_, err = pairing.GetByCode("000003")
	assert.NoError(t, err)
}
