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

package playback

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVolume records every mixer interaction.
type fakeVolume struct {
	current   float64
	volErr    error
	setErr    error
	setCalls  []float64
	readCalls int
}

func (f *fakeVolume) Volume() (float64, error) {
	f.readCalls++
	if f.volErr != nil {
		return 0, f.volErr
	}
	return f.current, nil
}

func (f *fakeVolume) SetVolume(v float64) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.setCalls = append(f.setCalls, v)
	f.current = v
	return nil
}

func TestRaiseVolumeBelowFloor(t *testing.T) {
	vol := &fakeVolume{current: 0.3}
	p := NewPlayer(vol)

	restore, err := p.raiseVolume(0.7)
	require.NoError(t, err)
	assert.Equal(t, 0.7, vol.current)

	restore()
	assert.Equal(t, 0.3, vol.current, "restore must put back the observed value")
	assert.Equal(t, []float64{0.7, 0.3}, vol.setCalls)
}

func TestRaiseVolumeAlreadyLoudEnough(t *testing.T) {
	vol := &fakeVolume{current: 0.9}
	p := NewPlayer(vol)

	restore, err := p.raiseVolume(0.7)
	require.NoError(t, err)
	assert.Empty(t, vol.setCalls, "volume at or above the floor is left alone")

	restore()
	assert.Equal(t, 0.9, vol.current)
}

func TestRaiseVolumeReadFailure(t *testing.T) {
	vol := &fakeVolume{volErr: errors.New("mixer unavailable")}
	p := NewPlayer(vol)

	restore, err := p.raiseVolume(0.7)
	assert.Error(t, err)
	assert.Nil(t, restore)
}

func TestRaiseVolumeSetFailure(t *testing.T) {
	vol := &fakeVolume{current: 0.2, setErr: errors.New("mixer busy")}
	p := NewPlayer(vol)

	restore, err := p.raiseVolume(0.7)
	assert.Error(t, err)
	assert.Nil(t, restore)
	assert.Equal(t, 0.2, vol.current)
}

func TestNewPlayerNilController(t *testing.T) {
	p := NewPlayer(nil)
	require.NotNil(t, p.volume)

	// The nop controller reports full volume, so urgent playback never
	// attempts a raise.
	restore, err := p.raiseVolume(0.7)
	require.NoError(t, err)
	restore()
}
