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

// Package playback plays canonical WAV notifications through the device
// output, with an urgent-priority volume override.
package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/wav"
)

// VolumeController abstracts the system output volume so urgent playback
// can raise it and restore it afterward. The OS mixer binding lives outside
// this package; tests substitute a fake.
type VolumeController interface {
	// Volume returns the current output volume in [0.0, 1.0].
	Volume() (float64, error)
	// SetVolume sets the output volume in [0.0, 1.0].
	SetVolume(v float64) error
}

// NopVolumeController satisfies VolumeController without touching any
// mixer. Used when no platform binding is available; urgent messages then
// play at whatever volume the system is set to.
type NopVolumeController struct{}

func (NopVolumeController) Volume() (float64, error) { return 1.0, nil }
func (NopVolumeController) SetVolume(float64) error  { return nil }

// Player plays canonical WAV payloads synchronously. A single speaker
// device backs all playback, so calls are serialized.
type Player struct {
	mu      sync.Mutex
	volume  VolumeController
	bufsize time.Duration

	initialized bool
	sampleRate  beep.SampleRate
}

// NewPlayer creates a player over the given volume controller. A nil
// controller disables the urgent volume override.
func NewPlayer(volume VolumeController) *Player {
	if volume == nil {
		volume = NopVolumeController{}
	}
	return &Player{
		volume:  volume,
		bufsize: 100 * time.Millisecond,
	}
}

// Play decodes and plays one canonical WAV payload, blocking until the
// audio finishes, fails, or ctx is cancelled. If urgent, the output volume
// is raised to at least volumeFloor for the duration and restored on every
// exit path.
func (p *Player) Play(ctx context.Context, audio []byte, urgent bool, volumeFloor float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	streamer, format, err := wav.Decode(nopCloser{bytes.NewReader(audio)})
	if err != nil {
		return fmt.Errorf("failed to decode audio: %w", err)
	}
	defer func() { _ = streamer.Close() }()

	if err := p.ensureInitialized(format.SampleRate); err != nil {
		return err
	}

	if urgent {
		restore, err := p.raiseVolume(volumeFloor)
		if err != nil {
			// A mixer failure must not drop an urgent notification; play
			// at the current volume instead.
			restore = func() {}
		}
		defer restore()
	}

	var play beep.Streamer = streamer
	if format.SampleRate != p.sampleRate {
		play = beep.Resample(4, format.SampleRate, p.sampleRate, play)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(play, beep.Callback(func() {
		close(done)
	})))

	select {
	case <-done:
		if err := streamer.Err(); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}

// raiseVolume lifts the output volume to the floor when it is currently
// below it, returning the restore func. Restore always puts back the value
// observed before the call.
func (p *Player) raiseVolume(floor float64) (func(), error) {
	current, err := p.volume.Volume()
	if err != nil {
		return nil, fmt.Errorf("failed to read volume: %w", err)
	}
	if current >= floor {
		return func() {}, nil
	}
	if err := p.volume.SetVolume(floor); err != nil {
		return nil, fmt.Errorf("failed to raise volume: %w", err)
	}
	return func() {
		_ = p.volume.SetVolume(current)
	}, nil
}

func (p *Player) ensureInitialized(sampleRate beep.SampleRate) error {
	if p.initialized {
		return nil
	}

	if err := speaker.Init(sampleRate, sampleRate.N(p.bufsize)); err != nil {
		return fmt.Errorf("failed to initialize speaker: %w", err)
	}

	p.sampleRate = sampleRate
	p.initialized = true
	return nil
}

// Close releases the speaker device.
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		speaker.Close()
		p.initialized = false
	}
}

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }
