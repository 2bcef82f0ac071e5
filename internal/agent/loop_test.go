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

package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-pager/internal/logging"
)

func TestMain(m *testing.M) {
	if err := logging.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	logging.Close()
	os.Exit(code)
}

// pollResult is one scripted answer for fakeHub.NextMessage.
type pollResult struct {
	msg *DeliveredMessage
	err error
}

// fakeHub feeds the loop a scripted sequence of poll results and records
// every ack. After the script runs out it cancels the loop's context.
type fakeHub struct {
	mu      sync.Mutex
	script  []pollResult
	audio   map[string][]byte
	ackErr  error
	acks    []ackCall
	done    context.CancelFunc
	dlErrs  map[string]error
	dlCalls []string
}

type ackCall struct {
	messageID string
	status    string
	details   string
}

func newFakeHub(cancel context.CancelFunc, script ...pollResult) *fakeHub {
	return &fakeHub{
		script: script,
		audio:  map[string][]byte{},
		dlErrs: map[string]error{},
		done:   cancel,
	}
}

func (h *fakeHub) NextMessage(ctx context.Context, _ time.Duration) (*DeliveredMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.script) == 0 {
		h.done()
		return nil, ctx.Err()
	}
	r := h.script[0]
	h.script = h.script[1:]
	return r.msg, r.err
}

func (h *fakeHub) DownloadAudio(_ context.Context, audioURL string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dlCalls = append(h.dlCalls, audioURL)
	if err, ok := h.dlErrs[audioURL]; ok {
		return nil, err
	}
	return h.audio[audioURL], nil
}

func (h *fakeHub) Ack(_ context.Context, messageID, status, details string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acks = append(h.acks, ackCall{messageID, status, details})
	return h.ackErr
}

func (h *fakeHub) ackLog() []ackCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ackCall(nil), h.acks...)
}

// fakePlayer records plays and optionally fails.
type fakePlayer struct {
	mu     sync.Mutex
	err    error
	played []playCall
}

type playCall struct {
	urgent bool
	floor  float64
	bytes  int
}

func (p *fakePlayer) Play(_ context.Context, audio []byte, urgent bool, volumeFloor float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, playCall{urgent, volumeFloor, len(audio)})
	return p.err
}

func voiceMessage(id, priority string) *DeliveredMessage {
	return &DeliveredMessage{
		MessageID: id,
		Type:      "voice",
		AudioURL:  "/audio/" + id,
		Priority:  priority,
	}
}

func runLoop(t *testing.T, hub *fakeHub, player *fakePlayer, ctx context.Context) error {
	t.Helper()
	loop := NewLoop(hub, player, LoopOptions{
		PollTimeout: time.Second,
		BackoffMin:  time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
	return loop.Run(ctx)
}

func TestLoopPlaysAndAcks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newFakeHub(cancel, pollResult{msg: voiceMessage("msg-1", "urgent")})
	hub.audio["/audio/msg-1"] = make([]byte, 96)
	player := &fakePlayer{}

	require.NoError(t, runLoop(t, hub, player, ctx))

	require.Len(t, player.played, 1)
	assert.True(t, player.played[0].urgent)
	assert.Equal(t, 0.7, player.played[0].floor)

	acks := hub.ackLog()
	require.Len(t, acks, 1)
	assert.Equal(t, ackCall{"msg-1", "played", ""}, acks[0])
}

func TestLoopNormalPriorityIsNotUrgent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newFakeHub(cancel, pollResult{msg: voiceMessage("msg-1", "normal")})
	hub.audio["/audio/msg-1"] = make([]byte, 96)
	player := &fakePlayer{}

	require.NoError(t, runLoop(t, hub, player, ctx))
	require.Len(t, player.played, 1)
	assert.False(t, player.played[0].urgent)
}

func TestLoopAcksUnsupportedTypeFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := voiceMessage("msg-1", "normal")
	msg.Type = "telemetry"
	hub := newFakeHub(cancel, pollResult{msg: msg})
	player := &fakePlayer{}

	require.NoError(t, runLoop(t, hub, player, ctx))

	assert.Empty(t, player.played)
	acks := hub.ackLog()
	require.Len(t, acks, 1)
	assert.Equal(t, "failed", acks[0].status)
	assert.Contains(t, acks[0].details, "unsupported message type")
}

func TestLoopAcksMissingAudioFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newFakeHub(cancel, pollResult{msg: voiceMessage("msg-1", "normal")})
	hub.dlErrs["/audio/msg-1"] = newError(KindNotFound, "download", errors.New("audio blob missing"))
	player := &fakePlayer{}

	require.NoError(t, runLoop(t, hub, player, ctx))

	assert.Empty(t, player.played)
	acks := hub.ackLog()
	require.Len(t, acks, 1)
	assert.Equal(t, "failed", acks[0].status)
	assert.Equal(t, "audio blob missing", acks[0].details)
}

func TestLoopAcksPlaybackFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newFakeHub(cancel, pollResult{msg: voiceMessage("msg-1", "normal")})
	hub.audio["/audio/msg-1"] = make([]byte, 96)
	player := &fakePlayer{err: errors.New("device busy")}

	require.NoError(t, runLoop(t, hub, player, ctx))

	acks := hub.ackLog()
	require.Len(t, acks, 1)
	assert.Equal(t, "failed", acks[0].status)
	assert.Contains(t, acks[0].details, string(KindPlayback),
		"ack details must carry the failure classification")
	assert.Contains(t, acks[0].details, "device busy")
}

func TestLoopRetriesTransientPollFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newFakeHub(cancel,
		pollResult{err: newError(KindTransient, "next", errors.New("connection reset"))},
		pollResult{msg: voiceMessage("msg-1", "normal")},
	)
	hub.audio["/audio/msg-1"] = make([]byte, 96)
	player := &fakePlayer{}

	require.NoError(t, runLoop(t, hub, player, ctx))
	assert.Len(t, player.played, 1, "loop must survive transient failures and keep polling")
}

func TestLoopStopsOnAuthFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authErr := newError(KindAuth, "next", errors.New("device token rejected"))
	hub := newFakeHub(cancel, pollResult{err: authErr})
	player := &fakePlayer{}

	err := runLoop(t, hub, player, ctx)
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))
}

func TestLoopEmptyMailboxContinues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newFakeHub(cancel,
		pollResult{}, // 204: nil message, nil error
		pollResult{msg: voiceMessage("msg-1", "normal")},
	)
	hub.audio["/audio/msg-1"] = make([]byte, 96)
	player := &fakePlayer{}

	require.NoError(t, runLoop(t, hub, player, ctx))
	assert.Len(t, player.played, 1)
}

func TestLoopReturnsNilOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hub := newFakeHub(cancel)
	require.NoError(t, runLoop(t, hub, &fakePlayer{}, ctx))
	assert.Empty(t, hub.ackLog())
}
