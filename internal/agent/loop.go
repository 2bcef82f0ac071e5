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
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-pager/internal/logging"
)

// Hub is the client surface the poll loop needs. *Client implements it.
type Hub interface {
	NextMessage(ctx context.Context, serverTimeout time.Duration) (*DeliveredMessage, error)
	DownloadAudio(ctx context.Context, audioURL string) ([]byte, error)
	Ack(ctx context.Context, messageID, status, details string) error
}

// Player plays one canonical audio payload synchronously.
type Player interface {
	Play(ctx context.Context, audio []byte, urgent bool, volumeFloor float64) error
}

// LoopOptions tune the poll loop.
type LoopOptions struct {
	// PollTimeout is the server-side long-poll bound requested per cycle.
	PollTimeout time.Duration
	// VolumeFloor is the minimum output volume for urgent messages.
	VolumeFloor float64
	// BackoffMin and BackoffMax bound the transient-failure delay.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Loop is the device-side control loop: long-poll, download, play,
// acknowledge, with exponential backoff on transport failures. Exactly one
// request is in flight at any time.
type Loop struct {
	hub     Hub
	player  Player
	backoff *Backoff
	opts    LoopOptions
}

// NewLoop creates a poll loop over a paired client and a player.
func NewLoop(hub Hub, player Player, opts LoopOptions) *Loop {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 45 * time.Second
	}
	if opts.VolumeFloor <= 0 {
		opts.VolumeFloor = 0.7
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 60 * time.Second
	}
	return &Loop{
		hub:     hub,
		player:  player,
		backoff: NewBackoff(opts.BackoffMin, opts.BackoffMax),
		opts:    opts,
	}
}

// Run polls until ctx is cancelled. Returns nil on cancellation; returns an
// auth error when the stored credential is rejected, since re-pairing needs
// operator intervention rather than retries.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := l.hub.NextMessage(ctx, l.opts.PollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if KindOf(err) == KindAuth {
				return err
			}
			delay := l.backoff.Next()
			logging.LogWarn("Long poll failed, backing off",
				zap.Duration("delay", delay), zap.Error(err))
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}

		// An empty mailbox at the timeout is a successful cycle.
		l.backoff.Reset()
		if msg == nil {
			continue
		}

		if err := l.deliver(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if KindOf(err) == KindAuth {
				return err
			}
			delay := l.backoff.Next()
			logging.LogWarn("Delivery cycle failed, backing off",
				zap.Duration("delay", delay),
				zap.String("message_id", msg.MessageID),
				zap.Error(err))
			if !sleep(ctx, delay) {
				return nil
			}
		}
	}
}

// deliver handles one received message end to end. Unsupported types and
// missing audio are acknowledged failed and reported as success here: the
// sender learns of the problem through the ack, and the loop moves on
// without backing off.
func (l *Loop) deliver(ctx context.Context, msg *DeliveredMessage) error {
	if msg.Type != "voice" {
		return l.ackFailed(ctx, msg, "unsupported message type: "+msg.Type)
	}
	if msg.AudioURL == "" {
		return l.ackFailed(ctx, msg, "delivery carried no audio reference")
	}

	audio, err := l.hub.DownloadAudio(ctx, msg.AudioURL)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return l.ackFailed(ctx, msg, "audio blob missing")
		}
		return err
	}

	urgent := msg.Priority == "urgent"
	if err := l.player.Play(ctx, audio, urgent, l.opts.VolumeFloor); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		playErr := newError(KindPlayback, "play", err)
		return l.ackFailed(ctx, msg, playErr.Error())
	}

	if err := l.hub.Ack(ctx, msg.MessageID, "played", ""); err != nil {
		return err
	}

	logging.Sugar.Infow("📣 Notification played",
		"message_id", msg.MessageID,
		"priority", msg.Priority)
	return nil
}

func (l *Loop) ackFailed(ctx context.Context, msg *DeliveredMessage, reason string) error {
	logging.LogWarn("Delivery failed",
		zap.String("message_id", msg.MessageID),
		zap.String("reason", reason))
	return l.hub.Ack(ctx, msg.MessageID, "failed", reason)
}

// sleep waits for d or until ctx is cancelled, reporting whether the full
// delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
