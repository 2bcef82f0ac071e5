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

// Package mailbox bridges blocking long-poll requests to mailbox
// availability. Each device owns one mailbox: its queued messages in the
// store plus at most one registered waiter. Enqueue and take/registration
// on the same device share one critical section, so a message arriving
// between the empty check and the registration can never be missed.
package mailbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-pager/internal/logging"
	"github.com/loqalabs/loqa-pager/internal/storage"
)

// Queue is the slice of the message store the dispatcher needs.
type Queue interface {
	Enqueue(msg *storage.Message) error
	TakeNext(deviceID string, now time.Time) (*storage.Message, error)
}

// waiter is one parked long-poll request.
type waiter struct {
	wake      chan struct{} // signaled when the mailbox may have content
	displaced chan struct{} // closed when a newer poll takes over
}

// box serializes all mailbox operations for one device. Mailboxes of
// different devices never contend on each other.
type box struct {
	mu     sync.Mutex
	waiter *waiter
}

// Dispatcher owns the per-device mailboxes.
type Dispatcher struct {
	queue Queue

	mu    sync.Mutex // guards boxes map, not the boxes themselves
	boxes map[string]*box

	now func() time.Time
}

// NewDispatcher creates a dispatcher over the given message queue
func NewDispatcher(queue Queue) *Dispatcher {
	return &Dispatcher{
		queue: queue,
		boxes: make(map[string]*box),
		now:   time.Now,
	}
}

// Enqueue inserts the message and wakes the device's waiter, as one
// critical section on the device's mailbox.
func (d *Dispatcher) Enqueue(msg *storage.Message) error {
	b := d.box(msg.DeviceID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := d.queue.Enqueue(msg); err != nil {
		return err
	}

	if b.waiter != nil {
		select {
		case b.waiter.wake <- struct{}{}:
		default:
			// Wake already pending; the waiter will re-check anyway.
		}
	}

	return nil
}

// TryTakeNext attempts an immediate take without waiting.
func (d *Dispatcher) TryTakeNext(deviceID string) (*storage.Message, error) {
	b := d.box(deviceID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return d.queue.TakeNext(deviceID, d.now())
}

// WaitForNext returns the device's next message, blocking up to timeout
// for one to arrive. A nil message with nil error reports timeout. Only
// one waiter is tracked per device; a second concurrent wait displaces the
// first, which is released with a timeout-equivalent result — devices are
// expected to poll serially, so displacement is a safety net against
// duplicated or retried connections.
func (d *Dispatcher) WaitForNext(ctx context.Context, deviceID string, timeout time.Duration) (*storage.Message, error) {
	b := d.box(deviceID)

	// Fast path: check and register atomically so no enqueue can slip in
	// between the empty check and the registration.
	b.mu.Lock()
	msg, err := d.queue.TakeNext(deviceID, d.now())
	if err != nil || msg != nil {
		b.mu.Unlock()
		return msg, err
	}

	w := &waiter{
		wake:      make(chan struct{}, 1),
		displaced: make(chan struct{}),
	}
	if b.waiter != nil {
		close(b.waiter.displaced)
		logging.LogWarn("Displacing existing long-poll waiter",
			zap.String("device_id", deviceID))
	}
	b.waiter = w
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-w.wake:
			b.mu.Lock()
			msg, err := d.queue.TakeNext(deviceID, d.now())
			if err != nil || msg != nil {
				if b.waiter == w {
					b.waiter = nil
				}
				b.mu.Unlock()
				return msg, err
			}
			// Woken but another taker won or the message expired;
			// stay registered until the deadline.
			b.mu.Unlock()

		case <-w.displaced:
			return nil, nil

		case <-timer.C:
			d.unregister(b, w)
			return nil, nil

		case <-ctx.Done():
			d.unregister(b, w)
			return nil, ctx.Err()
		}
	}
}

// WakeAll signals every registered waiter to re-check its mailbox. Called
// after sweeps that may have requeued messages outside the enqueue path.
func (d *Dispatcher) WakeAll() {
	d.mu.Lock()
	boxes := make([]*box, 0, len(d.boxes))
	for _, b := range d.boxes {
		boxes = append(boxes, b)
	}
	d.mu.Unlock()

	for _, b := range boxes {
		b.mu.Lock()
		if b.waiter != nil {
			select {
			case b.waiter.wake <- struct{}{}:
			default:
			}
		}
		b.mu.Unlock()
	}
}

func (d *Dispatcher) box(deviceID string) *box {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.boxes[deviceID]
	if !ok {
		b = &box{}
		d.boxes[deviceID] = b
	}
	return b
}

func (d *Dispatcher) unregister(b *box, w *waiter) {
	b.mu.Lock()
	if b.waiter == w {
		b.waiter = nil
	}
	b.mu.Unlock()
}
