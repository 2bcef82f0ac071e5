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

package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-pager/internal/storage"
)

// memQueue is an in-memory stand-in for the message store: per-device FIFO
// with urgent-first ordering and TTL awareness.
type memQueue struct {
	mu    sync.Mutex
	boxes map[string][]*storage.Message
}

func newMemQueue() *memQueue {
	return &memQueue{boxes: make(map[string][]*storage.Message)}
}

func (q *memQueue) Enqueue(msg *storage.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg.State = storage.StateQueued
	q.boxes[msg.DeviceID] = append(q.boxes[msg.DeviceID], msg)
	return nil
}

func (q *memQueue) TakeNext(deviceID string, now time.Time) (*storage.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	box := q.boxes[deviceID]
	best := -1
	for i, msg := range box {
		if !msg.ExpiresAt.After(now) {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		if msg.Priority == storage.PriorityUrgent && box[best].Priority != storage.PriorityUrgent {
			best = i
		}
	}
	if best == -1 {
		return nil, nil
	}

	msg := box[best]
	q.boxes[deviceID] = append(box[:best], box[best+1:]...)
	msg.State = storage.StateDelivered
	return msg, nil
}

func testMessage(deviceID string, priority storage.Priority) *storage.Message {
	now := time.Now().UTC()
	return &storage.Message{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Priority:  priority,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
		State:     storage.StateQueued,
	}
}

func TestWaitForNextImmediate(t *testing.T) {
	d := NewDispatcher(newMemQueue())

	msg := testMessage("dev-1", storage.PriorityNormal)
	require.NoError(t, d.Enqueue(msg))

	start := time.Now()
	got, err := d.WaitForNext(context.Background(), "dev-1", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.ID, got.ID)
	assert.Less(t, time.Since(start), time.Second, "an available message must not block")
}

func TestWaitForNextTimeout(t *testing.T) {
	d := NewDispatcher(newMemQueue())

	start := time.Now()
	got, err := d.WaitForNext(context.Background(), "dev-1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestEnqueueWakesWaiter(t *testing.T) {
	d := NewDispatcher(newMemQueue())

	type result struct {
		msg *storage.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := d.WaitForNext(context.Background(), "dev-1", 5*time.Second)
		done <- result{msg, err}
	}()

	// Let the waiter park before enqueueing.
	time.Sleep(50 * time.Millisecond)

	msg := testMessage("dev-1", storage.PriorityUrgent)
	require.NoError(t, d.Enqueue(msg))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.NotNil(t, res.msg)
		assert.Equal(t, msg.ID, res.msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by enqueue")
	}
}

func TestEnqueueOtherDeviceDoesNotWake(t *testing.T) {
	d := NewDispatcher(newMemQueue())

	done := make(chan *storage.Message, 1)
	go func() {
		msg, _ := d.WaitForNext(context.Background(), "dev-1", 300*time.Millisecond)
		done <- msg
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, d.Enqueue(testMessage("dev-2", storage.PriorityNormal)))

	msg := <-done
	assert.Nil(t, msg, "a message for another device must not satisfy this wait")
}

func TestDisplacement(t *testing.T) {
	d := NewDispatcher(newMemQueue())

	first := make(chan *storage.Message, 1)
	go func() {
		msg, _ := d.WaitForNext(context.Background(), "dev-1", 5*time.Second)
		first <- msg
	}()
	time.Sleep(50 * time.Millisecond)

	second := make(chan *storage.Message, 1)
	go func() {
		msg, _ := d.WaitForNext(context.Background(), "dev-1", 5*time.Second)
		second <- msg
	}()

	// The first wait is released empty as soon as the second registers.
	select {
	case msg := <-first:
		assert.Nil(t, msg, "displaced waiter must see a timeout-equivalent result")
	case <-time.After(2 * time.Second):
		t.Fatal("displaced waiter was not released")
	}

	// The second wait still delivers.
	msg := testMessage("dev-1", storage.PriorityNormal)
	require.NoError(t, d.Enqueue(msg))
	select {
	case got := <-second:
		require.NotNil(t, got)
		assert.Equal(t, msg.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("surviving waiter was not woken")
	}
}

func TestContextCancellation(t *testing.T) {
	d := NewDispatcher(newMemQueue())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.WaitForNext(ctx, "dev-1", 30*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not release the waiter")
	}
}

// TestNoMissedWakeup races enqueues against fresh waits: because the empty
// check and waiter registration share the mailbox critical section, every
// wait must observe the message within its window no matter how the
// interleaving falls.
func TestNoMissedWakeup(t *testing.T) {
	d := NewDispatcher(newMemQueue())

	for i := 0; i < 50; i++ {
		msg := testMessage("dev-1", storage.PriorityNormal)

		var wg sync.WaitGroup
		wg.Add(1)
		var got *storage.Message
		var err error
		go func() {
			defer wg.Done()
			got, err = d.WaitForNext(context.Background(), "dev-1", 2*time.Second)
		}()

		require.NoError(t, d.Enqueue(msg))
		wg.Wait()

		require.NoError(t, err)
		require.NotNil(t, got, "iteration %d: enqueue raced past the wait and was lost", i)
		assert.Equal(t, msg.ID, got.ID)
	}
}

func TestWakeAll(t *testing.T) {
	queue := newMemQueue()
	d := NewDispatcher(queue)

	done := make(chan *storage.Message, 1)
	go func() {
		msg, _ := d.WaitForNext(context.Background(), "dev-1", 5*time.Second)
		done <- msg
	}()
	time.Sleep(50 * time.Millisecond)

	// Inject directly into the queue, as a requeue sweep would, then wake.
	msg := testMessage("dev-1", storage.PriorityNormal)
	queue.mu.Lock()
	queue.boxes["dev-1"] = append(queue.boxes["dev-1"], msg)
	queue.mu.Unlock()

	d.WakeAll()

	select {
	case got := <-done:
		require.NotNil(t, got)
		assert.Equal(t, msg.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("WakeAll did not reach the parked waiter")
	}
}

func TestTryTakeNext(t *testing.T) {
	d := NewDispatcher(newMemQueue())

	got, err := d.TryTakeNext("dev-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	msg := testMessage("dev-1", storage.PriorityNormal)
	require.NoError(t, d.Enqueue(msg))

	got, err = d.TryTakeNext("dev-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.ID, got.ID)
}
