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
	"math/rand"
	"time"
)

// Backoff produces the delay sequence for transient failures: start at the
// minimum, double per failure up to the cap, add jitter strictly smaller
// than one step so a fleet of agents restarting together does not reconnect
// in lockstep. Reset after any successful cycle.
type Backoff struct {
	Min  time.Duration
	Max  time.Duration
	rand *rand.Rand

	next time.Duration
}

// NewBackoff creates a backoff with the given bounds and its own jitter
// source. Not safe for concurrent use; the poll loop is single-threaded.
func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &Backoff{
		Min:  min,
		Max:  max,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
		next: min,
	}
}

// Next returns the delay to sleep before the upcoming retry and advances
// the sequence.
func (b *Backoff) Next() time.Duration {
	step := b.next

	b.next *= 2
	if b.next > b.Max {
		b.next = b.Max
	}

	// Jitter stays below one full step so the sequence remains
	// non-decreasing across consecutive failures.
	jitter := time.Duration(b.rand.Int63n(int64(step)))
	return step + jitter
}

// Reset returns the sequence to the minimum after a successful cycle.
func (b *Backoff) Reset() {
	b.next = b.Min
}
