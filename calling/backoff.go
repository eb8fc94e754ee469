/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "time"

// timer is the part of *time.Timer the retry policy needs.
type timer interface {
	Stop() bool
}

// afterFunc schedules f after d. Tests replace it to drive time by hand.
type afterFunc func(d time.Duration, f func()) timer

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// backoff is a bounded doubling interval: floor, 2*floor, ... capped at
// ceiling. Reset returns it to floor.
type backoff struct {
	floor   time.Duration
	ceiling time.Duration
	next    time.Duration
}

func newBackoff(floor, ceiling time.Duration) *backoff {
	return &backoff{floor: floor, ceiling: ceiling, next: floor}
}

// Next returns the delay to wait now and doubles the following one.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.ceiling {
		b.next = b.ceiling
	}
	return d
}

// Peek returns the delay the next call to Next will return.
func (b *backoff) Peek() time.Duration {
	return b.next
}

func (b *backoff) Reset() {
	b.next = b.floor
}
