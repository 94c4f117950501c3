// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source for every signaling timer: announce
// backoff, offer and answer TTLs, health grace, and the leave flush.
type Clock interface {
	Now() time.Time

	// After delivers the time on the returned channel once d elapses,
	// immediately when d <= 0.
	After(d time.Duration) <-chan time.Time

	// AfterFunc runs f once d has elapsed. Real runs f on its own
	// goroutine; Fake runs it synchronously inside Advance, or inside
	// AfterFunc itself when d <= 0.
	AfterFunc(d time.Duration, f func()) *Timer

	Sleep(d time.Duration)
}

// Timer cancels a callback scheduled with AfterFunc.
type Timer struct {
	stop func() bool
}

// Stop cancels the callback, reporting whether it was still pending.
// A nil Timer is valid and never pending, so owners can stop whatever
// they hold without checking.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Real returns the Clock backed by package time.
func Real() Clock { return wallClock{} }

type wallClock struct{}

func (wallClock) Now() time.Time                         { return time.Now() }
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (wallClock) Sleep(d time.Duration)                  { time.Sleep(d) }

func (wallClock) AfterFunc(d time.Duration, f func()) *Timer {
	return &Timer{stop: time.AfterFunc(d, f).Stop}
}
