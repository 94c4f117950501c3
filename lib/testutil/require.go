// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"testing"
	"time"
)

// RequireReceive returns the next value from ch, failing t if none
// arrives within timeout or ch is closed first.
//
//	joined := testutil.RequireReceive(t, joins, 5*time.Second, "waiting for %s", peerID)
func RequireReceive[T any](t testing.TB, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	timer := time.NewTimer(timeout) //nolint:realclock test hang prevention
	defer timer.Stop()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while %s", describe(msgAndArgs))
		}
		return value
	case <-timer.C:
		t.Fatalf("nothing received after %v: %s", timeout, describe(msgAndArgs))
	}
	var zero T
	return zero
}

// RequireClosed waits for a done-style channel to close.
func RequireClosed(t testing.TB, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	timer := time.NewTimer(timeout) //nolint:realclock test hang prevention
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		t.Fatalf("still open after %v: %s", timeout, describe(msgAndArgs))
	}
}

// RequireNoReceive fails t if ch yields a value or closes within
// window. It always costs the full window.
func RequireNoReceive[T any](t testing.TB, ch <-chan T, window time.Duration, msgAndArgs ...any) {
	t.Helper()
	timer := time.NewTimer(window) //nolint:realclock negative assertion window
	defer timer.Stop()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("unexpected close: %s", describe(msgAndArgs))
		}
		t.Fatalf("unexpected value %v: %s", value, describe(msgAndArgs))
	case <-timer.C:
	}
}

// describe renders the optional trailing message, which is either a
// plain value or a format string with its arguments.
func describe(msgAndArgs []any) string {
	switch {
	case len(msgAndArgs) == 0:
		return "(no message)"
	case len(msgAndArgs) == 1:
		return fmt.Sprint(msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprint(msgAndArgs...)
}
