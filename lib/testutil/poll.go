// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// PollInterval is how often Eventually re-checks its condition.
const PollInterval = 2 * time.Millisecond

// Eventually polls condition until it returns true, failing t once
// timeout passes. Use it for state that changes on goroutines the test
// does not own, such as room callbacks and relay read loops.
//
//	testutil.Eventually(t, 5*time.Second, func() bool { return len(room.Peers()) == 2 }, "both peers")
func Eventually(t testing.TB, timeout time.Duration, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout) //nolint:realclock test hang prevention
	for !condition() {
		if time.Now().After(deadline) { //nolint:realclock test hang prevention
			t.Fatalf("condition not met after %v: %s", timeout, describe(msgAndArgs))
		}
		time.Sleep(PollInterval)
	}
}

// Buffer is an io.Writer that may be written from callback goroutines
// while the test reads it.
type Buffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

// String returns everything written so far.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

// Contains reports whether the written output contains s.
func (b *Buffer) Contains(s string) bool {
	return bytes.Contains(b.Bytes(), []byte(s))
}

// Bytes returns a copy of everything written so far.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buffer.Bytes())
}
