// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for meshroom packages.
//
// [RequireReceive], [RequireClosed], and [RequireNoReceive] bound
// channel waits with a real-time safety valve so a broken test fails
// instead of hanging. [Eventually] does the same for polled state.
// Timer behavior under test goes through the fake clock in lib/clock;
// the real-time bounds here exist only for hang prevention and for the
// WebRTC integration tests, where ICE runs on pion's own timers.
//
// [Buffer] collects output written from room callbacks.
//
// Helpers call t.Fatalf on failure. This package has no
// meshroom-internal dependencies.
package testutil
