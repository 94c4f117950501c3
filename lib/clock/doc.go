// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for the
// negotiation timers, ICE gathering waits, and announce loops.
//
// Production code holds a Clock field instead of calling time.Now,
// time.After, or time.AfterFunc directly. Real() provides the standard
// library behavior. Fake() provides a deterministic clock that advances
// only when Advance is called, so offer expiry, answering expiry, and
// disconnect grace windows can be tested without sleeping.
//
// # Wiring Pattern
//
//	strategy, err := room.NewStrategy(adapter, room.StrategyConfig{
//	    AppID: "chat",
//	    Clock: clock.Real(),
//	})
//
// In tests:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	// ... start the component ...
//	fake.WaitForTimers(1)           // wait for the component to arm a timer
//	fake.Advance(9 * time.Second)   // fire it deterministically
//
// AfterFunc callbacks on a FakeClock run synchronously inside Advance,
// in deadline order. A callback must not call Advance itself.
package clock
