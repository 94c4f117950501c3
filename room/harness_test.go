// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/meshroom/lib/clock"
	"github.com/bureau-foundation/meshroom/lib/testutil"
	"github.com/bureau-foundation/meshroom/relay/memory"
	"github.com/bureau-foundation/meshroom/transport/transporttest"
)

const (
	testAppID   = "meshroom-test"
	testRoomID  = "lobby"
	testTimeout = 10 * time.Second
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// harness runs strategies over in-memory relays and connections with
// a shared fake clock.
type harness struct {
	t       *testing.T
	clock   *clock.FakeClock
	network *transporttest.Network
	brokers []*memory.Broker
	options memory.Options
}

func newHarness(t *testing.T, relays int, options memory.Options) *harness {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := &harness{
		t:       t,
		clock:   fake,
		network: transporttest.NewNetwork(fake),
		options: options,
	}
	for range relays {
		h.brokers = append(h.brokers, memory.NewBroker(fmt.Sprintf("relay-%d", len(h.brokers))))
	}
	return h
}

// testPeer is one joined strategy with its room events collected.
type testPeer struct {
	id         string
	strategy   *Strategy
	room       *Room
	joins      chan string
	leaves     chan string
	joinErrors chan *JoinError
}

func (h *harness) strategy(id string) *Strategy {
	h.t.Helper()
	strategy, err := NewStrategy(memory.NewAdapter(h.options, h.brokers...), StrategyConfig{
		AppID:    testAppID,
		SelfID:   id,
		NewConn:  h.network.NewConn,
		PoolSize: 2,
		Clock:    h.clock,
		Logger:   testLogger(),
	})
	if err != nil {
		h.t.Fatalf("NewStrategy: %v", err)
	}
	return strategy
}

func (h *harness) join(id, password string) *testPeer {
	h.t.Helper()
	peer := &testPeer{
		id:         id,
		strategy:   h.strategy(id),
		joins:      make(chan string, 16),
		leaves:     make(chan string, 16),
		joinErrors: make(chan *JoinError, 16),
	}
	room, err := peer.strategy.Join(context.Background(), testRoomID, JoinOptions{
		Password:    password,
		OnJoinError: func(err *JoinError) { peer.joinErrors <- err },
	})
	if err != nil {
		h.t.Fatalf("Join(%s): %v", id, err)
	}
	peer.room = room
	room.OnPeerJoin(func(peerID string) { peer.joins <- peerID })
	room.OnPeerLeave(func(peerID string) { peer.leaves <- peerID })
	h.t.Cleanup(func() { h.leave(room) })
	return peer
}

// connectPair joins peer-a then peer-b and waits for both to see the
// other.
func (h *harness) connectPair() (*testPeer, *testPeer) {
	h.t.Helper()
	a := h.join("peer-a", "")
	b := h.join("peer-b", "")
	if got := testutil.RequireReceive(h.t, a.joins, testTimeout, "peer-a waiting for peer-b"); got != "peer-b" {
		h.t.Fatalf("peer-a saw %q join", got)
	}
	if got := testutil.RequireReceive(h.t, b.joins, testTimeout, "peer-b waiting for peer-a"); got != "peer-a" {
		h.t.Fatalf("peer-b saw %q join", got)
	}
	return a, b
}

// leave runs Leave, advancing the fake clock past the leave flush
// delay until it returns.
func (h *harness) leave(room *Room) {
	h.t.Helper()
	done := make(chan error, 1)
	go func() { done <- room.Leave(context.Background()) }()
	deadline := time.After(testTimeout) //nolint:realclock test hang prevention
	for {
		select {
		case err := <-done:
			if err != nil {
				h.t.Errorf("Leave: %v", err)
			}
			return
		case <-deadline:
			h.t.Fatalf("Leave did not return")
		case <-time.After(time.Millisecond): //nolint:realclock polling interval
			h.clock.Advance(leaveFlushDelay)
		}
	}
}

// advanceUntil steps the fake clock until ch yields a value.
func advanceUntil[T any](t *testing.T, fake *clock.FakeClock, step time.Duration, ch <-chan T, message string) T {
	t.Helper()
	deadline := time.After(testTimeout) //nolint:realclock test hang prevention
	for {
		select {
		case value := <-ch:
			return value
		case <-deadline:
			t.Fatalf("timed out: %s", message)
		case <-time.After(5 * time.Millisecond): //nolint:realclock polling interval
			fake.Advance(step)
		}
	}
}

// eventually polls condition until it holds.
func eventually(t *testing.T, condition func() bool, message string) {
	t.Helper()
	testutil.Eventually(t, testTimeout, condition, message)
}

// session returns the signaling state of the test room.
func (p *testPeer) session(t *testing.T) *session {
	t.Helper()
	p.strategy.mu.Lock()
	defer p.strategy.mu.Unlock()
	sess, ok := p.strategy.sessions[testRoomID]
	if !ok {
		t.Fatalf("%s has no session for %s", p.id, testRoomID)
	}
	return sess
}

// conn returns the fake connection p holds to peerID.
func (p *testPeer) conn(t *testing.T, peerID string) *transporttest.Conn {
	t.Helper()
	conn, ok := p.room.Conn(peerID)
	if !ok {
		t.Fatalf("%s is not connected to %s", p.id, peerID)
	}
	return conn.(*transporttest.Conn)
}
