// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"
	"testing"
	"time"

	"github.com/bureau-foundation/meshroom/lib/clock"
	"github.com/bureau-foundation/meshroom/lib/testutil"
	"github.com/bureau-foundation/meshroom/relay/memory"
	"github.com/bureau-foundation/meshroom/transport"
)

// TestRealConnectionsOverMemoryRelay runs two strategies with pion
// connections on loopback, so the whole path from announcement to data
// channel is real except the relay.
func TestRealConnectionsOverMemoryRelay(t *testing.T) {
	if testing.Short() {
		t.Skip("establishes real WebRTC connections")
	}
	api, err := transport.NewAPI(transport.NewAPIOptions{IncludeLoopback: true})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	broker := memory.NewBroker("integration")

	type member struct {
		strategy *Strategy
		room     *Room
		joins    chan string
		inbox    chan Delivery
	}
	join := func(id string) *member {
		strategy, err := NewStrategy(memory.NewAdapter(memory.Options{}, broker), StrategyConfig{
			AppID:    testAppID,
			SelfID:   id,
			API:      api,
			PoolSize: 1,
			Clock:    clock.Real(),
			Logger:   testLogger(),
		})
		if err != nil {
			t.Fatalf("NewStrategy: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		room, err := strategy.Join(ctx, testRoomID, JoinOptions{Password: "integration"})
		if err != nil {
			t.Fatalf("Join(%s): %v", id, err)
		}
		m := &member{strategy: strategy, room: room, joins: make(chan string, 4), inbox: make(chan Delivery, 4)}
		room.OnPeerJoin(func(peerID string) { m.joins <- peerID })
		action, err := room.MakeAction("hello", ActionOptions{})
		if err != nil {
			t.Fatalf("MakeAction: %v", err)
		}
		action.OnReceive(func(delivery Delivery) { m.inbox <- delivery })
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := strategy.Close(ctx); err != nil {
				t.Errorf("Close(%s): %v", id, err)
			}
		})
		return m
	}

	a := join("real-a")
	b := join("real-b")
	testutil.RequireReceive(t, a.joins, 30*time.Second, "real-a waiting for real-b")
	testutil.RequireReceive(t, b.joins, 30*time.Second, "real-b waiting for real-a")

	action, err := a.room.MakeAction("hello", ActionOptions{})
	if err != nil {
		t.Fatalf("MakeAction: %v", err)
	}
	if err := action.Send(context.Background(), "over the wire", SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	delivery := testutil.RequireReceive(t, b.inbox, testTimeout, "waiting for message")
	if delivery.PeerID != "real-a" || delivery.Text() != "over the wire" {
		t.Errorf("got %q from %q", delivery.Text(), delivery.PeerID)
	}

	if _, err := b.room.Ping(context.Background(), "real-a"); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
