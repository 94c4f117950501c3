// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// pingNotice is the payload of ping and pong.
type pingNotice struct {
	ID uint64 `json:"id"`
}

type pendingPing struct {
	peerID string
	result chan error
}

// finish resolves the ping. Later calls are ignored.
func (p *pendingPing) finish(err error) {
	select {
	case p.result <- err:
	default:
	}
}

// Ping measures the round trip to peerID over its data channel.
func (r *Room) Ping(ctx context.Context, peerID string) (time.Duration, error) {
	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return 0, ErrRoomClosed
	}
	if _, ok := r.peers[peerID]; !ok {
		r.mu.Unlock()
		return 0, ErrPeerNotFound
	}
	r.pingSequence++
	id := r.pingSequence
	pending := &pendingPing{peerID: peerID, result: make(chan error, 1)}
	r.pings[id] = pending
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pings, id)
		r.mu.Unlock()
	}()

	start := r.clock.Now()
	if err := r.ping.Send(ctx, pingNotice{ID: id}, SendOptions{Targets: []string{peerID}}); err != nil {
		return 0, err
	}
	select {
	case err := <-pending.result:
		if err != nil {
			return 0, err
		}
		return r.clock.Now().Sub(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Room) handlePing(delivery Delivery) {
	var notice pingNotice
	if err := delivery.Decode(&notice); err != nil {
		r.logger.Debug("malformed ping", "peer", delivery.PeerID, "error", err)
		return
	}
	// Replying waits for the data channel, which must not stall the
	// connection's delivery goroutine.
	go func() {
		if err := r.pong.Send(r.ctx, notice, SendOptions{Targets: []string{delivery.PeerID}}); err != nil {
			r.logger.Debug("sending pong failed", "peer", delivery.PeerID, "error", err)
		}
	}()
}

func (r *Room) handlePong(delivery Delivery) {
	var notice pingNotice
	if err := delivery.Decode(&notice); err != nil {
		r.logger.Debug("malformed pong", "peer", delivery.PeerID, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if pending, ok := r.pings[notice.ID]; ok && pending.peerID == delivery.PeerID {
		pending.finish(nil)
	}
}

// forwardSignal carries a renegotiation description produced by a
// connection to its peer over the data channel.
func (r *Room) forwardSignal(peerID string, description webrtc.SessionDescription) {
	go func() {
		if err := r.signal.Send(r.ctx, description, SendOptions{Targets: []string{peerID}}); err != nil {
			r.logger.Warn("forwarding renegotiation failed", "peer", peerID, "type", description.Type.String(), "error", err)
		}
	}()
}

// handleSignal applies a renegotiation description from a peer and
// returns the answer, if one is produced.
func (r *Room) handleSignal(delivery Delivery) {
	var description webrtc.SessionDescription
	if err := json.Unmarshal(delivery.Data, &description); err != nil {
		r.logger.Debug("malformed renegotiation", "peer", delivery.PeerID, "error", err)
		return
	}
	conn, ok := r.Conn(delivery.PeerID)
	if !ok {
		return
	}
	go func() {
		answer, err := conn.Signal(r.ctx, description)
		if err != nil {
			// The connection reports the failure through its error
			// handler, which drops the peer.
			return
		}
		if answer != nil {
			r.forwardSignal(delivery.PeerID, *answer)
		}
	}()
}

func (r *Room) handleLeaveNotice(delivery Delivery) {
	conn, ok := r.Conn(delivery.PeerID)
	if !ok {
		return
	}
	r.logger.Debug("peer sent leave notice", "peer", delivery.PeerID)
	r.removePeer(delivery.PeerID, conn)
}
