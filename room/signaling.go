// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/meshroom/lib/sigcrypt"
	"github.com/bureau-foundation/meshroom/relay"
	"github.com/bureau-foundation/meshroom/transport"
)

// errSuperseded marks work abandoned because the room left or the
// negotiation moved on while it was in flight.
var errSuperseded = errors.New("negotiation superseded")

// handleRelayMessage dispatches one relay delivery. It runs on the
// adapter's delivery goroutine, so anything that waits is moved off it.
func (s *Strategy) handleRelayMessage(sess *session, handle relay.Handle, topic string, envelope relay.Envelope, publish relay.Publish) {
	signal, err := relay.DecodeSignal(envelope.Payload)
	if err != nil {
		s.logger.Debug("ignoring relay message", "room", sess.roomID, "relay", handle.String(), "error", err)
		return
	}
	if signal.PeerID == s.selfID {
		return
	}

	switch {
	case signal.Offer != "":
		go s.handleOffer(sess, signal, topic == sess.rootTopic, publish)
	case signal.Answer != "":
		go s.handleAnswer(sess, signal, envelope.Conn)
	default:
		s.handleAnnouncement(sess, handle, signal.PeerID, publish)
	}
}

// admitLocked decides whether signaling from n's peer may proceed given
// the health of an existing connection. A connection that stayed
// unhealthy past HealthGrace, or is already stale, is cleared and
// returned for the caller to tear down. Caller holds s.mu.
func (s *Strategy) admitLocked(n *negotiation) (bool, transport.Conn) {
	if n.connected == nil {
		return true, nil
	}
	switch n.connected.Health() {
	case transport.Healthy:
		n.unhealthySince = time.Time{}
		return false, nil
	case transport.Transient:
		now := s.clock.Now()
		if n.unhealthySince.IsZero() {
			n.unhealthySince = now
			if since := n.connected.UnhealthySince(); !since.IsZero() && since.Before(now) {
				n.unhealthySince = since
			}
		}
		if now.Sub(n.unhealthySince) < HealthGrace {
			return false, nil
		}
	}

	stale := n.connected
	n.connected = nil
	n.unhealthySince = time.Time{}
	n.recompute()
	return true, stale
}

// teardown removes a superseded connection from the room, which
// destroys it and reports the peer as gone.
func (s *Strategy) teardown(sess *session, peerID string, conn transport.Conn) {
	if conn == nil {
		return
	}
	s.logger.Info("replacing unhealthy connection", "room", sess.roomID, "peer", peerID, "health", conn.Health().String())
	sess.room.removePeer(peerID, conn)
}

// handleAnnouncement reacts to a peer announcing itself. The lower id
// of the pair sends an offer, once per relay per slot lifetime.
func (s *Strategy) handleAnnouncement(sess *session, handle relay.Handle, peerID string, publish relay.Publish) {
	s.mu.Lock()
	if sess.dead {
		s.mu.Unlock()
		return
	}
	n := sess.negotiation(peerID)
	ok, stale := s.admitLocked(n)
	lead := ok && s.selfID < peerID && n.answering == nil && (n.offer == nil || !n.offer.answered)

	var offer *outgoingOffer
	obtain := false
	if lead {
		if n.offer == nil {
			offer = newOutgoingOffer(sigcrypt.NewID(offerIDLength))
			n.offer = offer
			replaceTimer(&n.offerTimer, s.clock.AfterFunc(OfferTTL, func() { s.expireOffer(sess, n, offer) }))
			n.recompute()
			obtain = true
		}
		offer = n.offer
		if offer.slots[handle] == slotAbsent {
			offer.slots[handle] = slotReserved
			expiry := time.Duration(float64(s.announceIntervalLocked(handle)) * slotExpiryFraction)
			timer := offer.slotTimers[handle]
			replaceTimer(&timer, s.clock.AfterFunc(expiry, func() { s.expireSlot(n, offer, handle) }))
			offer.slotTimers[handle] = timer
		} else {
			lead = false
		}
	}
	sess.forget(n)
	s.mu.Unlock()

	s.teardown(sess, peerID, stale)
	if lead {
		go s.sendOffer(sess, n, offer, handle, obtain, publish)
	}
}

// announceIntervalLocked is the current announce interval of a relay.
// Caller holds s.mu.
func (s *Strategy) announceIntervalLocked(handle relay.Handle) time.Duration {
	if a, ok := s.announcers[handle]; ok && a.interval > 0 {
		return a.interval
	}
	return steadyAnnounceInterval
}

// sendOffer publishes offer to n's peer on one relay, obtaining the
// offer from the pool first when obtain is set.
func (s *Strategy) sendOffer(sess *session, n *negotiation, offer *outgoingOffer, handle relay.Handle, obtain bool, publish relay.Publish) {
	if obtain {
		s.obtainOffer(sess, n, offer)
	}
	select {
	case <-offer.ready:
	case <-sess.ctx.Done():
		return
	}
	if offer.err != nil {
		return
	}

	s.mu.Lock()
	current := !sess.dead && n.offer == offer && !offer.answered && offer.slots[handle] == slotReserved
	s.mu.Unlock()
	if !current {
		return
	}

	payload, err := relay.Signal{PeerID: s.selfID, Offer: offer.sealed, OfferID: offer.offerID}.Encode()
	if err == nil {
		err = publish(sess.ctx, s.peerTopic(sess, n.peerID), payload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n.offer != offer || offer.slots[handle] != slotReserved {
		return
	}
	if err != nil {
		offer.slots[handle] = slotAbsent
		if sess.ctx.Err() == nil {
			s.logger.Warn("publishing offer failed", "room", sess.roomID, "peer", n.peerID, "relay", handle.String(), "error", err)
		}
		return
	}
	offer.slots[handle] = slotSent
}

// obtainOffer takes a pooled connection, seals its offer, and fills in
// offer. ready is closed either way.
func (s *Strategy) obtainOffer(sess *session, n *negotiation, offer *outgoingOffer) {
	conn, err := s.takePooled()
	var sealed string
	if err == nil {
		s.attachConn(sess, n.peerID, conn)
		var description webrtc.SessionDescription
		description, err = conn.Offer(sess.ctx)
		if err == nil {
			sealed, err = sess.key.Seal(description.SDP)
		}
	}

	s.mu.Lock()
	if err == nil && (sess.dead || n.offer != offer) {
		err = errSuperseded
	}
	if err == nil {
		offer.conn = conn
		offer.sealed = sealed
	} else {
		offer.err = err
		if n.offer == offer {
			n.clearOffer()
			n.recompute()
			sess.forget(n)
		}
	}
	close(offer.ready)
	s.mu.Unlock()

	if err != nil {
		if conn != nil {
			conn.Destroy()
		}
		if !errors.Is(err, errSuperseded) && sess.ctx.Err() == nil {
			s.logger.Warn("preparing offer failed", "room", sess.roomID, "peer", n.peerID, "error", err)
		}
	}
}

// expireSlot lets the offer go out again on handle.
func (s *Strategy) expireSlot(n *negotiation, offer *outgoingOffer, handle relay.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.offer == offer {
		offer.slots[handle] = slotAbsent
		delete(offer.slotTimers, handle)
	}
}

// expireOffer drops an offer that was not answered, or not connected
// after being answered, in time.
func (s *Strategy) expireOffer(sess *session, n *negotiation, offer *outgoingOffer) {
	s.mu.Lock()
	if n.offer != offer {
		s.mu.Unlock()
		return
	}
	conn := n.clearOffer()
	n.recompute()
	sess.forget(n)
	s.mu.Unlock()

	s.logger.Debug("offer expired", "room", sess.roomID, "peer", n.peerID, "answered", offer.answered)
	if conn != nil {
		conn.Destroy()
	}
}

// handleOffer answers a peer's offer. bundled marks offers that arrived
// on the root topic with an announcement rather than on the self topic.
func (s *Strategy) handleOffer(sess *session, signal relay.Signal, bundled bool, publish relay.Publish) {
	peerID := signal.PeerID
	plaintext, openErr := sess.key.Open(signal.Offer)

	s.mu.Lock()
	if sess.dead {
		s.mu.Unlock()
		return
	}
	n := sess.negotiation(peerID)
	ok, stale := s.admitLocked(n)
	switch {
	case !ok:
	case n.answering != nil, n.offer != nil && n.offer.answered:
		ok = false
	case s.selfID < peerID && (n.offer != nil || bundled):
		// This side leads the pair.
		ok = false
	}
	if !ok || openErr != nil {
		sess.forget(n)
		s.mu.Unlock()
		s.teardown(sess, peerID, stale)
		if ok {
			s.reportJoinError(sess, peerID, DirectionOffer, openErr)
		}
		return
	}

	discarded := n.clearOffer()
	conn, err := s.newConn(false)
	if err != nil {
		n.recompute()
		sess.forget(n)
		s.mu.Unlock()
		s.teardown(sess, peerID, stale)
		if discarded != nil {
			discarded.Destroy()
		}
		s.logger.Error("creating answering connection failed", "room", sess.roomID, "peer", peerID, "error", err)
		return
	}
	n.answering = conn
	replaceTimer(&n.answerTimer, s.clock.AfterFunc(AnsweringTTL, func() {
		s.abortAnswering(sess, n, conn, "answer timed out")
	}))
	n.recompute()
	s.mu.Unlock()

	s.teardown(sess, peerID, stale)
	if discarded != nil {
		discarded.Destroy()
	}
	s.attachConn(sess, peerID, conn)

	answer, err := conn.Signal(sess.ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: plaintext})
	if err == nil && answer == nil {
		err = errors.New("connection produced no answer")
	}
	var sealed string
	if err == nil {
		sealed, err = sess.key.Seal(answer.SDP)
	}
	if err != nil {
		s.abortAnswering(sess, n, conn, err.Error())
		return
	}

	s.mu.Lock()
	current := !sess.dead && n.answering == conn
	s.mu.Unlock()
	if !current {
		return
	}

	payload, err := relay.Signal{PeerID: s.selfID, Answer: sealed, OfferID: signal.OfferID}.Encode()
	if err == nil {
		err = publish(sess.ctx, s.peerTopic(sess, peerID), payload)
	}
	if err != nil && sess.ctx.Err() == nil {
		s.logger.Warn("publishing answer failed", "room", sess.roomID, "peer", peerID, "error", err)
	}
}

// abortAnswering gives up on an answering connection.
func (s *Strategy) abortAnswering(sess *session, n *negotiation, conn transport.Conn, reason string) {
	s.mu.Lock()
	current := n.answering == conn
	if current {
		n.clearAnswering()
		n.recompute()
		sess.forget(n)
	}
	s.mu.Unlock()

	if current {
		s.logger.Debug("answering aborted", "room", sess.roomID, "peer", n.peerID, "reason", reason)
		conn.Destroy()
	}
}

// handleAnswer applies a peer's answer to the matching offer. inline is
// the pooled connection of a bundled offer when the adapter matched
// the answer to one.
func (s *Strategy) handleAnswer(sess *session, signal relay.Signal, inline transport.Conn) {
	peerID := signal.PeerID
	plaintext, err := sess.key.Open(signal.Answer)
	if err != nil {
		s.reportJoinError(sess, peerID, DirectionAnswer, err)
		return
	}

	s.mu.Lock()
	if sess.dead {
		s.mu.Unlock()
		return
	}
	n := sess.negotiation(peerID)
	ok, stale := s.admitLocked(n)

	var conn, discarded transport.Conn
	var offer *outgoingOffer
	switch {
	case !ok:
	case inline != nil:
		pending, found := s.bundled[signal.OfferID]
		if !found || pending.conn != inline || pending.sess != sess {
			break
		}
		if n.answering != nil || (n.offer != nil && n.offer.answered) {
			break
		}
		delete(s.bundled, signal.OfferID)
		pending.timer.Stop()
		discarded = n.clearOffer()

		offer = newOutgoingOffer(signal.OfferID)
		offer.conn = inline
		offer.answered = true
		close(offer.ready)
		n.offer = offer
		conn = inline
	default:
		if n.offer == nil || n.offer.offerID != signal.OfferID || n.offer.answered || n.offer.conn == nil {
			break
		}
		offer = n.offer
		offer.answered = true
		conn = offer.conn
	}
	if conn != nil {
		replaceTimer(&n.offerTimer, s.clock.AfterFunc(AnsweredOfferTTL, func() { s.expireOffer(sess, n, offer) }))
	}
	n.recompute()
	sess.forget(n)
	s.mu.Unlock()

	s.teardown(sess, peerID, stale)
	if discarded != nil {
		discarded.Destroy()
	}
	if conn == nil {
		return
	}
	if inline != nil {
		s.attachConn(sess, peerID, conn)
	}

	if _, err := conn.Signal(sess.ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: plaintext}); err != nil {
		s.logger.Warn("applying answer failed", "room", sess.roomID, "peer", peerID, "error", err)
		s.expireOffer(sess, n, offer)
	}
}

// attachConn routes a negotiating connection's lifecycle events back
// to the Strategy.
func (s *Strategy) attachConn(sess *session, peerID string, conn transport.Conn) {
	conn.SetHandlers(transport.Handlers{
		Connect: func() { s.handleConnect(sess, peerID, conn) },
		Close:   func() { s.handleConnClose(sess, peerID, conn) },
		Error: func(err error) {
			s.logger.Debug("connection error", "room", sess.roomID, "peer", peerID, "error", err)
		},
	})
}

// handleConnect promotes conn to the peer's connection and hands it to
// the room.
func (s *Strategy) handleConnect(sess *session, peerID string, conn transport.Conn) {
	s.mu.Lock()
	if sess.dead {
		s.mu.Unlock()
		conn.Destroy()
		return
	}
	n := sess.negotiation(peerID)
	if n.connected == conn {
		s.mu.Unlock()
		return
	}
	if n.connected != nil {
		s.mu.Unlock()
		s.logger.Info("dropping duplicate connection", "room", sess.roomID, "peer", peerID)
		conn.Destroy()
		return
	}

	n.stopTimers()
	var competing []transport.Conn
	for _, other := range []transport.Conn{n.clearOffer(), n.clearAnswering()} {
		if other != nil && other != conn {
			competing = append(competing, other)
		}
	}
	n.connected = conn
	n.unhealthySince = time.Time{}
	n.recompute()
	room := sess.room
	s.mu.Unlock()

	for _, other := range competing {
		other.Destroy()
	}
	s.logger.Info("peer connected", "room", sess.roomID, "peer", peerID)
	room.addPeer(peerID, conn)
}

// handleConnClose clears every reference to a closed connection.
func (s *Strategy) handleConnClose(sess *session, peerID string, conn transport.Conn) {
	s.mu.Lock()
	if n, ok := sess.peers[peerID]; ok {
		if n.connected == conn {
			n.connected = nil
			n.unhealthySince = time.Time{}
		}
		if n.answering == conn {
			n.clearAnswering()
		}
		if n.offer != nil && n.offer.conn == conn {
			n.clearOffer()
		}
		n.recompute()
		sess.forget(n)
	}
	room := sess.room
	s.mu.Unlock()

	room.removePeer(peerID, conn)
}

// reportJoinError delivers a decryption failure, once per peer and
// direction.
func (s *Strategy) reportJoinError(sess *session, peerID string, direction Direction, err error) {
	key := joinErrorKey{peerID: peerID, direction: direction}
	s.mu.Lock()
	if sess.dead || sess.reported[key] {
		s.mu.Unlock()
		return
	}
	sess.reported[key] = true
	handler := sess.onJoinError
	s.mu.Unlock()

	joinErr := &JoinError{AppID: s.appID, RoomID: sess.roomID, PeerID: peerID, Direction: direction, Err: err}
	if handler == nil {
		s.logger.Warn("cannot decrypt peer signal", "room", sess.roomID, "peer", peerID, "direction", string(direction), "error", err)
		return
	}
	handler(joinErr)
}
