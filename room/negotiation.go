// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"time"

	"github.com/bureau-foundation/meshroom/lib/clock"
	"github.com/bureau-foundation/meshroom/relay"
	"github.com/bureau-foundation/meshroom/transport"
)

const (
	// OfferTTL is how long an unanswered offer stays outstanding.
	OfferTTL = 57333 * time.Millisecond

	// AnsweredOfferTTL replaces OfferTTL once an answer is applied.
	// The connection either comes up within it or is dropped.
	AnsweredOfferTTL = 9 * time.Second

	// AnsweringTTL bounds an answering attempt.
	AnsweringTTL = 8 * time.Second

	// HealthGrace is how long a transiently unhealthy connection
	// keeps suppressing signaling for its peer.
	HealthGrace = 7500 * time.Millisecond

	// slotExpiryFraction scales a relay's announce interval into the
	// lifetime of an offer slot on that relay.
	slotExpiryFraction = 0.9
)

// status is the projection of a negotiation's active state.
type status int

const (
	statusIdle status = iota
	statusOffering
	statusAnswering
	statusConnected
)

func (s status) String() string {
	switch s {
	case statusIdle:
		return "idle"
	case statusOffering:
		return "offering"
	case statusAnswering:
		return "answering"
	case statusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// slotState tracks whether the current offer went out on a relay.
type slotState int

const (
	slotAbsent slotState = iota
	slotReserved
	slotSent
)

// outgoingOffer is the offer this side made to one peer. conn and
// sealed are filled in once the pooled connection produced its offer;
// ready is closed then, or when obtaining it failed.
type outgoingOffer struct {
	offerID  string
	conn     transport.Conn
	sealed   string
	err      error
	ready    chan struct{}
	answered bool

	slots      map[relay.Handle]slotState
	slotTimers map[relay.Handle]*clock.Timer
}

func newOutgoingOffer(offerID string) *outgoingOffer {
	return &outgoingOffer{
		offerID:    offerID,
		ready:      make(chan struct{}),
		slots:      make(map[relay.Handle]slotState),
		slotTimers: make(map[relay.Handle]*clock.Timer),
	}
}

func (o *outgoingOffer) stopTimers() {
	for handle, timer := range o.slotTimers {
		timer.Stop()
		delete(o.slotTimers, handle)
	}
}

// negotiation is the signaling state for one remote peer in one room.
// All fields are guarded by the Strategy mutex.
type negotiation struct {
	peerID string
	status status

	offer      *outgoingOffer
	offerTimer *clock.Timer

	answering   transport.Conn
	answerTimer *clock.Timer

	connected      transport.Conn
	unhealthySince time.Time
}

// recompute derives status from the active state. Called after every
// mutation.
func (n *negotiation) recompute() {
	switch {
	case n.connected != nil:
		n.status = statusConnected
	case n.answering != nil:
		n.status = statusAnswering
	case n.offer != nil:
		n.status = statusOffering
	default:
		n.status = statusIdle
	}
}

// clearOffer drops the outgoing offer and returns its connection, if
// any, for the caller to destroy after unlocking.
func (n *negotiation) clearOffer() transport.Conn {
	replaceTimer(&n.offerTimer, nil)
	if n.offer == nil {
		return nil
	}
	offer := n.offer
	n.offer = nil
	offer.stopTimers()
	return offer.conn
}

// clearAnswering drops the answering attempt and returns its
// connection.
func (n *negotiation) clearAnswering() transport.Conn {
	replaceTimer(&n.answerTimer, nil)
	conn := n.answering
	n.answering = nil
	return conn
}

// stopTimers cancels every timer the negotiation owns.
func (n *negotiation) stopTimers() {
	replaceTimer(&n.offerTimer, nil)
	replaceTimer(&n.answerTimer, nil)
	if n.offer != nil {
		n.offer.stopTimers()
	}
}

// replaceTimer stops the timer in slot and stores next in its place.
// Every negotiation timer goes through here so that no superseded
// timer is left running.
func replaceTimer(slot **clock.Timer, next *clock.Timer) {
	(*slot).Stop()
	*slot = next
}
