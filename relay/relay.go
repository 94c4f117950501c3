// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/meshroom/transport"
)

// Handle is one relay of an adapter. String names it in logs.
type Handle interface {
	String() string
}

// Envelope is a message delivered by a relay.
type Envelope struct {
	// Payload is a JSON-encoded Signal.
	Payload []byte

	// Conn is set when the adapter matched an answer to one of the
	// pooled offers it handed out through an OfferSource. The answer
	// applies to this connection instead of a per-peer offer.
	Conn transport.Conn
}

// Publish sends payload to topic on the relay that delivered the
// message being handled.
type Publish func(ctx context.Context, topic string, payload []byte) error

// MessageHandler receives every message arriving on a subscribed
// topic. It must not block on network I/O.
type MessageHandler func(topic string, envelope Envelope, publish Publish)

// PooledOffer is a pre-created initiator connection with its sealed
// offer.
type PooledOffer struct {
	OfferID string
	Offer   string
	Conn    transport.Conn
}

// OfferSource hands out up to n pooled offers. Adapters that bundle
// offers with announcements (tracker-style relays) call it; others
// ignore it. Offers handed out are owned by the orchestrator, which
// expires them if no answer arrives.
type OfferSource func(ctx context.Context, n int) []PooledOffer

// Adapter is a family of relays.
type Adapter interface {
	// Init connects to the relays and returns one handle per relay.
	// selfID is the local peer id, needed to build announcements.
	// Called once per orchestrator.
	Init(ctx context.Context, selfID string) ([]Handle, error)

	// Subscribe delivers messages on rootTopic and selfTopic to
	// onMessage until the returned function is called.
	Subscribe(ctx context.Context, handle Handle, rootTopic, selfTopic string, onMessage MessageHandler, getOffers OfferSource) (unsubscribe func(), err error)

	// Announce broadcasts presence on rootTopic. A positive returned
	// interval overrides the orchestrator's announce schedule.
	Announce(ctx context.Context, handle Handle, rootTopic, selfTopic string) (time.Duration, error)
}

// Signal is the signaling wire message. An announcement carries only
// PeerID. Offer and Answer are sealed session descriptions.
type Signal struct {
	PeerID  string `json:"peerId"`
	Offer   string `json:"offer,omitempty"`
	Answer  string `json:"answer,omitempty"`
	OfferID string `json:"offerId,omitempty"`
}

// ErrMissingPeerID is returned by DecodeSignal for a message without a
// sender.
var ErrMissingPeerID = errors.New("relay: signal has no peerId")

// IsAnnouncement reports whether the signal carries neither offer nor
// answer.
func (s Signal) IsAnnouncement() bool {
	return s.Offer == "" && s.Answer == ""
}

// Encode returns the JSON form.
func (s Signal) Encode() ([]byte, error) {
	if s.PeerID == "" {
		return nil, ErrMissingPeerID
	}
	return json.Marshal(s)
}

// DecodeSignal parses a relay payload.
func DecodeSignal(payload []byte) (Signal, error) {
	var signal Signal
	if err := json.Unmarshal(payload, &signal); err != nil {
		return Signal{}, fmt.Errorf("decoding signal: %w", err)
	}
	if signal.PeerID == "" {
		return Signal{}, ErrMissingPeerID
	}
	return signal, nil
}

// Announcement returns the encoded announcement for peerID.
func Announcement(peerID string) []byte {
	// Marshalling a struct of strings cannot fail.
	encoded, _ := json.Marshal(Signal{PeerID: peerID})
	return encoded
}
