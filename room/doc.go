// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package room joins peers into rooms over WebRTC data channels.
//
// A [Strategy] owns the signaling side: it hashes room names into relay
// topics, announces the local peer on every relay of its
// [relay.Adapter], and drives one negotiation per remote peer through
// announcement, sealed offer, sealed answer, and connection. The lower
// peer id of a pair makes the offer. Offers come from a pool of
// pre-created initiator connections so that ICE gathering is usually
// finished by the time a peer shows up.
//
// A [Room] owns the data side: once a connection is up it carries named
// actions, chunked by package protocol, plus a few reserved actions for
// ping, renegotiation, media metadata, and leave notices.
//
// Locking follows one rule: the Strategy mutex guards negotiation state
// and the Room mutex guards peers, actions, and reassembly. Neither is
// held across relay I/O, SDP application, ICE gathering, or a wait for
// the data channel to drain, and application callbacks run with no lock
// held.
package room
