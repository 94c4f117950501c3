// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport wraps a pion/webrtc PeerConnection and its single
// data channel behind the [Conn] interface used by the room package.
//
// A [Peer] is created on one side as the initiator (it opens the
// "data" channel and produces the first offer, available from
// [Peer.Offer]) and on the other side as the answerer (it receives the
// channel from the remote). Descriptions from the remote are fed in
// with [Peer.Signal], which applies perfect negotiation: the initiator
// is the impolite side and ignores colliding offers, the answerer rolls
// back its own pending offer and accepts. The collision rule itself is
// the pure function [DecideOffer].
//
// Signaling uses vanilla ICE: every description handed out waits for
// candidate gathering to finish (or for a 15 second ceiling, after which
// the partial description is used), so one offer and one answer are
// enough to connect.
//
// Events are delivered through [Handlers]. Any event that arrives
// before its handler is attached is held in a per-kind mailbox and
// replayed in arrival order when [Peer.SetHandlers] installs the
// handler. The Close handler fires exactly once, whichever of
// [Peer.Destroy], a failed or closed connection, or an expired
// disconnect grace period comes first.
//
// [ICEConfig] converts STUN and TURN settings into a
// webrtc.Configuration, and [NewAPI] builds the pion API object shared
// by all peers of one process.
package transport
