// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrClosed is returned by operations on a destroyed connection.
	ErrClosed = errors.New("transport: connection closed")

	// ErrNotConnected is returned by Send and WaitWritable before the
	// data channel has opened.
	ErrNotConnected = errors.New("transport: data channel not open")

	// ErrNotInitiator is returned by Offer on the answering side.
	ErrNotInitiator = errors.New("transport: connection is not the initiator")
)

// Health classifies a connection for the orchestrator's signaling
// suppression rules.
type Health int

const (
	// Healthy means the data channel is open.
	Healthy Health = iota

	// Transient means the data channel is not open but the underlying
	// connection has neither failed nor closed. It may recover.
	Transient

	// Stale means the connection is dead, failed, or closed.
	Stale
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Transient:
		return "transient"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// TrackEvent is a remote media track arriving on a connection.
type TrackEvent struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// Handlers receives connection events. SetHandlers merges: nil fields
// leave the existing handler in place.
type Handlers struct {
	// Connect fires once when the data channel opens.
	Connect func()

	// Close fires once when the connection is gone for good.
	Close func()

	// Data receives each data channel message.
	Data func([]byte)

	// Error receives SDP and transport failures. The connection is not
	// torn down by an error alone.
	Error func(error)

	// Signal receives descriptions produced by renegotiation after
	// the connection is up (for example after AddTrack). The caller
	// forwards them to the remote, which feeds them to its Signal.
	Signal func(webrtc.SessionDescription)

	// Track receives remote media tracks.
	Track func(TrackEvent)
}

// Conn is a point-to-point connection to one remote peer.
type Conn interface {
	// Offer waits for the initiator's first offer.
	Offer(ctx context.Context) (webrtc.SessionDescription, error)

	// Signal applies a remote description. For an offer it returns the
	// local answer, or nil when the offer was ignored as a collision.
	// For an answer it returns nil.
	Signal(ctx context.Context, description webrtc.SessionDescription) (*webrtc.SessionDescription, error)

	// Send queues one message on the data channel without waiting.
	Send(data []byte) error

	// WaitWritable blocks while the channel's buffered amount is above
	// its low-water mark.
	WaitWritable(ctx context.Context) error

	SetHandlers(handlers Handlers)
	Health() Health

	// UnhealthySince is when the connection last stopped being healthy,
	// or zero when it is healthy or the moment is unknown.
	UnhealthySince() time.Time

	// Created is when the connection was constructed. The offer pool
	// prunes by it.
	Created() time.Time

	Dead() bool
	Destroy()

	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error
}
