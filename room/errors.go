// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingAppID is returned by NewStrategy without an app id.
	ErrMissingAppID = errors.New("room: app id is required")

	// ErrMissingRoomID is returned by Join with an empty room id.
	ErrMissingRoomID = errors.New("room: room id is required")

	// ErrRoomClosed is returned by operations on a room after Leave.
	ErrRoomClosed = errors.New("room: room is closed")

	// ErrPeerNotFound is returned when an operation names a peer that
	// is not connected to the room.
	ErrPeerNotFound = errors.New("room: peer not found")

	// ErrReservedAction is returned when an application action name
	// uses the prefix of the room's internal actions.
	ErrReservedAction = errors.New("room: action name uses the reserved " + internalPrefix + " prefix")
)

// Direction names the half of a negotiation that failed to decrypt.
type Direction string

const (
	DirectionOffer  Direction = "offer"
	DirectionAnswer Direction = "answer"
)

// JoinError reports a session description that could not be opened
// with the room key. Almost always the two peers were given different
// passwords for the same room.
type JoinError struct {
	AppID     string
	RoomID    string
	PeerID    string
	Direction Direction
	Err       error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("room: incorrect password when decrypting %s from peer %q (app %q, room %q): %v",
		e.Direction, e.PeerID, e.AppID, e.RoomID, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }
