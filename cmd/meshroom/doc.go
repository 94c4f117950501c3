// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Meshroom is a terminal chat client that joins a room over WebSocket
// relays and talks to the other peers over WebRTC data channels.
//
//	meshroom [flags] [room]
//
// Lines typed on stdin are sent to every peer in the room. Lines that
// start with a slash are commands:
//
//	/peers            list connected peers
//	/ping <peer>      measure the round trip to a peer
//	/relays           show which relays are connected
//	/reconnect        redial relays that are down
//	/quit             leave the room and exit
//
// Configuration is read from --config or MESHROOM_CONFIG when either
// is set; flags override the file.
package main
