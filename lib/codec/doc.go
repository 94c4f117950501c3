// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration for relay framing.
//
// Signals themselves are JSON because relays and other applications
// may read them. The frames that carry signals between a WebSocket
// relay client and the relay server are CBOR: smaller, and encoded
// deterministically (RFC 8949 §4.2) so equal frames are equal bytes.
//
// Decoding is bounded by [MaxNesting] and [MaxElements] because frames
// come from unauthenticated network clients.
package codec
