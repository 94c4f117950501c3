// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wsrelay is a topic publish/subscribe relay over WebSocket.
//
// [Server] is an http.Handler that fans every published payload out to
// the connections subscribed to its topic. It keeps no history: a
// subscriber only sees what is published while it is subscribed.
//
// [Adapter] is the client side, implementing relay.Adapter. It dials
// several relay URLs for redundancy; each connected URL becomes one
// relay.Handle. A dropped connection is redialed with exponential
// backoff and its subscriptions are restored, unless the adapter is
// configured for manual reconnection, in which case [Adapter.Reconnect]
// redials on demand.
//
// Client and server exchange CBOR-encoded [Frame] values in binary
// WebSocket messages. Liveness uses WebSocket ping/pong with a read
// deadline on both ends.
package wsrelay
