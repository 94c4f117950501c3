// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay defines the contract between the room orchestrator and
// the publish/subscribe channels it signals over, plus the JSON wire
// form of signaling messages.
//
// A relay only moves opaque payloads between topics. Topics are hashes
// derived by the orchestrator: every peer in a room subscribes to the
// room's root topic, where announcements are broadcast, and to its own
// self topic, where offers and answers addressed to it are published.
// Session descriptions inside [Signal] are sealed with the room key
// before they reach the relay, so a relay operator sees peer ids and
// ciphertext only.
//
// An [Adapter] may expose several independent relays (redundancy). The
// orchestrator subscribes and announces on every [Handle] and tolerates
// the same message arriving more than once.
//
// Implementations: package memory (in-process broker, used by tests and
// single-process demos) and package wsrelay (WebSocket client and a
// development relay server).
package relay
