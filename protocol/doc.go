// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the chunk framing used to carry typed
// action messages over a data channel.
//
// Every data channel message is one chunk:
//
//	+-------------+-------+-----+----------+-------------------+
//	| type (12 B) | nonce | tag | progress | payload           |
//	+-------------+-------+-----+----------+-------------------+
//
// type is the action name, zero-padded to 12 bytes. nonce identifies
// one transmission of that type from one peer and wraps at 256. tag
// carries flag bits (last chunk, metadata chunk, binary, JSON) and a
// two-bit compression code. progress is round((i+1)/n * 255) for chunk
// i of n. The payload fills the rest of a [ChunkSize] message.
//
// A transmission with metadata puts the JSON metadata alone in chunk 0.
// Data always occupies at least one chunk, so an empty payload still
// produces a last-flagged chunk.
//
// [Split] produces the chunks for one transmission. [Reassembler]
// collects chunks keyed by (peer, type, nonce) and returns the complete
// [Transmission] when the last chunk arrives. The protocol relies on an
// ordered, reliable channel and performs no reordering of its own.
package protocol
