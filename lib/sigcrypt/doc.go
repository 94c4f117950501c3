// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sigcrypt holds the cryptographic helpers used by signaling:
// topic hashing, signaling key derivation, SDP sealing, and random
// identifiers.
//
// Relays only ever see two things: BLAKE3-derived topic names, which
// reveal nothing about the app or room they were derived from, and
// sealed session descriptions in the form
//
//	iv0,iv1,...,iv15$base64(AES-GCM ciphertext)
//
// where the 16-byte IV is rendered as comma-joined decimal bytes. The
// AES-256 key is derived with HKDF-SHA256 from the room password, bound
// to the app and room ids, so peers that disagree on any of the three
// fail to open each other's descriptions.
//
// [TopicHasher] memoizes digests; a Strategy owns one and hashes the
// same root topic for every announcement it processes.
package sigcrypt
