// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"time"
)

// StaleTransmissionAge is how long a partial transmission may sit idle
// before a chunk with the same key starts a new one. Nonces wrap at
// 256, so a transmission abandoned mid-way (sender left, send
// cancelled) must not swallow the chunks of a later one.
const StaleTransmissionAge = 2 * time.Minute

// Message is a completed transmission.
type Message struct {
	PeerID string
	Type   string
	Nonce  uint8

	// Data is the reassembled, decompressed payload.
	Data []byte

	// Binary and JSON reflect the sender's encoding. Neither set
	// means a raw UTF-8 string.
	Binary bool
	JSON   bool

	// Metadata is the raw JSON metadata object, nil if none was sent.
	Metadata []byte
}

type transmissionKey struct {
	peerID string
	name   string
	nonce  uint8
}

type pendingTransmission struct {
	chunks   [][]byte
	size     int
	metadata []byte
	updated  time.Time
}

// Reassembler accumulates chunks into messages. Not safe for
// concurrent use; the owning room serializes access.
type Reassembler struct {
	pending map[transmissionKey]*pendingTransmission
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[transmissionKey]*pendingTransmission)}
}

// Add records one chunk received from peerID at time now. It returns
// the completed message when chunk carries the last-chunk flag, and
// nil otherwise.
func (r *Reassembler) Add(peerID string, chunk Chunk, now time.Time) (*Message, error) {
	key := transmissionKey{peerID: peerID, name: chunk.Type, nonce: chunk.Nonce}

	pending, ok := r.pending[key]
	if ok && now.Sub(pending.updated) > StaleTransmissionAge {
		ok = false
	}
	if !ok {
		pending = &pendingTransmission{}
		r.pending[key] = pending
	}
	pending.updated = now

	if chunk.Tag.Has(TagMetadata) {
		pending.metadata = append([]byte(nil), chunk.Payload...)
		return nil, nil
	}

	pending.chunks = append(pending.chunks, append([]byte(nil), chunk.Payload...))
	pending.size += len(chunk.Payload)
	if pending.size > MaxDecompressedSize {
		delete(r.pending, key)
		return nil, fmt.Errorf("transmission %s/%d from %s exceeds %d bytes", chunk.Type, chunk.Nonce, peerID, MaxDecompressedSize)
	}
	if !chunk.Tag.Has(TagLast) {
		return nil, nil
	}
	delete(r.pending, key)

	data := make([]byte, 0, pending.size)
	for _, part := range pending.chunks {
		data = append(data, part...)
	}
	data, err := decompress(data, chunk.Tag.Compression())
	if err != nil {
		return nil, fmt.Errorf("transmission %s/%d from %s: %w", chunk.Type, chunk.Nonce, peerID, err)
	}

	return &Message{
		PeerID:   peerID,
		Type:     chunk.Type,
		Nonce:    chunk.Nonce,
		Data:     data,
		Binary:   chunk.Tag.Has(TagBinary),
		JSON:     chunk.Tag.Has(TagJSON),
		Metadata: pending.metadata,
	}, nil
}

// DropPeer discards every partial transmission from peerID.
func (r *Reassembler) DropPeer(peerID string) {
	for key := range r.pending {
		if key.peerID == peerID {
			delete(r.pending, key)
		}
	}
}

// Evict discards partial transmissions idle since before cutoff and
// returns how many were dropped.
func (r *Reassembler) Evict(cutoff time.Time) int {
	dropped := 0
	for key, pending := range r.pending {
		if pending.updated.Before(cutoff) {
			delete(r.pending, key)
			dropped++
		}
	}
	return dropped
}

// Pending returns the number of partial transmissions.
func (r *Reassembler) Pending() int {
	return len(r.pending)
}
