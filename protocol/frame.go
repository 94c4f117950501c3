// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"math"
)

const (
	// TypeSize is the fixed width of the action name field.
	TypeSize = 12

	nonceIndex    = TypeSize
	tagIndex      = nonceIndex + 1
	progressIndex = tagIndex + 1

	// HeaderSize is the fixed chunk header length.
	HeaderSize = progressIndex + 1

	// ChunkSize is the maximum size of one data channel message.
	// 16 KiB is the largest message every WebRTC implementation
	// accepts without fragmentation issues.
	ChunkSize = 16 * 1024

	// PayloadSize is the maximum payload carried by one chunk.
	PayloadSize = ChunkSize - HeaderSize
)

// Tag holds the per-chunk flag bits and compression code.
type Tag uint8

const (
	TagLast     Tag = 1 << 0
	TagMetadata Tag = 1 << 1
	TagBinary   Tag = 1 << 2
	TagJSON     Tag = 1 << 3

	compressionShift      = 4
	compressionMask   Tag = 0b11 << compressionShift
)

// Has reports whether every bit of flag is set.
func (t Tag) Has(flag Tag) bool { return t&flag == flag }

// Compression returns the compression code carried in bits 4-5.
func (t Tag) Compression() Compression {
	return Compression((t & compressionMask) >> compressionShift)
}

// WithCompression returns t with its compression code replaced.
func (t Tag) WithCompression(compression Compression) Tag {
	return t&^compressionMask | Tag(compression)<<compressionShift&compressionMask
}

var (
	// ErrTypeEmpty is returned for an empty action name.
	ErrTypeEmpty = errors.New("action type is empty")

	// ErrTypeTooLong is returned when an action name does not fit in
	// the type field.
	ErrTypeTooLong = errors.New("action type exceeds 12 bytes")

	// ErrShortChunk is returned for a chunk smaller than the header.
	ErrShortChunk = errors.New("chunk shorter than header")
)

// TypeName is an action name padded to the wire width.
type TypeName [TypeSize]byte

// EncodeType validates name and pads it to TypeSize bytes.
func EncodeType(name string) (TypeName, error) {
	var encoded TypeName
	if name == "" {
		return encoded, ErrTypeEmpty
	}
	if len(name) > TypeSize {
		return encoded, fmt.Errorf("%w: %q is %d bytes", ErrTypeTooLong, name, len(name))
	}
	if bytes.IndexByte([]byte(name), 0) >= 0 {
		return encoded, fmt.Errorf("action type %q contains a NUL byte", name)
	}
	copy(encoded[:], name)
	return encoded, nil
}

// String returns the name without padding.
func (n TypeName) String() string {
	return string(bytes.TrimRight(n[:], "\x00"))
}

// Chunk is one parsed data channel message. Payload aliases the input
// buffer passed to ParseChunk.
type Chunk struct {
	Type     string
	Nonce    uint8
	Tag      Tag
	Progress uint8
	Payload  []byte
}

// ParseChunk decodes the fixed header of raw.
func ParseChunk(raw []byte) (Chunk, error) {
	if len(raw) < HeaderSize {
		return Chunk{}, fmt.Errorf("%w: %d bytes", ErrShortChunk, len(raw))
	}
	var name TypeName
	copy(name[:], raw[:TypeSize])
	return Chunk{
		Type:     name.String(),
		Nonce:    raw[nonceIndex],
		Tag:      Tag(raw[tagIndex]),
		Progress: raw[progressIndex],
		Payload:  raw[HeaderSize:],
	}, nil
}

// ProgressByte encodes the progress of chunk index out of count.
func ProgressByte(index, count int) uint8 {
	return uint8(math.Round(float64(index+1) / float64(count) * math.MaxUint8))
}

// ProgressFraction maps a progress byte back to [0, 1].
func ProgressFraction(progress uint8) float64 {
	return float64(progress) / math.MaxUint8
}

func appendChunk(name TypeName, nonce uint8, tag Tag, progress uint8, payload []byte) []byte {
	chunk := make([]byte, HeaderSize+len(payload))
	copy(chunk, name[:])
	chunk[nonceIndex] = nonce
	chunk[tagIndex] = byte(tag)
	chunk[progressIndex] = progress
	copy(chunk[HeaderSize:], payload)
	return chunk
}
