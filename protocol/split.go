// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNilData is returned when Encode is given nil.
	ErrNilData = errors.New("action data is nil")

	// ErrMetadataNotBinary is returned when metadata accompanies
	// string or JSON data.
	ErrMetadataNotBinary = errors.New("metadata is only allowed with binary data")

	// ErrMetadataTooLarge is returned when encoded metadata does not
	// fit in a single chunk.
	ErrMetadataTooLarge = errors.New("metadata does not fit in one chunk")

	// ErrMetadataNotObject is returned when metadata is not a JSON
	// object.
	ErrMetadataNotObject = errors.New("metadata must be a JSON object")
)

// Encode converts an application value to wire bytes and the tag bits
// describing its kind: []byte is binary, string is raw UTF-8, and
// everything else is JSON.
func Encode(data any) ([]byte, Tag, error) {
	switch value := data.(type) {
	case nil:
		return nil, 0, ErrNilData
	case []byte:
		if value == nil {
			return []byte{}, TagBinary, nil
		}
		return value, TagBinary, nil
	case string:
		return []byte(value), 0, nil
	case json.RawMessage:
		return value, TagJSON, nil
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding action data as JSON: %w", err)
		}
		return encoded, TagJSON, nil
	}
}

// Transmission describes one send of one action.
type Transmission struct {
	Type  TypeName
	Nonce uint8

	// Data is the encoded payload and Kind its TagBinary/TagJSON bits,
	// as returned by Encode.
	Data []byte
	Kind Tag

	// Metadata is an optional JSON object sent in its own chunk.
	// Only valid when Kind has TagBinary.
	Metadata []byte

	// Compression is attempted on Data. Incompressible data goes out
	// uncompressed with the compression bits cleared.
	Compression Compression
}

// Split frames the transmission into chunks ready to send, in order.
func Split(transmission Transmission) ([][]byte, error) {
	if transmission.Metadata != nil && !transmission.Kind.Has(TagBinary) {
		return nil, ErrMetadataNotBinary
	}
	if transmission.Metadata != nil && !IsJSONObject(transmission.Metadata) {
		return nil, ErrMetadataNotObject
	}
	if len(transmission.Metadata) > PayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMetadataTooLarge, len(transmission.Metadata))
	}

	data := transmission.Data
	kind := transmission.Kind &^ (TagLast | TagMetadata)
	if transmission.Compression != CompressionNone && len(data) > 0 {
		compressed, err := compress(data, transmission.Compression)
		switch {
		case err == nil:
			data = compressed
			kind = kind.WithCompression(transmission.Compression)
		case errors.Is(err, errIncompressible):
		default:
			return nil, err
		}
	}

	dataChunks := (len(data) + PayloadSize - 1) / PayloadSize
	if dataChunks == 0 {
		dataChunks = 1
	}
	total := dataChunks
	index := 0
	if transmission.Metadata != nil {
		total++
	}

	chunks := make([][]byte, 0, total)
	if transmission.Metadata != nil {
		chunks = append(chunks, appendChunk(transmission.Type, transmission.Nonce,
			TagMetadata, ProgressByte(index, total), transmission.Metadata))
		index++
	}

	for offset := 0; index < total; index++ {
		end := min(offset+PayloadSize, len(data))
		tag := kind
		if index == total-1 {
			tag |= TagLast
		}
		chunks = append(chunks, appendChunk(transmission.Type, transmission.Nonce,
			tag, ProgressByte(index, total), data[offset:end]))
		offset = end
	}
	return chunks, nil
}

// IsJSONObject reports whether encoded JSON starts an object.
func IsJSONObject(encoded []byte) bool {
	trimmed := bytes.TrimLeft(encoded, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
