// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func mustType(t *testing.T, name string) TypeName {
	t.Helper()
	encoded, err := EncodeType(name)
	if err != nil {
		t.Fatalf("EncodeType(%q): %v", name, err)
	}
	return encoded
}

// deliver splits transmission and feeds every chunk through a fresh
// Reassembler, returning the completed message and the progress bytes
// seen along the way.
func deliver(t *testing.T, transmission Transmission) (*Message, []uint8) {
	t.Helper()
	chunks, err := Split(transmission)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	reassembler := NewReassembler()
	var progress []uint8
	var completed *Message
	for index, raw := range chunks {
		if len(raw) > ChunkSize {
			t.Fatalf("chunk %d is %d bytes, limit %d", index, len(raw), ChunkSize)
		}
		chunk, err := ParseChunk(raw)
		if err != nil {
			t.Fatalf("ParseChunk(%d): %v", index, err)
		}
		progress = append(progress, chunk.Progress)
		message, err := reassembler.Add("peer-a", chunk, epoch)
		if err != nil {
			t.Fatalf("Add(%d): %v", index, err)
		}
		if message != nil {
			if completed != nil {
				t.Fatal("transmission completed twice")
			}
			if index != len(chunks)-1 {
				t.Fatalf("completed at chunk %d of %d", index, len(chunks))
			}
			completed = message
		}
	}
	if completed == nil {
		t.Fatal("transmission never completed")
	}
	if reassembler.Pending() != 0 {
		t.Fatalf("Pending() = %d after completion", reassembler.Pending())
	}
	return completed, progress
}

func TestRoundtripSizes(t *testing.T) {
	sizes := []int{0, 1, PayloadSize - 1, PayloadSize, PayloadSize + 1, 50 * PayloadSize}
	for _, size := range sizes {
		data := make([]byte, size)
		for index := range data {
			data[index] = byte(index * 7)
		}

		for _, kind := range []struct {
			name   string
			value  any
			binary bool
			json   bool
		}{
			{"binary", data, true, false},
			{"string", strings.Repeat("x", size), false, false},
		} {
			encoded, tag, err := Encode(kind.value)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			message, progress := deliver(t, Transmission{Type: mustType(t, "blob"), Nonce: 3, Data: encoded, Kind: tag})

			if !bytes.Equal(message.Data, encoded) {
				t.Errorf("%s/%d: payload mismatch (%d bytes vs %d)", kind.name, size, len(message.Data), len(encoded))
			}
			if message.Binary != kind.binary || message.JSON != kind.json {
				t.Errorf("%s/%d: binary=%v json=%v", kind.name, size, message.Binary, message.JSON)
			}
			if message.Type != "blob" || message.Nonce != 3 || message.PeerID != "peer-a" {
				t.Errorf("%s/%d: header = %s/%d/%s", kind.name, size, message.Type, message.Nonce, message.PeerID)
			}
			wantChunks := max(1, (size+PayloadSize-1)/PayloadSize)
			if len(progress) != wantChunks {
				t.Errorf("%s/%d: %d chunks, want %d", kind.name, size, len(progress), wantChunks)
			}
		}
	}
}

func TestJSONEncoding(t *testing.T) {
	encoded, tag, err := Encode(map[string]any{"n": 42})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !tag.Has(TagJSON) || tag.Has(TagBinary) {
		t.Fatalf("tag = %08b, want JSON only", tag)
	}
	message, _ := deliver(t, Transmission{Type: mustType(t, "obj"), Data: encoded, Kind: tag})
	if !message.JSON || string(message.Data) != `{"n":42}` {
		t.Fatalf("message = %+v", message)
	}

	encoded, tag, err = Encode(7)
	if err != nil || !tag.Has(TagJSON) || string(encoded) != "7" {
		t.Fatalf("Encode(7) = %q, %08b, %v", encoded, tag, err)
	}
}

func TestEncodeRejectsNil(t *testing.T) {
	if _, _, err := Encode(nil); !errors.Is(err, ErrNilData) {
		t.Fatalf("Encode(nil) error = %v, want ErrNilData", err)
	}
}

func TestProgressMonotonicEndsAtOne(t *testing.T) {
	data := make([]byte, 7*PayloadSize+123)
	_, progress := deliver(t, Transmission{Type: mustType(t, "file"), Data: data, Kind: TagBinary, Metadata: []byte(`{"name":"a.bin"}`)})

	for index := 1; index < len(progress); index++ {
		if progress[index] < progress[index-1] {
			t.Fatalf("progress decreased at %d: %v", index, progress)
		}
	}
	if last := ProgressFraction(progress[len(progress)-1]); last != 1.0 {
		t.Fatalf("final progress = %v, want 1.0", last)
	}
}

func TestMetadata(t *testing.T) {
	metadata := []byte(`{"name":"photo.png","size":3}`)
	chunks, err := Split(Transmission{Type: mustType(t, "file"), Data: []byte{1, 2, 3}, Kind: TagBinary, Metadata: metadata})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("Split produced %d chunks, want metadata + data", len(chunks))
	}
	first, _ := ParseChunk(chunks[0])
	if !first.Tag.Has(TagMetadata) || first.Tag.Has(TagLast) {
		t.Fatalf("chunk 0 tag = %08b, want metadata without last", first.Tag)
	}

	message, _ := deliver(t, Transmission{Type: mustType(t, "file"), Data: []byte{1, 2, 3}, Kind: TagBinary, Metadata: metadata})
	if !bytes.Equal(message.Metadata, metadata) {
		t.Fatalf("metadata = %s, want %s", message.Metadata, metadata)
	}

	emptyWithMetadata, _ := deliver(t, Transmission{Type: mustType(t, "file"), Data: nil, Kind: TagBinary, Metadata: metadata})
	if len(emptyWithMetadata.Data) != 0 || emptyWithMetadata.Metadata == nil {
		t.Fatalf("empty payload with metadata = %+v", emptyWithMetadata)
	}
}

func TestMetadataValidation(t *testing.T) {
	if _, err := Split(Transmission{Type: mustType(t, "x"), Data: []byte("hi"), Metadata: []byte(`{}`)}); !errors.Is(err, ErrMetadataNotBinary) {
		t.Errorf("metadata with string data: error = %v", err)
	}
	if _, err := Split(Transmission{Type: mustType(t, "x"), Data: []byte("{}"), Kind: TagJSON, Metadata: []byte(`{}`)}); !errors.Is(err, ErrMetadataNotBinary) {
		t.Errorf("metadata with JSON data: error = %v", err)
	}
	for _, metadata := range []string{`42`, `"name"`, `[1,2]`, `true`, `null`, ` `} {
		if _, err := Split(Transmission{Type: mustType(t, "x"), Data: []byte{1}, Kind: TagBinary, Metadata: []byte(metadata)}); !errors.Is(err, ErrMetadataNotObject) {
			t.Errorf("metadata %q: error = %v, want ErrMetadataNotObject", metadata, err)
		}
	}
	if _, err := Split(Transmission{Type: mustType(t, "x"), Data: []byte{1}, Kind: TagBinary, Metadata: []byte(` {"k":1}`)}); err != nil {
		t.Errorf("object metadata with leading space: %v", err)
	}
	huge := []byte(`{"k":"` + strings.Repeat("v", PayloadSize) + `"}`)
	if _, err := Split(Transmission{Type: mustType(t, "x"), Data: []byte{1}, Kind: TagBinary, Metadata: huge}); !errors.Is(err, ErrMetadataTooLarge) {
		t.Errorf("oversized metadata: error = %v", err)
	}
}

func TestEncodeType(t *testing.T) {
	tests := []struct {
		name    string
		wantErr error
	}{
		{"chat", nil},
		{"exactly12byt", nil},
		{"thirteen-byte", ErrTypeTooLong},
		{"日本語abc", nil},
		{"日本語abcd", ErrTypeTooLong},
		{"", ErrTypeEmpty},
	}
	for _, test := range tests {
		encoded, err := EncodeType(test.name)
		if !errors.Is(err, test.wantErr) {
			t.Errorf("EncodeType(%q) error = %v, want %v", test.name, err, test.wantErr)
			continue
		}
		if err == nil && encoded.String() != test.name {
			t.Errorf("EncodeType(%q).String() = %q", test.name, encoded.String())
		}
	}
}

func TestNonceWraparound(t *testing.T) {
	reassembler := NewReassembler()
	name := mustType(t, "seq")
	data := make([]byte, PayloadSize+10)

	for sequence := 0; sequence < 600; sequence++ {
		data[0] = byte(sequence)
		chunks, err := Split(Transmission{Type: name, Nonce: uint8(sequence), Data: data, Kind: TagBinary})
		if err != nil {
			t.Fatalf("Split: %v", err)
		}
		var completed *Message
		for _, raw := range chunks {
			chunk, _ := ParseChunk(raw)
			message, err := reassembler.Add("peer-a", chunk, epoch.Add(time.Duration(sequence)*time.Millisecond))
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			if message != nil {
				completed = message
			}
		}
		if completed == nil || completed.Data[0] != byte(sequence) || len(completed.Data) != len(data) {
			t.Fatalf("sequence %d reassembled incorrectly", sequence)
		}
	}
}

func TestInterleavedTransmissions(t *testing.T) {
	reassembler := NewReassembler()
	name := mustType(t, "mix")
	first, _ := Split(Transmission{Type: name, Nonce: 1, Data: bytes.Repeat([]byte{1}, 2*PayloadSize), Kind: TagBinary})
	second, _ := Split(Transmission{Type: name, Nonce: 2, Data: bytes.Repeat([]byte{2}, 2*PayloadSize), Kind: TagBinary})

	var results []*Message
	for index := range first {
		for _, raw := range [][]byte{first[index], second[index]} {
			chunk, _ := ParseChunk(raw)
			message, err := reassembler.Add("peer-a", chunk, epoch)
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			if message != nil {
				results = append(results, message)
			}
		}
	}
	if len(results) != 2 || results[0].Data[0] != 1 || results[1].Data[0] != 2 {
		t.Fatalf("interleaved transmissions mixed up: %d results", len(results))
	}
}

func TestStaleTransmissionRestarts(t *testing.T) {
	reassembler := NewReassembler()
	name := mustType(t, "stale")
	abandoned, _ := Split(Transmission{Type: name, Nonce: 9, Data: bytes.Repeat([]byte{0xAA}, 2*PayloadSize), Kind: TagBinary})
	chunk, _ := ParseChunk(abandoned[0])
	if _, err := reassembler.Add("peer-a", chunk, epoch); err != nil {
		t.Fatalf("Add: %v", err)
	}

	fresh, _ := Split(Transmission{Type: name, Nonce: 9, Data: []byte{0xBB}, Kind: TagBinary})
	chunk, _ = ParseChunk(fresh[0])
	message, err := reassembler.Add("peer-a", chunk, epoch.Add(StaleTransmissionAge+time.Second))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if message == nil || !bytes.Equal(message.Data, []byte{0xBB}) {
		t.Fatalf("stale leftovers leaked into new transmission: %+v", message)
	}
}

func TestEvictAndDropPeer(t *testing.T) {
	reassembler := NewReassembler()
	name := mustType(t, "part")
	chunks, _ := Split(Transmission{Type: name, Data: make([]byte, 3*PayloadSize), Kind: TagBinary})
	chunk, _ := ParseChunk(chunks[0])

	reassembler.Add("peer-a", chunk, epoch)
	reassembler.Add("peer-b", chunk, epoch.Add(time.Minute))
	if got := reassembler.Pending(); got != 2 {
		t.Fatalf("Pending() = %d, want 2", got)
	}

	if dropped := reassembler.Evict(epoch.Add(30 * time.Second)); dropped != 1 {
		t.Fatalf("Evict dropped %d, want 1", dropped)
	}
	reassembler.DropPeer("peer-b")
	if got := reassembler.Pending(); got != 0 {
		t.Fatalf("Pending() = %d after DropPeer, want 0", got)
	}
}

func TestCompressionRoundtrip(t *testing.T) {
	compressible := bytes.Repeat([]byte("meshroom signaling "), 5000)
	random := make([]byte, 4096)
	for index := range random {
		random[index] = byte((index * 2654435761) >> 13)
	}

	for _, compression := range []Compression{CompressionLZ4, CompressionZstd} {
		for _, data := range [][]byte{compressible, random, {}} {
			chunks, err := Split(Transmission{Type: mustType(t, "z"), Data: data, Kind: TagBinary, Compression: compression})
			if err != nil {
				t.Fatalf("%s: Split: %v", compression, err)
			}
			if len(data) == len(compressible) {
				if len(chunks) >= (len(data)+PayloadSize-1)/PayloadSize {
					t.Errorf("%s: compressible data not compressed (%d chunks)", compression, len(chunks))
				}
				last, _ := ParseChunk(chunks[len(chunks)-1])
				if last.Tag.Compression() != compression {
					t.Errorf("%s: tag compression = %s", compression, last.Tag.Compression())
				}
			}

			message, _ := deliver(t, Transmission{Type: mustType(t, "z"), Data: data, Kind: TagBinary, Compression: compression})
			if !bytes.Equal(message.Data, data) {
				t.Errorf("%s: roundtrip mismatch for %d bytes", compression, len(data))
			}
		}
	}
}

func TestParseShortChunk(t *testing.T) {
	if _, err := ParseChunk(make([]byte, HeaderSize-1)); !errors.Is(err, ErrShortChunk) {
		t.Fatalf("ParseChunk(short) error = %v", err)
	}
}

func TestTagCompressionBits(t *testing.T) {
	tag := (TagLast | TagBinary).WithCompression(CompressionZstd)
	if tag.Compression() != CompressionZstd || !tag.Has(TagLast|TagBinary) || tag.Has(TagJSON) {
		t.Fatalf("tag = %08b", tag)
	}
	if tag.WithCompression(CompressionNone).Compression() != CompressionNone {
		t.Fatal("clearing compression failed")
	}
}
