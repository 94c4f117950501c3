// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wsrelay

import (
	"fmt"

	"github.com/bureau-foundation/meshroom/lib/codec"
)

// Op is the frame operation.
type Op string

const (
	// OpSubscribe starts delivery of Topic to the sender.
	OpSubscribe Op = "sub"

	// OpUnsubscribe stops it.
	OpUnsubscribe Op = "unsub"

	// OpPublish asks the server to fan Payload out to Topic.
	OpPublish Op = "pub"

	// OpMessage is a server-to-client delivery.
	OpMessage Op = "msg"
)

// Frame is one relay protocol message.
type Frame struct {
	Op      Op     `cbor:"op"`
	Topic   string `cbor:"topic"`
	Payload []byte `cbor:"payload,omitempty"`
}

// maxFrameSize bounds a single frame. Signals are a few kilobytes of
// sealed SDP.
const maxFrameSize = 256 << 10

func encodeFrame(frame Frame) ([]byte, error) {
	return codec.Marshal(frame)
}

func decodeFrame(data []byte) (Frame, error) {
	frame, err := codec.Decode[Frame](data)
	if err != nil {
		return Frame{}, fmt.Errorf("decoding relay frame: %w", err)
	}
	if frame.Topic == "" {
		return Frame{}, fmt.Errorf("relay frame %q has no topic", frame.Op)
	}
	switch frame.Op {
	case OpSubscribe, OpUnsubscribe, OpPublish, OpMessage:
		return frame, nil
	default:
		return Frame{}, fmt.Errorf("unknown relay frame op %q", frame.Op)
	}
}
