// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Decoding limits for frames read off the network.
const (
	MaxNesting  = 8
	MaxElements = 512
)

var (
	encoder = must(cbor.CoreDetEncOptions().EncMode())
	decoder = must(cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels:  MaxNesting,
		MaxArrayElements: MaxElements,
		MaxMapPairs:      MaxElements,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode())
)

func must[M any](mode M, err error) M {
	if err != nil {
		panic(fmt.Sprintf("codec: building CBOR mode: %v", err))
	}
	return mode
}

// Marshal encodes v with deterministic encoding.
func Marshal(v any) ([]byte, error) {
	return encoder.Marshal(v)
}

// Decode decodes data as a T. Unknown fields are ignored; duplicate
// map keys are an error.
func Decode[T any](data []byte) (T, error) {
	var value T
	err := decoder.Unmarshal(data, &value)
	return value, err
}
