// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"testing"
)

func TestSignalWireFormat(t *testing.T) {
	encoded, err := Signal{PeerID: "abc", Offer: "1,2$xyz", OfferID: "o1"}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(encoded) != `{"peerId":"abc","offer":"1,2$xyz","offerId":"o1"}` {
		t.Fatalf("encoded = %s", encoded)
	}

	decoded, err := DecodeSignal([]byte(`{"peerId":"def","answer":"x","offerId":"o1"}`))
	if err != nil {
		t.Fatalf("DecodeSignal: %v", err)
	}
	if decoded.PeerID != "def" || decoded.Answer != "x" || decoded.OfferID != "o1" || decoded.IsAnnouncement() {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestAnnouncement(t *testing.T) {
	decoded, err := DecodeSignal(Announcement("peer-1"))
	if err != nil {
		t.Fatalf("DecodeSignal: %v", err)
	}
	if !decoded.IsAnnouncement() || decoded.PeerID != "peer-1" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestDecodeSignalRejects(t *testing.T) {
	if _, err := DecodeSignal([]byte(`{"offer":"x"}`)); !errors.Is(err, ErrMissingPeerID) {
		t.Errorf("missing peerId: %v", err)
	}
	if _, err := DecodeSignal([]byte(`not json`)); err == nil {
		t.Error("garbage accepted")
	}
	if _, err := (Signal{}).Encode(); !errors.Is(err, ErrMissingPeerID) {
		t.Errorf("Encode without peerId: %v", err)
	}
}
