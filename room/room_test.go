// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/meshroom/lib/testutil"
	"github.com/bureau-foundation/meshroom/protocol"
	"github.com/bureau-foundation/meshroom/relay/memory"
	"github.com/bureau-foundation/meshroom/transport"
)

// receiver makes name on room and collects its deliveries.
func receiver(t *testing.T, room *Room, name string) chan Delivery {
	t.Helper()
	action, err := room.MakeAction(name, ActionOptions{})
	if err != nil {
		t.Fatalf("MakeAction(%q): %v", name, err)
	}
	deliveries := make(chan Delivery, 512)
	action.OnReceive(func(delivery Delivery) { deliveries <- delivery })
	return deliveries
}

func makeAction(t *testing.T, room *Room, name string, options ...ActionOptions) *Action {
	t.Helper()
	var opts ActionOptions
	if len(options) > 0 {
		opts = options[0]
	}
	action, err := room.MakeAction(name, opts)
	if err != nil {
		t.Fatalf("MakeAction(%q): %v", name, err)
	}
	return action
}

func patterned(size int) []byte {
	data := make([]byte, size)
	for index := range data {
		data[index] = byte(index*7 + index/251)
	}
	return data
}

func TestActionRoundTrip(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	a, b := h.connectPair()
	send := makeAction(t, a.room, "blob")
	deliveries := receiver(t, b.room, "blob")

	sizes := []int{0, 1, protocol.PayloadSize - 1, protocol.PayloadSize, protocol.PayloadSize + 1, 50 * protocol.PayloadSize}
	for _, size := range sizes {
		data := patterned(size)
		var mu sync.Mutex
		var fractions []float64
		err := send.Send(context.Background(), data, SendOptions{
			OnProgress: func(peerID string, fraction float64) {
				mu.Lock()
				fractions = append(fractions, fraction)
				mu.Unlock()
			},
		})
		if err != nil {
			t.Fatalf("Send(%d bytes): %v", size, err)
		}

		delivery := testutil.RequireReceive(t, deliveries, testTimeout, "waiting for %d bytes", size)
		if delivery.PeerID != "peer-a" || !delivery.Binary || delivery.JSON {
			t.Errorf("size %d: delivery %s binary=%v json=%v", size, delivery.PeerID, delivery.Binary, delivery.JSON)
		}
		if !bytes.Equal(delivery.Data, data) {
			t.Errorf("size %d: payload mismatch (got %d bytes)", size, len(delivery.Data))
		}

		mu.Lock()
		if len(fractions) == 0 || fractions[len(fractions)-1] != 1 {
			t.Errorf("size %d: progress %v does not end at 1", size, fractions)
		}
		for index := 1; index < len(fractions); index++ {
			if fractions[index] < fractions[index-1] {
				t.Errorf("size %d: progress decreased: %v", size, fractions)
				break
			}
		}
		mu.Unlock()
	}
}

func TestActionEncodings(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	a, b := h.connectPair()
	send := makeAction(t, a.room, "mixed")
	deliveries := receiver(t, b.room, "mixed")
	ctx := context.Background()

	tests := []struct {
		name   string
		value  any
		binary bool
		json   bool
		text   string
	}{
		{name: "string", value: "héllo", text: "héllo"},
		{name: "empty string", value: "", text: ""},
		{name: "bytes", value: []byte("raw"), binary: true, text: "raw"},
		{name: "object", value: map[string]int{"x": 1}, json: true, text: `{"x":1}`},
		{name: "number", value: 42, json: true, text: "42"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if err := send.Send(ctx, test.value, SendOptions{}); err != nil {
				t.Fatalf("Send: %v", err)
			}
			delivery := testutil.RequireReceive(t, deliveries, testTimeout, "waiting for delivery")
			if delivery.Binary != test.binary || delivery.JSON != test.json {
				t.Errorf("binary=%v json=%v", delivery.Binary, delivery.JSON)
			}
			if delivery.Text() != test.text {
				t.Errorf("Text() = %q, want %q", delivery.Text(), test.text)
			}
		})
	}

	if err := send.Send(ctx, nil, SendOptions{}); !errors.Is(err, protocol.ErrNilData) {
		t.Errorf("Send(nil) = %v, want ErrNilData", err)
	}
}

func TestActionNames(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	a := h.join("peer-a", "")

	tests := []struct {
		name string
		err  error
	}{
		{name: "exactly12byt"},
		{name: "short"},
		{name: "thirteen-byte", err: protocol.ErrTypeTooLong},
		{name: "", err: protocol.ErrTypeEmpty},
		{name: "@_mine", err: ErrReservedAction},
	}
	for _, test := range tests {
		_, err := a.room.MakeAction(test.name, ActionOptions{})
		if test.err == nil && err != nil {
			t.Errorf("MakeAction(%q) = %v", test.name, err)
		}
		if test.err != nil && !errors.Is(err, test.err) {
			t.Errorf("MakeAction(%q) = %v, want %v", test.name, err, test.err)
		}
	}

	first := makeAction(t, a.room, "cached", ActionOptions{Compression: protocol.CompressionZstd})
	second := makeAction(t, a.room, "cached", ActionOptions{})
	if first != second {
		t.Error("repeated MakeAction returned a new action")
	}
	if second.compression != protocol.CompressionZstd {
		t.Error("later options replaced the first registration's")
	}
}

func TestNonceWraparound(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	a, b := h.connectPair()
	send := makeAction(t, a.room, "count")
	deliveries := receiver(t, b.room, "count")

	const sends = 300
	for index := range sends {
		if err := send.Send(context.Background(), index, SendOptions{}); err != nil {
			t.Fatalf("Send %d: %v", index, err)
		}
	}
	for index := range sends {
		delivery := testutil.RequireReceive(t, deliveries, testTimeout, "waiting for message %d", index)
		var got int
		if err := delivery.Decode(&got); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != index {
			t.Fatalf("message %d carried %d", index, got)
		}
	}
}

func TestMetadata(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	a, b := h.connectPair()
	send := makeAction(t, a.room, "file")
	deliveries := receiver(t, b.room, "file")
	ctx := context.Background()

	meta := map[string]string{"name": "photo.jpg"}
	if err := send.Send(ctx, patterned(protocol.PayloadSize*2), SendOptions{Metadata: meta}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	delivery := testutil.RequireReceive(t, deliveries, testTimeout, "waiting for file")
	var got map[string]string
	if err := json.Unmarshal(delivery.Metadata, &got); err != nil || got["name"] != "photo.jpg" {
		t.Errorf("metadata = %s (%v)", delivery.Metadata, err)
	}

	if err := send.Send(ctx, "text", SendOptions{Metadata: meta}); !errors.Is(err, protocol.ErrMetadataNotBinary) {
		t.Errorf("metadata with string = %v, want ErrMetadataNotBinary", err)
	}

	for _, metadata := range []any{42, "name", []int{1, 2}, true} {
		if err := send.Send(ctx, []byte{1, 2, 3}, SendOptions{Metadata: metadata}); !errors.Is(err, protocol.ErrMetadataNotObject) {
			t.Errorf("metadata %#v: error = %v, want ErrMetadataNotObject", metadata, err)
		}
	}
	testutil.RequireNoReceive(t, deliveries, 50*time.Millisecond, "rejected sends must not deliver")
}

func TestDeliveriesQueueUntilReceiver(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	a, b := h.connectPair()
	send := makeAction(t, a.room, "early")
	for _, text := range []string{"one", "two", "three"} {
		if err := send.Send(context.Background(), text, SendOptions{}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	// Registration may race the last chunk; the queue must still yield
	// every message in order.
	deliveries := receiver(t, b.room, "early")
	for _, want := range []string{"one", "two", "three"} {
		delivery := testutil.RequireReceive(t, deliveries, testTimeout, "waiting for %q", want)
		if delivery.Text() != want {
			t.Errorf("got %q, want %q", delivery.Text(), want)
		}
	}
}

// injectText feeds a single-chunk string message from peerID straight
// into r, as if it had arrived on conn.
func injectText(t *testing.T, r *Room, peerID string, conn transport.Conn, name string, nonce uint8, text string) {
	t.Helper()
	typeName, err := protocol.EncodeType(name)
	if err != nil {
		t.Fatalf("EncodeType: %v", err)
	}
	encoded, kind, err := protocol.Encode(text)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	chunks, err := protocol.Split(protocol.Transmission{Type: typeName, Nonce: nonce, Data: encoded, Kind: kind})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	for _, chunk := range chunks {
		r.handleData(peerID, conn, chunk)
	}
}

func TestQueuedReplayKeepsOrderWithConcurrentArrival(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	_, b := h.connectPair()
	conn := b.conn(t, "peer-a")
	action := makeAction(t, b.room, "ordered")

	injectText(t, b.room, "peer-a", conn, "ordered", 0, "one")
	injectText(t, b.room, "peer-a", conn, "ordered", 1, "two")

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	registered := make(chan struct{})
	go func() {
		defer close(registered)
		action.OnReceive(func(delivery Delivery) {
			if delivery.Text() == "one" {
				close(started)
				<-release
			}
			mu.Lock()
			order = append(order, delivery.Text())
			mu.Unlock()
		})
	}()

	testutil.RequireClosed(t, started, testTimeout, "replay of the first queued delivery")
	injectText(t, b.room, "peer-a", conn, "ordered", 2, "three")
	close(release)
	testutil.RequireClosed(t, registered, testTimeout, "OnReceive returning")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "one" || order[1] != "two" || order[2] != "three" {
		t.Errorf("delivery order = %v, want [one two three]", order)
	}
}

func TestReceiveProgress(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	a, b := h.connectPair()
	send := makeAction(t, a.room, "big")
	deliveries := receiver(t, b.room, "big")
	progress := make(chan Progress, 64)
	action := makeAction(t, b.room, "big", ActionOptions{})
	action.OnProgress(func(p Progress) { progress <- p })

	if err := send.Send(context.Background(), patterned(protocol.PayloadSize*4), SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	testutil.RequireReceive(t, deliveries, testTimeout, "waiting for delivery")

	var last float64
	for range 4 {
		p := testutil.RequireReceive(t, progress, testTimeout, "waiting for progress")
		if p.PeerID != "peer-a" || p.Fraction < last {
			t.Errorf("progress %+v after %v", p, last)
		}
		last = p.Fraction
	}
	if last != 1 {
		t.Errorf("final progress = %v", last)
	}
}

func TestCompressedAction(t *testing.T) {
	for _, compression := range []protocol.Compression{protocol.CompressionLZ4, protocol.CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			h := newHarness(t, 1, memory.Options{})
			a, b := h.connectPair()
			send := makeAction(t, a.room, "log", ActionOptions{Compression: compression})
			deliveries := receiver(t, b.room, "log")

			data := []byte(strings.Repeat("meshroom compresses repetitive payloads. ", 4096))
			if err := send.Send(context.Background(), data, SendOptions{}); err != nil {
				t.Fatalf("Send: %v", err)
			}
			delivery := testutil.RequireReceive(t, deliveries, testTimeout, "waiting for payload")
			if !bytes.Equal(delivery.Data, data) {
				t.Errorf("payload mismatch: %d bytes", len(delivery.Data))
			}
			if sent := a.conn(t, "peer-b").Sent(); sent*protocol.ChunkSize >= len(data) {
				t.Errorf("%d chunks sent for %d compressible bytes", sent, len(data))
			}
		})
	}
}

func TestTargetedSend(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	a := h.join("peer-a", "")
	b := h.join("peer-b", "")
	c := h.join("peer-c", "")
	for range 2 {
		testutil.RequireReceive(t, a.joins, testTimeout, "peer-a joins")
	}
	testutil.RequireReceive(t, c.joins, testTimeout, "peer-c joins")

	send := makeAction(t, a.room, "whisper")
	toB := receiver(t, b.room, "whisper")
	toC := receiver(t, c.room, "whisper")

	if err := send.Send(context.Background(), "psst", SendOptions{Targets: []string{"peer-c", "peer-gone"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := testutil.RequireReceive(t, toC, testTimeout, "peer-c delivery"); got.Text() != "psst" {
		t.Errorf("peer-c got %q", got.Text())
	}
	testutil.RequireNoReceive(t, toB, 50*time.Millisecond, "untargeted peer received")
}

func TestTypedAction(t *testing.T) {
	type chat struct {
		Text string `json:"text"`
		Seq  int    `json:"seq"`
	}
	h := newHarness(t, 1, memory.Options{})
	a, b := h.connectPair()

	send, err := MakeTypedAction[chat](a.room, "chat", ActionOptions{})
	if err != nil {
		t.Fatalf("MakeTypedAction: %v", err)
	}
	receive, err := MakeTypedAction[chat](b.room, "chat", ActionOptions{})
	if err != nil {
		t.Fatalf("MakeTypedAction: %v", err)
	}
	type message struct {
		value chat
		from  string
	}
	messages := make(chan message, 4)
	receive.OnReceive(func(value chat, peerID string) { messages <- message{value, peerID} })

	if err := send.Send(context.Background(), chat{Text: "hi", Seq: 7}, SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := testutil.RequireReceive(t, messages, testTimeout, "waiting for chat")
	if got.value != (chat{Text: "hi", Seq: 7}) || got.from != "peer-a" {
		t.Errorf("got %+v", got)
	}

	err = send.Send(context.Background(), chat{Text: "with meta"}, SendOptions{Metadata: map[string]string{"k": "v"}})
	if !errors.Is(err, protocol.ErrMetadataNotBinary) {
		t.Errorf("typed send with metadata: error = %v, want ErrMetadataNotBinary", err)
	}

	// A string typed action still travels as JSON.
	names, err := MakeTypedAction[string](a.room, "name", ActionOptions{})
	if err != nil {
		t.Fatalf("MakeTypedAction: %v", err)
	}
	raw := receiver(t, b.room, "name")
	if err := names.Send(context.Background(), "ada", SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if delivery := testutil.RequireReceive(t, raw, testTimeout, "waiting for name"); !delivery.JSON || delivery.Text() != `"ada"` {
		t.Errorf("typed string delivered as %q (json=%v)", delivery.Text(), delivery.JSON)
	}
}

func TestPing(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	a, _ := h.connectPair()
	ctx := context.Background()

	if _, err := a.room.Ping(ctx, "peer-b"); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, err := a.room.Ping(ctx, "peer-nobody"); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("Ping unknown peer = %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := a.room.Ping(cancelled, "peer-b"); !errors.Is(err, context.Canceled) {
		t.Errorf("Ping with cancelled context = %v", err)
	}
}

func TestPeerLeaveNotices(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	a, b := h.connectPair()

	h.leave(b.room)
	if got := testutil.RequireReceive(t, a.leaves, testTimeout, "waiting for leave"); got != "peer-b" {
		t.Errorf("leave for %q", got)
	}
	testutil.RequireNoReceive(t, a.leaves, 50*time.Millisecond, "leave reported twice")
	if peers := a.room.Peers(); len(peers) != 0 {
		t.Errorf("peers after leave: %v", peers)
	}

	if _, err := b.room.MakeAction("late", ActionOptions{}); !errors.Is(err, ErrRoomClosed) {
		t.Errorf("MakeAction after Leave = %v", err)
	}
}

func TestSendAfterLeave(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	a, _ := h.connectPair()
	send := makeAction(t, a.room, "after")
	h.leave(a.room)

	if err := send.Send(context.Background(), "x", SendOptions{}); !errors.Is(err, ErrRoomClosed) {
		t.Errorf("Send after Leave = %v", err)
	}
	if _, err := a.room.Ping(context.Background(), "peer-b"); !errors.Is(err, ErrRoomClosed) {
		t.Errorf("Ping after Leave = %v", err)
	}
	if err := a.room.Leave(context.Background()); err != nil {
		t.Errorf("second Leave = %v", err)
	}
}

func TestOnPeerJoinReplaysCurrentPeers(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	a, _ := h.connectPair()

	replayed := make(chan string, 4)
	a.room.OnPeerJoin(func(peerID string) { replayed <- peerID })
	if got := testutil.RequireReceive(t, replayed, testTimeout, "waiting for replay"); got != "peer-b" {
		t.Errorf("replayed %q", got)
	}
}

func TestTracksCarryMetadata(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	a, b := h.connectPair()
	ctx := context.Background()

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", "call")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	if err := a.room.AddStream(ctx, "call", []webrtc.TrackLocal{track}, TrackOptions{Metadata: map[string]string{"kind": "voice"}}); err != nil {
		t.Fatalf("AddStream: %v", err)
	}
	if tracks := a.conn(t, "peer-b").Tracks(); tracks != 1 {
		t.Fatalf("connection carries %d tracks", tracks)
	}

	eventually(t, func() bool {
		b.room.mu.Lock()
		defer b.room.mu.Unlock()
		peer, ok := b.room.peers["peer-a"]
		return ok && peer.streamMetadata["call"] != nil && peer.trackMetadata != nil && len(peer.trackMetadata) == 1
	}, "stream and track notices did not arrive")

	if err := a.room.RemoveStream("call"); err != nil {
		t.Fatalf("RemoveStream: %v", err)
	}
	if tracks := a.conn(t, "peer-b").Tracks(); tracks != 0 {
		t.Errorf("connection still carries %d tracks", tracks)
	}
	if err := a.room.RemoveTrack("mic"); err == nil {
		t.Error("removing an unshared track succeeded")
	}

	other, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "cam", "elsewhere")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	if err := a.room.AddStream(ctx, "call", []webrtc.TrackLocal{other}, TrackOptions{}); err == nil {
		t.Error("AddStream accepted a track of another stream")
	}
}

func TestBroadcastTrackReachesLateJoiner(t *testing.T) {
	h := newHarness(t, 1, memory.Options{})
	a := h.join("peer-a", "")
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", "call")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	if err := a.room.AddTrack(context.Background(), track, TrackOptions{Metadata: "hello"}); err != nil {
		t.Fatalf("AddTrack with no peers: %v", err)
	}

	b := h.join("peer-b", "")
	testutil.RequireReceive(t, a.joins, testTimeout, "peer-a waiting for peer-b")
	eventually(t, func() bool {
		conn, ok := a.room.Conn("peer-b")
		return ok && conn.(interface{ Tracks() int }).Tracks() == 1
	}, "late joiner did not get the track")
	eventually(t, func() bool {
		b.room.mu.Lock()
		defer b.room.mu.Unlock()
		peer, ok := b.room.peers["peer-a"]
		return ok && string(peer.trackMetadata["mic"]) == `"hello"`
	}, "late joiner did not get the track metadata")
}
