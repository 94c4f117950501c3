// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/meshroom/lib/clock"
	"github.com/bureau-foundation/meshroom/protocol"
	"github.com/bureau-foundation/meshroom/transport"
)

// internalPrefix starts the names of the room's own actions.
// Application actions may not use it.
const internalPrefix = "@_"

const (
	actionPing   = internalPrefix + "ping"
	actionPong   = internalPrefix + "pong"
	actionSignal = internalPrefix + "signal"
	actionStream = internalPrefix + "stream"
	actionTrack  = internalPrefix + "track"
	actionLeave  = internalPrefix + "leave"
)

// leaveFlushDelay gives leave notices time to drain before the
// connections carrying them are closed.
const leaveFlushDelay = 99 * time.Millisecond

// maxActions bounds the action table. Chunks for unknown names create
// entries that queue deliveries, so a misbehaving peer could otherwise
// grow it without limit.
const maxActions = 1024

// maxPendingTracks bounds remote tracks held for a missing OnPeerTrack
// handler.
const maxPendingTracks = 64

type roomConfig struct {
	id     string
	selfID string
	clock  clock.Clock
	logger *slog.Logger
	leave  func()
}

// Room is a joined room. Peers appear on it as their connections come
// up and disappear when they close or leave. It is safe for concurrent
// use.
type Room struct {
	id            string
	selfID        string
	clock         clock.Clock
	logger        *slog.Logger
	leaveStrategy func()

	// ctx is cancelled by Leave and bounds the room's own sends.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	ping, pong, signal, stream, track, leave *Action

	mu            sync.Mutex
	dead          bool
	peers         map[string]*roomPeer
	actions       map[string]*Action
	reassembler   *protocol.Reassembler
	lastEviction  time.Time
	onPeerJoin    func(peerID string)
	onPeerLeave   func(peerID string)
	onPeerTrack   func(PeerTrack)
	pendingTracks []PeerTrack
	pingSequence  uint64
	pings         map[uint64]*pendingPing
	localTracks   map[string]*localTrack
	localStreams  map[string]json.RawMessage
}

// roomPeer is a connected remote peer.
type roomPeer struct {
	conn   transport.Conn
	joined time.Time

	// Media metadata announced by the peer, by track and stream id.
	trackMetadata  map[string]json.RawMessage
	streamMetadata map[string]json.RawMessage
}

func newRoom(config roomConfig) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		id:            config.id,
		selfID:        config.selfID,
		clock:         config.clock,
		logger:        config.logger,
		leaveStrategy: config.leave,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		peers:         make(map[string]*roomPeer),
		actions:       make(map[string]*Action),
		reassembler:   protocol.NewReassembler(),
		lastEviction:  config.clock.Now(),
		pings:         make(map[uint64]*pendingPing),
		localTracks:   make(map[string]*localTrack),
		localStreams:  make(map[string]json.RawMessage),
	}
	r.ping = r.internalAction(actionPing, r.handlePing)
	r.pong = r.internalAction(actionPong, r.handlePong)
	r.signal = r.internalAction(actionSignal, r.handleSignal)
	r.stream = r.internalAction(actionStream, r.handleStreamNotice)
	r.track = r.internalAction(actionTrack, r.handleTrackNotice)
	r.leave = r.internalAction(actionLeave, r.handleLeaveNotice)
	return r
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// SelfID returns the local peer id.
func (r *Room) SelfID() string { return r.selfID }

// Done is closed when the room has left.
func (r *Room) Done() <-chan struct{} { return r.done }

// Peers returns the ids of the connected peers, sorted.
func (r *Room) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerIDsLocked()
}

func (r *Room) peerIDsLocked() []string {
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Conn returns the connection to peerID.
func (r *Room) Conn(peerID string) (transport.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[peerID]
	if !ok {
		return nil, false
	}
	return peer.conn, true
}

// OnPeerJoin sets the handler for peers joining. It is called at once
// for every peer already connected.
func (r *Room) OnPeerJoin(handler func(peerID string)) {
	r.mu.Lock()
	r.onPeerJoin = handler
	current := r.peerIDsLocked()
	r.mu.Unlock()
	if handler == nil {
		return
	}
	for _, id := range current {
		handler(id)
	}
}

// OnPeerLeave sets the handler for peers leaving.
func (r *Room) OnPeerLeave(handler func(peerID string)) {
	r.mu.Lock()
	r.onPeerLeave = handler
	r.mu.Unlock()
}

// hasPeer reports whether conn is still the connection to peerID.
func (r *Room) hasPeer(peerID string, conn transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[peerID]
	return ok && peer.conn == conn
}

// addPeer registers a connected peer and starts routing its data.
func (r *Room) addPeer(peerID string, conn transport.Conn) {
	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		conn.Destroy()
		return
	}
	previous := r.peers[peerID]
	if previous != nil && previous.conn == conn {
		r.mu.Unlock()
		return
	}
	if previous != nil {
		r.forgetPeerLocked(peerID)
	}
	r.peers[peerID] = &roomPeer{
		conn:           conn,
		joined:         r.clock.Now(),
		trackMetadata:  make(map[string]json.RawMessage),
		streamMetadata: make(map[string]json.RawMessage),
	}
	onJoin, onLeave := r.onPeerJoin, r.onPeerLeave
	streams, tracks := r.sharedMediaLocked()
	r.mu.Unlock()

	if previous != nil {
		previous.conn.Destroy()
		if onLeave != nil {
			onLeave(peerID)
		}
	}
	r.logger.Info("peer joined", "peer", peerID)
	if onJoin != nil {
		onJoin(peerID)
	}

	conn.SetHandlers(transport.Handlers{
		Data:   func(data []byte) { r.handleData(peerID, conn, data) },
		Signal: func(description webrtc.SessionDescription) { r.forwardSignal(peerID, description) },
		Track:  func(event transport.TrackEvent) { r.handleTrack(peerID, event) },
		Error: func(err error) {
			r.logger.Warn("peer connection error", "peer", peerID, "error", err)
			r.removePeer(peerID, conn)
		},
	})
	if len(streams) > 0 || len(tracks) > 0 {
		go r.shareMedia(peerID, conn, streams, tracks)
	}
}

// removePeer drops peerID if conn is still its connection, destroys
// conn, and reports the peer as gone.
func (r *Room) removePeer(peerID string, conn transport.Conn) {
	r.mu.Lock()
	peer, ok := r.peers[peerID]
	if !ok || peer.conn != conn {
		r.mu.Unlock()
		conn.Destroy()
		return
	}
	r.forgetPeerLocked(peerID)
	onLeave := r.onPeerLeave
	connected := r.clock.Now().Sub(peer.joined)
	r.mu.Unlock()

	conn.Destroy()
	r.logger.Info("peer left", "peer", peerID, "connected", connected)
	if onLeave != nil {
		onLeave(peerID)
	}
}

// forgetPeerLocked removes every trace of peerID. Caller holds r.mu.
func (r *Room) forgetPeerLocked(peerID string) {
	delete(r.peers, peerID)
	r.reassembler.DropPeer(peerID)
	for id, ping := range r.pings {
		if ping.peerID == peerID {
			ping.finish(ErrPeerNotFound)
			delete(r.pings, id)
		}
	}
	for _, track := range r.localTracks {
		delete(track.senders, peerID)
	}
}

// handleData feeds one data channel message into reassembly and
// delivers completed messages.
func (r *Room) handleData(peerID string, conn transport.Conn, data []byte) {
	chunk, err := protocol.ParseChunk(data)
	if err != nil {
		r.logger.Debug("dropping malformed chunk", "peer", peerID, "error", err)
		return
	}
	now := r.clock.Now()

	r.mu.Lock()
	if peer, ok := r.peers[peerID]; r.dead || !ok || peer.conn != conn {
		r.mu.Unlock()
		return
	}
	if now.Sub(r.lastEviction) > protocol.StaleTransmissionAge {
		r.reassembler.Evict(now.Add(-protocol.StaleTransmissionAge))
		r.lastEviction = now
	}
	action := r.actions[chunk.Type]
	if action == nil {
		if len(r.actions) >= maxActions {
			r.mu.Unlock()
			r.logger.Warn("dropping chunk for unknown action", "peer", peerID, "action", chunk.Type)
			return
		}
		action = r.newActionLocked(chunk.Type, protocol.TypeName{})
	}
	message, err := r.reassembler.Add(peerID, chunk, now)
	onProgress := action.onProgress
	var deliver func(Delivery)
	var delivery Delivery
	if err == nil && message != nil {
		delivery = newDelivery(message)
		if action.onReceive == nil || action.draining {
			action.enqueueLocked(delivery)
		} else {
			deliver = action.onReceive
		}
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("dropping transmission", "peer", peerID, "action", chunk.Type, "error", err)
		return
	}
	if onProgress != nil {
		onProgress(Progress{PeerID: peerID, Fraction: protocol.ProgressFraction(chunk.Progress)})
	}
	if deliver != nil {
		deliver(delivery)
	}
}

// targetsLocked resolves send targets. Nil means every peer; ids that
// are not connected are skipped. Caller holds r.mu.
func (r *Room) targetsLocked(ids []string) []peerTarget {
	if ids == nil {
		targets := make([]peerTarget, 0, len(r.peers))
		for id, peer := range r.peers {
			targets = append(targets, peerTarget{peerID: id, conn: peer.conn})
		}
		return targets
	}
	targets := make([]peerTarget, 0, len(ids))
	for _, id := range ids {
		if peer, ok := r.peers[id]; ok {
			targets = append(targets, peerTarget{peerID: id, conn: peer.conn})
		}
	}
	return targets
}

type peerTarget struct {
	peerID string
	conn   transport.Conn
}

// Leave notifies the peers, closes every connection, and leaves the
// room's relays. The room cannot be used afterwards; joining the same
// room id again starts from scratch. Leave is idempotent.
func (r *Room) Leave(ctx context.Context) error {
	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return nil
	}
	hasPeers := len(r.peers) > 0
	r.mu.Unlock()

	if hasPeers {
		if err := r.leave.Send(ctx, "", SendOptions{}); err != nil {
			r.logger.Debug("sending leave notice failed", "error", err)
		}
		select {
		case <-r.clock.After(leaveFlushDelay):
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return nil
	}
	r.dead = true
	peers := r.peers
	r.peers = make(map[string]*roomPeer)
	for id, ping := range r.pings {
		ping.finish(ErrRoomClosed)
		delete(r.pings, id)
	}
	r.reassembler = protocol.NewReassembler()
	onLeave := r.onPeerLeave
	r.mu.Unlock()

	r.cancel()
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		peers[id].conn.Destroy()
		if onLeave != nil {
			onLeave(id)
		}
	}
	r.leaveStrategy()
	close(r.done)
	r.logger.Info("room closed", "peers", len(ids))
	return nil
}
