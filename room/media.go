// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/meshroom/transport"
)

// TrackOptions configures AddTrack and AddStream.
type TrackOptions struct {
	// Targets limits the media to these peers. Nil shares it with
	// every current peer and every peer that joins later.
	Targets []string

	// Metadata is marshalled to JSON and delivered to receivers with
	// the track.
	Metadata any
}

// PeerTrack is a remote track together with the metadata its sender
// attached to it or to its stream.
type PeerTrack struct {
	PeerID   string
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
	Metadata json.RawMessage
}

// trackNotice announces a track before it is added to a connection.
type trackNotice struct {
	TrackID  string          `json:"trackId"`
	StreamID string          `json:"streamId"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// streamNotice announces a stream before its tracks are added.
type streamNotice struct {
	StreamID string          `json:"streamId"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// localTrack is a track this side shares.
type localTrack struct {
	track     webrtc.TrackLocal
	metadata  json.RawMessage
	broadcast bool
	senders   map[string]*webrtc.RTPSender
}

func marshalMetadata(metadata any) (json.RawMessage, error) {
	if metadata == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding media metadata: %w", err)
	}
	return encoded, nil
}

// OnPeerTrack sets the handler for remote tracks. Tracks that arrived
// before a handler was set are passed to it first.
func (r *Room) OnPeerTrack(handler func(PeerTrack)) {
	r.mu.Lock()
	r.onPeerTrack = handler
	var pending []PeerTrack
	if handler != nil {
		pending = r.pendingTracks
		r.pendingTracks = nil
	}
	r.mu.Unlock()

	for _, track := range pending {
		handler(track)
	}
}

// AddTrack sends track to the targeted peers. The metadata reaches each
// receiver before the track does.
func (r *Room) AddTrack(ctx context.Context, track webrtc.TrackLocal, options TrackOptions) error {
	metadata, err := marshalMetadata(options.Metadata)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	local, ok := r.localTracks[track.ID()]
	if !ok {
		local = &localTrack{track: track, senders: make(map[string]*webrtc.RTPSender)}
		r.localTracks[track.ID()] = local
	}
	local.metadata = metadata
	local.broadcast = local.broadcast || options.Targets == nil
	targets := r.targetsLocked(options.Targets)
	r.mu.Unlock()

	var errs []error
	for _, target := range targets {
		if err := r.shareTrack(ctx, target, local); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveTrack stops sending the track with trackID to every peer.
func (r *Room) RemoveTrack(trackID string) error {
	r.mu.Lock()
	local, ok := r.localTracks[trackID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("room: track %q is not shared", trackID)
	}
	delete(r.localTracks, trackID)
	type removal struct {
		conn   transport.Conn
		sender *webrtc.RTPSender
	}
	removals := make([]removal, 0, len(local.senders))
	for peerID, sender := range local.senders {
		if peer, ok := r.peers[peerID]; ok {
			removals = append(removals, removal{conn: peer.conn, sender: sender})
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, removal := range removals {
		if err := removal.conn.RemoveTrack(removal.sender); err != nil && !removal.conn.Dead() {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AddStream shares a group of tracks under streamID. Every track must
// carry streamID as its stream id; receivers without per-track metadata
// get the stream's.
func (r *Room) AddStream(ctx context.Context, streamID string, tracks []webrtc.TrackLocal, options TrackOptions) error {
	for _, track := range tracks {
		if track.StreamID() != streamID {
			return fmt.Errorf("room: track %q belongs to stream %q, not %q", track.ID(), track.StreamID(), streamID)
		}
	}
	metadata, err := marshalMetadata(options.Metadata)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if options.Targets == nil {
		r.localStreams[streamID] = metadata
	}
	r.mu.Unlock()

	notice := streamNotice{StreamID: streamID, Metadata: metadata}
	if err := r.stream.Send(ctx, notice, SendOptions{Targets: options.Targets}); err != nil {
		return fmt.Errorf("announcing stream %q: %w", streamID, err)
	}
	var errs []error
	for _, track := range tracks {
		if err := r.AddTrack(ctx, track, TrackOptions{Targets: options.Targets}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveStream stops sending every track of streamID.
func (r *Room) RemoveStream(streamID string) error {
	r.mu.Lock()
	delete(r.localStreams, streamID)
	var trackIDs []string
	for id, local := range r.localTracks {
		if local.track.StreamID() == streamID {
			trackIDs = append(trackIDs, id)
		}
	}
	r.mu.Unlock()

	slices.Sort(trackIDs)
	var errs []error
	for _, id := range trackIDs {
		if err := r.RemoveTrack(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// shareTrack announces local to one peer and adds it to the peer's
// connection.
func (r *Room) shareTrack(ctx context.Context, target peerTarget, local *localTrack) error {
	r.mu.Lock()
	_, already := local.senders[target.peerID]
	metadata := local.metadata
	r.mu.Unlock()
	if already {
		return nil
	}

	notice := trackNotice{TrackID: local.track.ID(), StreamID: local.track.StreamID(), Metadata: metadata}
	if err := r.track.Send(ctx, notice, SendOptions{Targets: []string{target.peerID}}); err != nil {
		return fmt.Errorf("announcing track %q to %s: %w", local.track.ID(), target.peerID, err)
	}
	sender, err := target.conn.AddTrack(local.track)
	if err != nil {
		if target.conn.Dead() {
			return nil
		}
		return fmt.Errorf("adding track %q for %s: %w", local.track.ID(), target.peerID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.localTracks[local.track.ID()] == local && r.peers[target.peerID] != nil {
		local.senders[target.peerID] = sender
	}
	return nil
}

// sharedMediaLocked snapshots what a newly joined peer should receive.
// Caller holds r.mu.
func (r *Room) sharedMediaLocked() (map[string]json.RawMessage, []*localTrack) {
	var streams map[string]json.RawMessage
	if len(r.localStreams) > 0 {
		streams = make(map[string]json.RawMessage, len(r.localStreams))
		for id, metadata := range r.localStreams {
			streams[id] = metadata
		}
	}
	var tracks []*localTrack
	for _, local := range r.localTracks {
		if local.broadcast {
			tracks = append(tracks, local)
		}
	}
	return streams, tracks
}

// shareMedia brings a newly joined peer up to date with the streams and
// tracks shared with everyone.
func (r *Room) shareMedia(peerID string, conn transport.Conn, streams map[string]json.RawMessage, tracks []*localTrack) {
	recipient := peerTarget{peerID: peerID, conn: conn}
	for streamID, metadata := range streams {
		notice := streamNotice{StreamID: streamID, Metadata: metadata}
		if err := r.stream.Send(r.ctx, notice, SendOptions{Targets: []string{peerID}}); err != nil {
			r.logger.Debug("announcing stream to new peer failed", "peer", peerID, "stream", streamID, "error", err)
		}
	}
	for _, local := range tracks {
		if err := r.shareTrack(r.ctx, recipient, local); err != nil {
			r.logger.Warn("sharing track with new peer failed", "peer", peerID, "track", local.track.ID(), "error", err)
		}
	}
}

func (r *Room) handleTrackNotice(delivery Delivery) {
	var notice trackNotice
	if err := delivery.Decode(&notice); err != nil || notice.TrackID == "" {
		r.logger.Debug("malformed track notice", "peer", delivery.PeerID, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer, ok := r.peers[delivery.PeerID]; ok {
		peer.trackMetadata[notice.TrackID] = notice.Metadata
	}
}

func (r *Room) handleStreamNotice(delivery Delivery) {
	var notice streamNotice
	if err := delivery.Decode(&notice); err != nil || notice.StreamID == "" {
		r.logger.Debug("malformed stream notice", "peer", delivery.PeerID, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if peer, ok := r.peers[delivery.PeerID]; ok {
		peer.streamMetadata[notice.StreamID] = notice.Metadata
	}
}

// handleTrack pairs a remote track with its announced metadata and
// passes it on.
func (r *Room) handleTrack(peerID string, event transport.TrackEvent) {
	r.mu.Lock()
	peer, ok := r.peers[peerID]
	if !ok || r.dead {
		r.mu.Unlock()
		return
	}
	metadata := peer.trackMetadata[event.Track.ID()]
	if metadata == nil {
		metadata = peer.streamMetadata[event.Track.StreamID()]
	}
	track := PeerTrack{PeerID: peerID, Track: event.Track, Receiver: event.Receiver, Metadata: metadata}
	handler := r.onPeerTrack
	if handler == nil {
		if len(r.pendingTracks) >= maxPendingTracks {
			r.pendingTracks = r.pendingTracks[1:]
		}
		r.pendingTracks = append(r.pendingTracks, track)
	}
	r.mu.Unlock()

	if handler != nil {
		handler(track)
	}
}
