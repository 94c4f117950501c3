// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/meshroom/lib/clock"
)

// Compile-time interface check.
var _ Conn = (*Peer)(nil)

// DataChannelLabel is the label of the one data channel a Peer uses.
const DataChannelLabel = "data"

// DefaultGatherTimeout is the maximum time to wait for ICE candidate
// gathering before handing out a possibly incomplete description.
const DefaultGatherTimeout = 15 * time.Second

// DefaultDisconnectGrace is how long a disconnected ICE transport may
// stay disconnected before the peer is closed.
const DefaultDisconnectGrace = 5 * time.Second

// bufferedAmountLowThreshold is the low-water mark for WaitWritable.
const bufferedAmountLowThreshold = 0xffff

// PeerConfig configures NewPeer.
type PeerConfig struct {
	// Initiator creates the data channel and the first offer.
	Initiator bool

	// RTC is passed to pion unchanged (ICE servers, policies).
	RTC webrtc.Configuration

	// API builds the PeerConnection. Nil uses NewAPI with defaults.
	API *webrtc.API

	Clock  clock.Clock
	Logger *slog.Logger

	// Zero values select DefaultGatherTimeout and
	// DefaultDisconnectGrace.
	GatherTimeout   time.Duration
	DisconnectGrace time.Duration
}

// Peer is the pion-backed Conn.
type Peer struct {
	initiator       bool
	created         time.Time
	clock           clock.Clock
	logger          *slog.Logger
	gatherTimeout   time.Duration
	disconnectGrace time.Duration
	connection      *webrtc.PeerConnection

	// sdpMu serializes description mutations so rollback decisions see
	// a consistent signaling state. It is never held while waiting for
	// candidate gathering.
	sdpMu sync.Mutex

	mu                  sync.Mutex
	channel             *webrtc.DataChannel
	channelOpen         bool
	makingOffer         bool
	remoteAnswerPending bool
	dead                bool
	graceTimer          *clock.Timer
	unhealthySince      time.Time
	writable            chan struct{}
	errorHandler        func(error)

	done       chan struct{}
	offerReady chan struct{}
	offer      webrtc.SessionDescription
	offerErr   error

	connects mailbox[struct{}]
	closes   mailbox[struct{}]
	data     mailbox[[]byte]
	signals  mailbox[webrtc.SessionDescription]
	tracks   mailbox[TrackEvent]
}

// NewAPIOptions configures NewAPI.
type NewAPIOptions struct {
	// IncludeLoopback gathers loopback host candidates. Needed when
	// peers share a host with no other interface, as in tests.
	IncludeLoopback bool
}

// NewAPI returns a pion API with the default codecs registered so that
// media tracks can be negotiated alongside the data channel.
func NewAPI(options NewAPIOptions) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering default codecs: %w", err)
	}
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(options.IncludeLoopback)
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

// NewPeer creates a PeerConnection. An initiator immediately starts
// producing its first offer; collect it with Offer.
func NewPeer(config PeerConfig) (*Peer, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = DefaultGatherTimeout
	}
	if config.DisconnectGrace <= 0 {
		config.DisconnectGrace = DefaultDisconnectGrace
	}
	api := config.API
	if api == nil {
		var err error
		if api, err = NewAPI(NewAPIOptions{}); err != nil {
			return nil, err
		}
	}

	connection, err := api.NewPeerConnection(config.RTC)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := &Peer{
		initiator:       config.Initiator,
		created:         config.Clock.Now(),
		clock:           config.Clock,
		logger:          config.Logger,
		gatherTimeout:   config.GatherTimeout,
		disconnectGrace: config.DisconnectGrace,
		connection:      connection,
		writable:        make(chan struct{}),
		done:            make(chan struct{}),
		offerReady:      make(chan struct{}),
	}

	connection.OnICEConnectionStateChange(peer.handleICEState)
	connection.OnNegotiationNeeded(peer.handleNegotiationNeeded)
	connection.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		peer.tracks.deliver(TrackEvent{Track: track, Receiver: receiver})
	})

	if !config.Initiator {
		peer.offerErr = ErrNotInitiator
		close(peer.offerReady)
		connection.OnDataChannel(peer.acceptChannel)
		return peer, nil
	}

	ordered := true
	channel, err := connection.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		connection.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	peer.setupChannel(channel)
	go peer.produceFirstOffer()
	return peer, nil
}

// Offer waits for the initiator's first offer. Returns ErrNotInitiator
// on the answering side.
func (p *Peer) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	select {
	case <-p.offerReady:
		return p.offer, p.offerErr
	case <-p.done:
		return webrtc.SessionDescription{}, ErrClosed
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
}

func (p *Peer) produceFirstOffer() {
	description, err := p.makeOffer(context.Background())
	if err == nil && description == nil {
		err = errors.New("first offer superseded before gathering finished")
	}
	if err == nil {
		p.offer = *description
	}
	p.offerErr = err
	close(p.offerReady)
	if err != nil && !errors.Is(err, ErrClosed) {
		p.reportError(err)
	}
}

// makeOffer creates and sets a local offer, then waits for gathering.
// Returns nil without error when a rollback replaced the offer while
// it was gathering.
func (p *Peer) makeOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	p.makingOffer = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.makingOffer = false
		p.mu.Unlock()
	}()

	gathered, err := p.setLocal(func() (webrtc.SessionDescription, error) {
		return p.connection.CreateOffer(nil)
	})
	if err != nil {
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	if err := p.awaitGathering(ctx, gathered); err != nil {
		return nil, err
	}
	if p.connection.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return nil, nil
	}
	return p.connection.LocalDescription(), nil
}

// setLocal creates a description and installs it as the local one,
// returning the gathering-complete channel armed before installation.
func (p *Peer) setLocal(create func() (webrtc.SessionDescription, error)) (<-chan struct{}, error) {
	p.sdpMu.Lock()
	defer p.sdpMu.Unlock()
	return p.setLocalLocked(create)
}

func (p *Peer) setLocalLocked(create func() (webrtc.SessionDescription, error)) (<-chan struct{}, error) {
	if p.Dead() {
		return nil, ErrClosed
	}
	description, err := create()
	if err != nil {
		return nil, err
	}
	gathered := webrtc.GatheringCompletePromise(p.connection)
	if err := p.connection.SetLocalDescription(description); err != nil {
		return nil, fmt.Errorf("setting local description: %w", err)
	}
	return gathered, nil
}

func (p *Peer) awaitGathering(ctx context.Context, gathered <-chan struct{}) error {
	select {
	case <-gathered:
		return nil
	case <-p.clock.After(p.gatherTimeout):
		p.logger.Warn("ICE gathering incomplete, using partial description",
			"timeout", p.gatherTimeout,
		)
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal applies a remote description.
func (p *Peer) Signal(ctx context.Context, description webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if p.Dead() {
		return nil, ErrClosed
	}

	var (
		local *webrtc.SessionDescription
		err   error
	)
	switch description.Type {
	case webrtc.SDPTypeOffer:
		local, err = p.applyOffer(ctx, description)
	case webrtc.SDPTypeAnswer:
		err = p.applyAnswer(description)
	default:
		err = fmt.Errorf("unsupported description type %s", description.Type)
	}
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			p.reportError(err)
		}
		return nil, err
	}
	return local, nil
}

func (p *Peer) applyOffer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	p.sdpMu.Lock()
	state := p.negotiationState()
	decision := DecideOffer(state, p.initiator)
	if decision == OfferIgnore {
		p.sdpMu.Unlock()
		p.logger.Debug("ignoring colliding offer", "state", state.String())
		return nil, nil
	}
	if decision == OfferRollback && p.connection.SignalingState() != webrtc.SignalingStateStable {
		if err := p.connection.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			p.sdpMu.Unlock()
			return nil, fmt.Errorf("rolling back local offer: %w", err)
		}
	}
	if err := p.connection.SetRemoteDescription(offer); err != nil {
		p.sdpMu.Unlock()
		return nil, fmt.Errorf("setting remote offer: %w", err)
	}
	gathered, err := p.setLocalLocked(func() (webrtc.SessionDescription, error) {
		return p.connection.CreateAnswer(nil)
	})
	p.sdpMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("creating answer: %w", err)
	}

	if err := p.awaitGathering(ctx, gathered); err != nil {
		return nil, err
	}
	return p.connection.LocalDescription(), nil
}

func (p *Peer) applyAnswer(answer webrtc.SessionDescription) error {
	p.sdpMu.Lock()
	defer p.sdpMu.Unlock()

	p.mu.Lock()
	p.remoteAnswerPending = true
	p.mu.Unlock()

	err := p.connection.SetRemoteDescription(answer)

	p.mu.Lock()
	p.remoteAnswerPending = false
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	return nil
}

// negotiationState projects pion's signaling state plus the local
// flags onto the states DecideOffer understands.
func (p *Peer) negotiationState() NegotiationState {
	p.mu.Lock()
	makingOffer, answerPending := p.makingOffer, p.remoteAnswerPending
	p.mu.Unlock()

	if answerPending {
		return StateStable
	}
	if makingOffer {
		return StateMakingOffer
	}
	switch p.connection.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer:
		return StateHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return StateHaveRemoteOffer
	default:
		return StateStable
	}
}

// handleNegotiationNeeded renegotiates after the data channel is up.
// Before that the initial offer/answer exchange covers everything.
func (p *Peer) handleNegotiationNeeded() {
	p.mu.Lock()
	ready := p.channelOpen && !p.dead
	p.mu.Unlock()
	if !ready {
		return
	}

	go func() {
		description, err := p.makeOffer(context.Background())
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				p.reportError(fmt.Errorf("renegotiating: %w", err))
			}
			return
		}
		if description != nil {
			p.signals.deliver(*description)
		}
	}()
}

func (p *Peer) acceptChannel(channel *webrtc.DataChannel) {
	if channel.Label() != DataChannelLabel {
		p.logger.Debug("closing unexpected data channel", "label", channel.Label())
		channel.Close()
		return
	}
	p.setupChannel(channel)
}

func (p *Peer) setupChannel(channel *webrtc.DataChannel) {
	channel.SetBufferedAmountLowThreshold(bufferedAmountLowThreshold)
	channel.OnBufferedAmountLow(p.signalWritable)
	channel.OnOpen(func() {
		p.mu.Lock()
		if p.dead {
			p.mu.Unlock()
			return
		}
		p.channelOpen = true
		p.unhealthySince = time.Time{}
		p.mu.Unlock()
		p.connects.deliver(struct{}{})
	})
	channel.OnClose(p.Destroy)
	channel.OnMessage(func(message webrtc.DataChannelMessage) {
		p.data.deliver(message.Data)
	})

	p.mu.Lock()
	p.channel = channel
	p.mu.Unlock()
}

func (p *Peer) signalWritable() {
	p.mu.Lock()
	close(p.writable)
	p.writable = make(chan struct{})
	p.mu.Unlock()
}

func (p *Peer) handleICEState(state webrtc.ICEConnectionState) {
	p.logger.Debug("ICE state change", "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateChecking,
		webrtc.ICEConnectionStateConnected,
		webrtc.ICEConnectionStateCompleted:
		p.mu.Lock()
		p.graceTimer.Stop()
		p.graceTimer = nil
		if state != webrtc.ICEConnectionStateChecking {
			p.unhealthySince = time.Time{}
		}
		p.mu.Unlock()

	case webrtc.ICEConnectionStateDisconnected:
		p.mu.Lock()
		if p.unhealthySince.IsZero() {
			p.unhealthySince = p.clock.Now()
		}
		if p.dead || p.graceTimer != nil {
			p.mu.Unlock()
			return
		}
		p.graceTimer = p.clock.AfterFunc(p.disconnectGrace, func() {
			p.logger.Info("peer stayed disconnected past grace period", "grace", p.disconnectGrace)
			p.Destroy()
		})
		p.mu.Unlock()

	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		p.Destroy()
	}
}

// Send queues data on the channel.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	dead, channel, open := p.dead, p.channel, p.channelOpen
	p.mu.Unlock()

	if dead {
		return ErrClosed
	}
	if channel == nil || !open {
		return ErrNotConnected
	}
	if err := channel.Send(data); err != nil {
		return fmt.Errorf("sending on data channel: %w", err)
	}
	return nil
}

// WaitWritable blocks until the channel's buffered amount drops to the
// low-water mark.
func (p *Peer) WaitWritable(ctx context.Context) error {
	for {
		p.mu.Lock()
		dead, channel, open, writable := p.dead, p.channel, p.channelOpen, p.writable
		p.mu.Unlock()

		if dead {
			return ErrClosed
		}
		if channel == nil || !open {
			return ErrNotConnected
		}
		if channel.BufferedAmount() <= channel.BufferedAmountLowThreshold() {
			return nil
		}
		select {
		case <-writable:
		case <-p.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetHandlers installs the non-nil handlers and replays queued events.
func (p *Peer) SetHandlers(handlers Handlers) {
	if handlers.Error != nil {
		p.mu.Lock()
		p.errorHandler = handlers.Error
		p.mu.Unlock()
	}
	if handlers.Signal != nil {
		p.signals.attach(handlers.Signal)
	}
	if handlers.Data != nil {
		p.data.attach(handlers.Data)
	}
	if handlers.Track != nil {
		p.tracks.attach(handlers.Track)
	}
	if handlers.Connect != nil {
		connect := handlers.Connect
		p.connects.attach(func(struct{}) { connect() })
	}
	if handlers.Close != nil {
		closeHandler := handlers.Close
		p.closes.attach(func(struct{}) { closeHandler() })
	}
}

func (p *Peer) reportError(err error) {
	p.mu.Lock()
	handler := p.errorHandler
	p.mu.Unlock()

	if handler == nil {
		p.logger.Warn("peer connection error", "error", err)
		return
	}
	handler(err)
}

// Health reports the connection's health.
func (p *Peer) Health() Health {
	p.mu.Lock()
	dead, channel := p.dead, p.channel
	p.mu.Unlock()

	if dead {
		return Stale
	}
	if channel != nil && channel.ReadyState() == webrtc.DataChannelStateOpen {
		return Healthy
	}
	switch p.connection.ConnectionState() {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return Stale
	}
	return Transient
}

// UnhealthySince reports when ICE last dropped to disconnected while
// the peer has not recovered since.
func (p *Peer) UnhealthySince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unhealthySince
}

// Created returns the construction time.
func (p *Peer) Created() time.Time { return p.created }

// Dead reports whether the peer has been destroyed.
func (p *Peer) Dead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

// Destroy closes the data channel and the PeerConnection. Safe to call
// more than once and from any goroutine, including pion callbacks.
func (p *Peer) Destroy() {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return
	}
	p.dead = true
	close(p.done)
	p.graceTimer.Stop()
	p.graceTimer = nil
	channel := p.channel
	p.mu.Unlock()

	// pion may be calling us from inside its own state callbacks, where
	// a synchronous Close would wait on itself.
	go func() {
		if channel != nil {
			channel.Close()
		}
		if err := p.connection.Close(); err != nil {
			p.logger.Debug("closing PeerConnection", "error", err)
		}
	}()

	p.closes.deliver(struct{}{})
}

// AddTrack adds a local media track. Once connected this triggers a
// renegotiation delivered through the Signal handler.
func (p *Peer) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	if p.Dead() {
		return nil, ErrClosed
	}
	sender, err := p.connection.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("adding track %s: %w", track.ID(), err)
	}
	return sender, nil
}

// RemoveTrack stops sending a track added with AddTrack.
func (p *Peer) RemoveTrack(sender *webrtc.RTPSender) error {
	if p.Dead() {
		return ErrClosed
	}
	if err := p.connection.RemoveTrack(sender); err != nil {
		return fmt.Errorf("removing track: %w", err)
	}
	return nil
}
