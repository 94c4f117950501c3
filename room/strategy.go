// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/meshroom/lib/clock"
	"github.com/bureau-foundation/meshroom/lib/sigcrypt"
	"github.com/bureau-foundation/meshroom/relay"
	"github.com/bureau-foundation/meshroom/transport"
)

// LibraryName is the first component of every root topic. Peers with
// a different value never meet.
const LibraryName = "meshroom"

// DefaultPoolSize is the number of pre-created offers a Strategy keeps.
const DefaultPoolSize = 20

// selfIDLength is the length of generated peer ids.
const selfIDLength = 20

// offerIDLength is the length of the ids tagging offers on the wire.
const offerIDLength = 12

// warmupIntervals space the first announcements after a join so that
// peers already in the room notice quickly. After them announcements
// settle at steadyAnnounceInterval.
var warmupIntervals = []time.Duration{
	233 * time.Millisecond,
	533 * time.Millisecond,
	1033 * time.Millisecond,
}

const steadyAnnounceInterval = 5333 * time.Millisecond

// announceInterval returns the delay before the announcement that
// follows announcement number step of a warm-up sequence.
func announceInterval(step int) time.Duration {
	if step < len(warmupIntervals) {
		return warmupIntervals[step]
	}
	return steadyAnnounceInterval
}

// ConnFactory creates a connection wrapper. initiator selects whether
// it produces the first offer.
type ConnFactory func(initiator bool) (transport.Conn, error)

// StrategyConfig configures NewStrategy.
type StrategyConfig struct {
	// AppID namespaces every room. Required.
	AppID string

	// SelfID is the local peer id. Empty generates a random one.
	SelfID string

	// RTC and API configure the default connection factory.
	RTC webrtc.Configuration
	API *webrtc.API

	// NewConn overrides the connection factory. Tests use it to run
	// the orchestrator over in-memory connections.
	NewConn ConnFactory

	// PoolSize is the number of offers kept ready. Zero selects
	// DefaultPoolSize; negative disables the pool.
	PoolSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// JoinOptions configures one room.
type JoinOptions struct {
	// Password seals session descriptions. Peers with different
	// passwords see each other's announcements but cannot connect.
	Password string

	// OnJoinError receives description decryption failures, at most
	// once per peer and direction. Nil logs them.
	OnJoinError func(*JoinError)
}

// Strategy joins rooms through one relay adapter. It is safe for
// concurrent use.
type Strategy struct {
	adapter  relay.Adapter
	appID    string
	selfID   string
	newConn  ConnFactory
	poolSize int
	clock    clock.Clock
	logger   *slog.Logger
	hasher   *sigcrypt.TopicHasher

	// initMu serializes adapter initialization, which does network
	// I/O and so cannot run under mu.
	initMu  sync.Mutex
	handles []relay.Handle

	mu          sync.Mutex
	sessions    map[string]*session
	announcers  map[relay.Handle]*announcer
	pool        []transport.Conn
	poolPending int
	bundled     map[string]*bundledOffer
}

// session is the signaling side of one joined room.
type session struct {
	roomID      string
	key         *sigcrypt.Key
	rootTopic   string
	selfTopic   string
	onJoinError func(*JoinError)
	room        *Room

	// ctx is cancelled when the room leaves and bounds every relay
	// and negotiation operation started for it.
	ctx    context.Context
	cancel context.CancelFunc

	// Guarded by Strategy.mu.
	dead         bool
	unsubscribes []func()
	peers        map[string]*negotiation
	reported     map[joinErrorKey]bool
}

type joinErrorKey struct {
	peerID    string
	direction Direction
}

// negotiation returns the state for peerID, creating it. Caller holds
// Strategy.mu.
func (sess *session) negotiation(peerID string) *negotiation {
	n, ok := sess.peers[peerID]
	if !ok {
		n = &negotiation{peerID: peerID}
		sess.peers[peerID] = n
	}
	return n
}

// forget drops n if nothing is left in it. Caller holds Strategy.mu.
func (sess *session) forget(n *negotiation) {
	if n.status == statusIdle && sess.peers[n.peerID] == n {
		delete(sess.peers, n.peerID)
	}
}

// announcer is the announce schedule of one relay.
type announcer struct {
	handle   relay.Handle
	step     int
	interval time.Duration
	timer    *clock.Timer

	// generation invalidates ticks scheduled before a restart.
	generation int
}

// NewStrategy returns a Strategy that signals through adapter. The
// adapter is initialized on the first Join.
func NewStrategy(adapter relay.Adapter, config StrategyConfig) (*Strategy, error) {
	if config.AppID == "" {
		return nil, ErrMissingAppID
	}
	if adapter == nil {
		return nil, errors.New("room: relay adapter is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.SelfID == "" {
		config.SelfID = sigcrypt.NewID(selfIDLength)
	}
	switch {
	case config.PoolSize == 0:
		config.PoolSize = DefaultPoolSize
	case config.PoolSize < 0:
		config.PoolSize = 0
	}

	s := &Strategy{
		adapter:    adapter,
		appID:      config.AppID,
		selfID:     config.SelfID,
		newConn:    config.NewConn,
		poolSize:   config.PoolSize,
		clock:      config.Clock,
		logger:     config.Logger.With("self", config.SelfID),
		hasher:     sigcrypt.NewTopicHasher(),
		sessions:   make(map[string]*session),
		announcers: make(map[relay.Handle]*announcer),
		bundled:    make(map[string]*bundledOffer),
	}
	if s.newConn == nil {
		peerLogger := s.logger.With("component", "peer")
		s.newConn = func(initiator bool) (transport.Conn, error) {
			return transport.NewPeer(transport.PeerConfig{
				Initiator: initiator,
				RTC:       config.RTC,
				API:       config.API,
				Clock:     config.Clock,
				Logger:    peerLogger,
			})
		}
	}
	return s, nil
}

// SelfID returns the local peer id.
func (s *Strategy) SelfID() string { return s.selfID }

// AppID returns the app id every room is namespaced under.
func (s *Strategy) AppID() string { return s.appID }

// Join joins roomID, or returns the already joined room of that id.
// The returned room is live until Leave; peers appear on it as
// connections come up.
func (s *Strategy) Join(ctx context.Context, roomID string, options JoinOptions) (*Room, error) {
	if roomID == "" {
		return nil, ErrMissingRoomID
	}

	s.mu.Lock()
	if existing, ok := s.sessions[roomID]; ok {
		s.mu.Unlock()
		return existing.room, nil
	}
	s.mu.Unlock()

	handles, err := s.init(ctx)
	if err != nil {
		return nil, err
	}
	key, err := sigcrypt.DeriveKey(options.Password, s.appID, roomID)
	if err != nil {
		return nil, fmt.Errorf("room %q: %w", roomID, err)
	}

	rootTopic := s.hasher.Hash(sigcrypt.TopicPath(LibraryName, s.appID, roomID))
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		roomID:      roomID,
		key:         key,
		rootTopic:   rootTopic,
		selfTopic:   s.hasher.Hash(sigcrypt.TopicPath(rootTopic, s.selfID)),
		onJoinError: options.OnJoinError,
		ctx:         sessionCtx,
		cancel:      cancel,
		peers:       make(map[string]*negotiation),
		reported:    make(map[joinErrorKey]bool),
	}
	sess.room = newRoom(roomConfig{
		id:     roomID,
		selfID: s.selfID,
		clock:  s.clock,
		logger: s.logger.With("room", roomID),
		leave:  func() { s.leave(sess) },
	})

	s.mu.Lock()
	if existing, ok := s.sessions[roomID]; ok {
		s.mu.Unlock()
		cancel()
		return existing.room, nil
	}
	s.sessions[roomID] = sess
	s.mu.Unlock()

	s.refillPool()

	var unsubscribes []func()
	var failures []error
	for _, handle := range handles {
		onMessage := func(topic string, envelope relay.Envelope, publish relay.Publish) {
			s.handleRelayMessage(sess, handle, topic, envelope, publish)
		}
		unsubscribe, err := s.adapter.Subscribe(ctx, handle, sess.rootTopic, sess.selfTopic, onMessage, s.offerSource(sess))
		if err != nil {
			s.logger.Warn("relay subscribe failed", "room", roomID, "relay", handle.String(), "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", handle, err))
			continue
		}
		unsubscribes = append(unsubscribes, unsubscribe)
	}

	s.mu.Lock()
	dead := sess.dead
	if !dead {
		sess.unsubscribes = unsubscribes
	}
	s.mu.Unlock()
	if dead {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
		return nil, ErrRoomClosed
	}
	if len(unsubscribes) == 0 {
		s.leave(sess)
		return nil, fmt.Errorf("room %q: no relay accepted the subscription: %w", roomID, errors.Join(failures...))
	}

	s.logger.Info("joined room", "room", roomID, "relays", len(unsubscribes))
	s.restartAnnouncing(sess, handles)
	return sess.room, nil
}

// Close leaves every joined room.
func (s *Strategy) Close(ctx context.Context) error {
	s.mu.Lock()
	rooms := make([]*Room, 0, len(s.sessions))
	for _, sess := range s.sessions {
		rooms = append(rooms, sess.room)
	}
	s.mu.Unlock()

	var errs []error
	for _, room := range rooms {
		if err := room.Leave(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// init initializes the adapter once. A failed initialization is
// retried by the next Join.
func (s *Strategy) init(ctx context.Context) ([]relay.Handle, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.handles != nil {
		return s.handles, nil
	}
	handles, err := s.adapter.Init(ctx, s.selfID)
	if err != nil {
		return nil, fmt.Errorf("initializing relays: %w", err)
	}
	if len(handles) == 0 {
		return nil, errors.New("initializing relays: adapter returned no relays")
	}
	s.handles = handles
	return handles, nil
}

// leave tears down the signaling side of a room. When it was the last
// room the announce loops stop and the offer pool is released.
func (s *Strategy) leave(sess *session) {
	s.mu.Lock()
	if sess.dead {
		s.mu.Unlock()
		return
	}
	sess.dead = true
	sess.cancel()
	if s.sessions[sess.roomID] == sess {
		delete(s.sessions, sess.roomID)
	}

	var doomed []transport.Conn
	for _, n := range sess.peers {
		n.stopTimers()
		doomed = append(doomed, n.clearOffer(), n.clearAnswering(), n.connected)
		n.connected = nil
		n.recompute()
	}
	clear(sess.peers)
	for offerID, bundled := range s.bundled {
		if bundled.sess == sess {
			bundled.timer.Stop()
			doomed = append(doomed, bundled.conn)
			delete(s.bundled, offerID)
		}
	}
	unsubscribes := sess.unsubscribes
	sess.unsubscribes = nil

	last := len(s.sessions) == 0
	if last {
		for handle, a := range s.announcers {
			replaceTimer(&a.timer, nil)
			a.generation++
			delete(s.announcers, handle)
		}
		doomed = append(doomed, s.pool...)
		s.pool = nil
	}
	s.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	for _, conn := range doomed {
		if conn != nil {
			conn.Destroy()
		}
	}
	s.logger.Info("left room", "room", sess.roomID, "last", last)
}

// restartAnnouncing announces sess on every relay now and restarts
// each relay's warm-up schedule so that the new room is found quickly.
func (s *Strategy) restartAnnouncing(sess *session, handles []relay.Handle) {
	s.mu.Lock()
	for _, handle := range handles {
		a, ok := s.announcers[handle]
		if !ok {
			a = &announcer{handle: handle}
			s.announcers[handle] = a
		}
		a.generation++
		a.step = 1
		a.interval = announceInterval(0)
		s.scheduleAnnounceLocked(a, a.interval)
	}
	s.mu.Unlock()

	for _, handle := range handles {
		s.announce(sess, handle)
	}
}

// scheduleAnnounceLocked arms the next tick of a. Caller holds s.mu.
func (s *Strategy) scheduleAnnounceLocked(a *announcer, delay time.Duration) {
	generation := a.generation
	replaceTimer(&a.timer, s.clock.AfterFunc(delay, func() {
		go s.announceTick(a, generation)
	}))
}

// announceTick announces every room on one relay, maintains the offer
// pool, and schedules the next tick.
func (s *Strategy) announceTick(a *announcer, generation int) {
	s.mu.Lock()
	if s.announcers[a.handle] != a || a.generation != generation || len(s.sessions) == 0 {
		s.mu.Unlock()
		return
	}
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	step := a.step
	a.step++
	s.mu.Unlock()

	s.refillPool()

	interval := announceInterval(step)
	for _, sess := range sessions {
		if override := s.announce(sess, a.handle); override > 0 {
			interval = override
		}
	}

	s.mu.Lock()
	if s.announcers[a.handle] == a && a.generation == generation {
		a.interval = interval
		s.scheduleAnnounceLocked(a, interval)
	}
	s.mu.Unlock()
}

// announce publishes one announcement and returns the adapter's
// interval override, if any.
func (s *Strategy) announce(sess *session, handle relay.Handle) time.Duration {
	interval, err := s.adapter.Announce(sess.ctx, handle, sess.rootTopic, sess.selfTopic)
	if err != nil {
		if sess.ctx.Err() == nil {
			s.logger.Warn("announce failed", "room", sess.roomID, "relay", handle.String(), "error", err)
		}
		return 0
	}
	return interval
}

// peerTopic is the self topic of peerID in sess's room.
func (s *Strategy) peerTopic(sess *session, peerID string) string {
	return s.hasher.Hash(sigcrypt.TopicPath(sess.rootTopic, peerID))
}

// peerStatus reports the negotiation status for peerID in roomID.
func (s *Strategy) peerStatus(roomID, peerID string) status {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[roomID]
	if !ok {
		return statusIdle
	}
	n, ok := sess.peers[peerID]
	if !ok {
		return statusIdle
	}
	return n.status
}
