// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transporttest provides an in-memory transport.Conn for tests
// of code that orchestrates connections. A [Network] hands out
// connections whose offers and answers are opaque tokens; applying a
// matching answer links the two ends, fires Connect on both, and from
// then on Send on one end delivers to the other.
//
// Events are delivered on a per-connection goroutine in order, the way
// pion delivers data channel callbacks, and events that arrive before
// a handler is attached are replayed when it is.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/meshroom/lib/clock"
	"github.com/bureau-foundation/meshroom/transport"
)

// Compile-time interface check.
var _ transport.Conn = (*Conn)(nil)

const (
	offerPrefix  = "fake-offer:"
	answerPrefix = "fake-answer:"
)

// Network creates and links fake connections.
type Network struct {
	clock clock.Clock

	mu    sync.Mutex
	conns map[string]*Conn
	next  atomic.Uint64

	created atomic.Int64
}

// NewNetwork returns an empty network. Connection creation times come
// from clk.
func NewNetwork(clk clock.Clock) *Network {
	return &Network{clock: clk, conns: make(map[string]*Conn)}
}

// NewConn creates a connection. Its signature matches the connection
// factory hook of the room orchestrator.
func (n *Network) NewConn(initiator bool) (transport.Conn, error) {
	return n.Dial(initiator), nil
}

// Dial is NewConn returning the concrete type.
func (n *Network) Dial(initiator bool) *Conn {
	conn := &Conn{
		network:   n,
		id:        fmt.Sprintf("conn-%d", n.next.Add(1)),
		initiator: initiator,
		created:   n.clock.Now(),
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
	n.mu.Lock()
	n.conns[conn.id] = conn
	n.mu.Unlock()
	n.created.Add(1)
	go conn.run()
	return conn
}

// Created returns how many connections the network has made.
func (n *Network) Created() int { return int(n.created.Load()) }

// Live returns the connections not yet destroyed.
func (n *Network) Live() []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	var live []*Conn
	for _, conn := range n.conns {
		if !conn.Dead() {
			live = append(live, conn)
		}
	}
	return live
}

func (n *Network) lookup(id string) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[id]
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventClose
	eventData
	eventSignal
	eventError
)

type event struct {
	kind   eventKind
	data   []byte
	signal webrtc.SessionDescription
	err    error
}

// Conn is a fake transport.Conn.
type Conn struct {
	network   *Network
	id        string
	initiator bool
	created   time.Time

	mu       sync.Mutex
	remote   *Conn
	open     bool
	dead     bool
	health   *transport.Health
	degraded time.Time
	handlers transport.Handlers
	pending  []event
	queue    []event
	sent     int
	tracks   int
	signalFn func(webrtc.SessionDescription) (*webrtc.SessionDescription, error)

	done chan struct{}
	wake chan struct{}
}

// ID names the connection.
func (c *Conn) ID() string { return c.id }

// Remote returns the linked end, or nil.
func (c *Conn) Remote() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Initiator reports whether the connection was created to offer.
func (c *Conn) Initiator() bool { return c.initiator }

// Sent returns how many messages Send accepted.
func (c *Conn) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// Tracks returns how many tracks are currently added.
func (c *Conn) Tracks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracks
}

// SetHealth overrides the reported health. Nil restores the default.
// Leaving Healthy stamps UnhealthySince with the network clock.
func (c *Conn) SetHealth(health *transport.Health) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = health
	switch {
	case health == nil || *health == transport.Healthy:
		c.degraded = time.Time{}
	case c.degraded.IsZero():
		c.degraded = c.network.clock.Now()
	}
}

// UnhealthySince returns when SetHealth last moved the connection away
// from Healthy.
func (c *Conn) UnhealthySince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// FailNext makes the next Signal call return err.
func (c *Conn) FailNext(err error) {
	c.mu.Lock()
	c.signalFn = func(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
		return nil, err
	}
	c.mu.Unlock()
}

// Offer returns the connection's offer token.
func (c *Conn) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	if !c.initiator {
		return webrtc.SessionDescription{}, transport.ErrNotInitiator
	}
	if c.Dead() {
		return webrtc.SessionDescription{}, transport.ErrClosed
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerPrefix + c.id}, nil
}

// Signal links the connection according to the token it is given.
func (c *Conn) Signal(_ context.Context, description webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	dead := c.dead
	override := c.signalFn
	c.signalFn = nil
	c.mu.Unlock()
	if dead {
		return nil, transport.ErrClosed
	}
	if override != nil {
		return override(description)
	}

	switch description.Type {
	case webrtc.SDPTypeOffer:
		initiator := c.network.lookup(strings.TrimPrefix(description.SDP, offerPrefix))
		if initiator == nil || !strings.HasPrefix(description.SDP, offerPrefix) {
			return nil, c.fail(fmt.Errorf("unknown offer %q", description.SDP))
		}
		if c.initiator && !c.isOpen() {
			// Impolite side of a collision.
			return nil, nil
		}
		return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerPrefix + c.id + ":" + initiator.id}, nil

	case webrtc.SDPTypeAnswer:
		ids := strings.Split(strings.TrimPrefix(description.SDP, answerPrefix), ":")
		if len(ids) != 2 || ids[1] != c.id {
			return nil, c.fail(fmt.Errorf("answer %q is not for %s", description.SDP, c.id))
		}
		answerer := c.network.lookup(ids[0])
		if answerer == nil {
			return nil, c.fail(fmt.Errorf("unknown answerer %q", ids[0]))
		}
		link(c, answerer)
		return nil, nil
	}
	return nil, c.fail(fmt.Errorf("unsupported description type %s", description.Type))
}

func (c *Conn) fail(err error) error {
	c.emit(event{kind: eventError, err: err})
	return err
}

func (c *Conn) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// link opens both ends unless either is dead or already linked.
func link(initiator, answerer *Conn) {
	initiator.mu.Lock()
	answerer.mu.Lock()
	ok := !initiator.dead && !answerer.dead && initiator.remote == nil && answerer.remote == nil
	if ok {
		initiator.remote, answerer.remote = answerer, initiator
		initiator.open, answerer.open = true, true
	}
	answerer.mu.Unlock()
	initiator.mu.Unlock()
	if ok {
		initiator.emit(event{kind: eventConnect})
		answerer.emit(event{kind: eventConnect})
	}
}

// Send delivers data to the linked end.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if !c.open {
		c.mu.Unlock()
		return transport.ErrNotConnected
	}
	remote := c.remote
	c.sent++
	c.mu.Unlock()
	remote.emit(event{kind: eventData, data: append([]byte(nil), data...)})
	return nil
}

// WaitWritable never blocks on an open connection.
func (c *Conn) WaitWritable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return transport.ErrClosed
	}
	if !c.open {
		return transport.ErrNotConnected
	}
	return nil
}

// SetHandlers merges handlers and replays events queued for them.
func (c *Conn) SetHandlers(handlers transport.Handlers) {
	c.mu.Lock()
	if handlers.Connect != nil {
		c.handlers.Connect = handlers.Connect
	}
	if handlers.Close != nil {
		c.handlers.Close = handlers.Close
	}
	if handlers.Data != nil {
		c.handlers.Data = handlers.Data
	}
	if handlers.Error != nil {
		c.handlers.Error = handlers.Error
	}
	if handlers.Signal != nil {
		c.handlers.Signal = handlers.Signal
	}
	if handlers.Track != nil {
		c.handlers.Track = handlers.Track
	}
	// Requeue everything held back; run() drops events back into
	// pending if their handler is still missing.
	c.queue = append(c.pending, c.queue...)
	c.pending = nil
	c.mu.Unlock()
	c.poke()
}

// Health reports the override or the link state.
func (c *Conn) Health() transport.Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.dead:
		return transport.Stale
	case c.health != nil:
		return *c.health
	case c.open:
		return transport.Healthy
	default:
		return transport.Transient
	}
}

// Created returns the network clock time at creation.
func (c *Conn) Created() time.Time { return c.created }

// Dead reports whether Destroy ran.
func (c *Conn) Dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// Destroy closes this end and, like a data channel, the linked end.
func (c *Conn) Destroy() {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	remote := c.remote
	c.mu.Unlock()

	c.emit(event{kind: eventClose})
	if remote != nil {
		go remote.Destroy()
	}
}

// AddTrack counts the track. The fake carries no media.
func (c *Conn) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return nil, transport.ErrClosed
	}
	c.tracks++
	return nil, nil
}

// RemoveTrack undoes AddTrack.
func (c *Conn) RemoveTrack(*webrtc.RTPSender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return transport.ErrClosed
	}
	if c.tracks == 0 {
		return errors.New("no track to remove")
	}
	c.tracks--
	return nil
}

func (c *Conn) emit(e event) {
	c.mu.Lock()
	c.queue = append(c.queue, e)
	c.mu.Unlock()
	c.poke()
}

func (c *Conn) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) run() {
	for range c.wake {
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				finished := c.dead && len(c.pending) == 0
				c.mu.Unlock()
				if finished {
					return
				}
				break
			}
			next := c.queue[0]
			c.queue = c.queue[1:]
			handler := c.handlerFor(next)
			if handler == nil {
				c.pending = append(c.pending, next)
				c.mu.Unlock()
				continue
			}
			c.mu.Unlock()
			handler()
		}
	}
}

// handlerFor binds an event to its handler. Caller holds c.mu.
func (c *Conn) handlerFor(e event) func() {
	switch e.kind {
	case eventConnect:
		if handler := c.handlers.Connect; handler != nil {
			return handler
		}
	case eventClose:
		if handler := c.handlers.Close; handler != nil {
			return handler
		}
	case eventData:
		if handler := c.handlers.Data; handler != nil {
			return func() { handler(e.data) }
		}
	case eventSignal:
		if handler := c.handlers.Signal; handler != nil {
			return func() { handler(e.signal) }
		}
	case eventError:
		if handler := c.handlers.Error; handler != nil {
			return func() { handler(e.err) }
		}
		// Errors without a handler are dropped, as pion's logger would.
		return func() {}
	}
	return nil
}
