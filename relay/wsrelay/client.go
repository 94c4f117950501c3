// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/meshroom/lib/clock"
	"github.com/bureau-foundation/meshroom/lib/netutil"
	"github.com/bureau-foundation/meshroom/relay"
)

// Compile-time interface check.
var _ relay.Adapter = (*Adapter)(nil)

// ErrNotConnected is returned when publishing on a relay whose
// connection is down.
var ErrNotConnected = errors.New("wsrelay: relay not connected")

// Config configures NewAdapter.
type Config struct {
	// URLs are ws:// or wss:// relay endpoints.
	URLs []string

	// Redundancy is how many of URLs to use, in order. Zero uses all.
	Redundancy int

	// ManualReconnection disables automatic redialing. Dropped relays
	// stay down until Reconnect is called.
	ManualReconnection bool

	// MinBackoff and MaxBackoff bound the redial delay, which doubles
	// per failed attempt. Defaults 1s and 30s.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// WriteTimeout bounds each frame write. Default 4s.
	WriteTimeout time.Duration

	// PongWait and PingInterval mirror the server's keepalive.
	// Defaults 45s and 20s.
	PongWait     time.Duration
	PingInterval time.Duration

	Dialer *websocket.Dialer
	Clock  clock.Clock
	Logger *slog.Logger
}

// Adapter is the client side of the WebSocket relay.
type Adapter struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	selfID string
	relays []*relayConn
	closed bool
}

// NewAdapter validates config and returns an adapter. No connection is
// made until Init.
func NewAdapter(config Config) (*Adapter, error) {
	if len(config.URLs) == 0 {
		return nil, errors.New("wsrelay: no relay URLs")
	}
	for _, raw := range config.URLs {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("wsrelay: parsing relay URL %q: %w", raw, err)
		}
		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return nil, fmt.Errorf("wsrelay: relay URL %q must use ws or wss", raw)
		}
	}
	if config.Redundancy <= 0 || config.Redundancy > len(config.URLs) {
		config.Redundancy = len(config.URLs)
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = time.Second
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = max(30*time.Second, config.MinBackoff)
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 4 * time.Second
	}
	if config.PongWait <= 0 {
		config.PongWait = 45 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 20 * time.Second
	}
	if config.PingInterval >= config.PongWait {
		config.PingInterval = config.PongWait / 2
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Adapter{config: config, logger: config.Logger}, nil
}

// Init dials the first Redundancy URLs. A URL that cannot be reached
// still yields a handle; it is redialed in the background unless
// reconnection is manual. Init fails only when no relay connected.
func (a *Adapter) Init(ctx context.Context, selfID string) ([]relay.Handle, error) {
	a.mu.Lock()
	if a.relays != nil {
		handles := a.handlesLocked()
		a.mu.Unlock()
		return handles, nil
	}
	a.selfID = selfID
	for _, raw := range a.config.URLs[:a.config.Redundancy] {
		a.relays = append(a.relays, &relayConn{
			url:      raw,
			adapter:  a,
			handlers: make(map[string]map[*topicHandler]struct{}),
		})
	}
	relays := a.relays
	a.mu.Unlock()

	var (
		wait      sync.WaitGroup
		errsMu    sync.Mutex
		errs      []error
		connected int
	)
	for _, conn := range relays {
		wait.Add(1)
		go func() {
			defer wait.Done()
			err := conn.connect(ctx)
			errsMu.Lock()
			defer errsMu.Unlock()
			if err != nil {
				errs = append(errs, err)
				a.logger.Warn("relay connection failed", "relay", conn.url, "error", err)
				conn.scheduleReconnect()
				return
			}
			connected++
		}()
	}
	wait.Wait()

	if connected == 0 {
		a.mu.Lock()
		for _, conn := range a.relays {
			conn.close()
		}
		a.relays = nil
		a.mu.Unlock()
		return nil, fmt.Errorf("wsrelay: no relay reachable: %w", errors.Join(errs...))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handlesLocked(), nil
}

func (a *Adapter) handlesLocked() []relay.Handle {
	handles := make([]relay.Handle, len(a.relays))
	for index, conn := range a.relays {
		handles[index] = conn
	}
	return handles
}

// Subscribe registers onMessage for both topics on the relay behind
// handle. Subscriptions survive reconnection.
func (a *Adapter) Subscribe(ctx context.Context, handle relay.Handle, rootTopic, selfTopic string, onMessage relay.MessageHandler, _ relay.OfferSource) (func(), error) {
	conn, err := a.relay(handle)
	if err != nil {
		return nil, err
	}
	handler := &topicHandler{onMessage: onMessage}
	topics := []string{rootTopic, selfTopic}
	if err := conn.subscribe(topics, handler); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { conn.unsubscribe(topics, handler) })
	}, nil
}

// Announce publishes the local peer id on rootTopic.
func (a *Adapter) Announce(_ context.Context, handle relay.Handle, rootTopic, _ string) (time.Duration, error) {
	conn, err := a.relay(handle)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	selfID := a.selfID
	a.mu.Unlock()
	return 0, conn.publish(rootTopic, relay.Announcement(selfID))
}

// Reconnect redials every relay that is currently down.
func (a *Adapter) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	relays := append([]*relayConn(nil), a.relays...)
	a.mu.Unlock()

	var errs []error
	for _, conn := range relays {
		if conn.Connected() {
			continue
		}
		if err := conn.connect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Connected maps each relay URL to whether its connection is up.
func (a *Adapter) Connected() map[string]bool {
	a.mu.Lock()
	relays := append([]*relayConn(nil), a.relays...)
	a.mu.Unlock()

	status := make(map[string]bool, len(relays))
	for _, conn := range relays {
		status[conn.url] = conn.Connected()
	}
	return status
}

// Close disconnects every relay and stops reconnection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	relays := a.relays
	a.mu.Unlock()

	for _, conn := range relays {
		conn.close()
	}
	return nil
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Adapter) relay(handle relay.Handle) (*relayConn, error) {
	conn, ok := handle.(*relayConn)
	if !ok || conn.adapter != a {
		return nil, fmt.Errorf("wsrelay: foreign handle %s", handle)
	}
	return conn, nil
}

type topicHandler struct {
	onMessage relay.MessageHandler
}

// relayConn is one relay URL and its current WebSocket, if any.
type relayConn struct {
	url     string
	adapter *Adapter

	// writeMu serializes frame writes; gorilla allows one writer.
	writeMu sync.Mutex

	mu           sync.Mutex
	ws           *websocket.Conn
	handlers     map[string]map[*topicHandler]struct{}
	attempt      int
	reconnecting bool
	closed       bool
}

func (r *relayConn) String() string { return r.url }

// Connected reports whether the WebSocket is up.
func (r *relayConn) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ws != nil
}

func (r *relayConn) connect(ctx context.Context) error {
	config := r.adapter.config
	ws, response, err := config.Dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		if response != nil {
			defer response.Body.Close()
			return fmt.Errorf("dialing %s: %w (status %d: %s)", r.url, err, response.StatusCode, netutil.ErrorBody(response.Body))
		}
		return fmt.Errorf("dialing %s: %w", r.url, err)
	}
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(config.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(config.PongWait))
	})

	r.mu.Lock()
	if r.closed || r.ws != nil {
		r.mu.Unlock()
		ws.Close()
		return nil
	}
	r.ws = ws
	r.attempt = 0
	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	r.mu.Unlock()

	for _, topic := range topics {
		if err := r.write(ws, Frame{Op: OpSubscribe, Topic: topic}); err != nil {
			r.adapter.logger.Warn("restoring relay subscription failed", "relay", r.url, "error", err)
		}
	}

	done := make(chan struct{})
	go r.readLoop(ws, done)
	go r.pingLoop(ws, done)
	r.adapter.logger.Info("relay connected", "relay", r.url)
	return nil
}

func (r *relayConn) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				r.adapter.logger.Warn("relay connection lost", "relay", r.url, "error", err)
			}
			break
		}
		frame, err := decodeFrame(data)
		if err != nil {
			r.adapter.logger.Debug("ignoring malformed relay frame", "relay", r.url, "error", err)
			continue
		}
		if frame.Op != OpMessage {
			continue
		}
		r.dispatch(frame.Topic, frame.Payload)
	}

	ws.Close()
	r.mu.Lock()
	if r.ws == ws {
		r.ws = nil
	}
	closed := r.closed
	r.mu.Unlock()
	if !closed {
		r.scheduleReconnect()
	}
}

func (r *relayConn) pingLoop(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(r.adapter.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.adapter.config.WriteTimeout))
			r.writeMu.Unlock()
			if err != nil {
				ws.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func (r *relayConn) dispatch(topic string, payload []byte) {
	r.mu.Lock()
	handlers := make([]*topicHandler, 0, len(r.handlers[topic]))
	for handler := range r.handlers[topic] {
		handlers = append(handlers, handler)
	}
	r.mu.Unlock()

	publish := func(_ context.Context, target string, payload []byte) error {
		return r.publish(target, payload)
	}
	for _, handler := range handlers {
		handler.onMessage(topic, relay.Envelope{Payload: payload}, publish)
	}
}

// scheduleReconnect redials with exponential backoff until connected,
// closed, or reconnection is manual.
func (r *relayConn) scheduleReconnect() {
	if r.adapter.config.ManualReconnection || r.adapter.isClosed() {
		return
	}
	r.mu.Lock()
	if r.reconnecting || r.closed {
		r.mu.Unlock()
		return
	}
	r.reconnecting = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			r.reconnecting = false
			r.mu.Unlock()
		}()
		for {
			r.mu.Lock()
			if r.closed || r.ws != nil {
				r.mu.Unlock()
				return
			}
			delay := r.backoffLocked()
			r.attempt++
			r.mu.Unlock()

			r.adapter.config.Clock.Sleep(delay)
			if r.adapter.isClosed() {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.adapter.config.PongWait)
			err := r.connect(ctx)
			cancel()
			if err == nil {
				return
			}
			r.adapter.logger.Debug("relay redial failed", "relay", r.url, "delay", delay, "error", err)
		}
	}()
}

func (r *relayConn) backoffLocked() time.Duration {
	config := r.adapter.config
	delay := config.MinBackoff
	for step := 0; step < r.attempt && delay < config.MaxBackoff; step++ {
		delay *= 2
	}
	return min(delay, config.MaxBackoff)
}

func (r *relayConn) subscribe(topics []string, handler *topicHandler) error {
	r.mu.Lock()
	var fresh []string
	for _, topic := range topics {
		set, ok := r.handlers[topic]
		if !ok {
			set = make(map[*topicHandler]struct{})
			r.handlers[topic] = set
			fresh = append(fresh, topic)
		}
		set[handler] = struct{}{}
	}
	ws := r.ws
	r.mu.Unlock()

	// A relay that is down subscribes on reconnect.
	if ws == nil {
		return nil
	}
	for _, topic := range fresh {
		if err := r.write(ws, Frame{Op: OpSubscribe, Topic: topic}); err != nil {
			return fmt.Errorf("subscribing to %s on %s: %w", topic, r.url, err)
		}
	}
	return nil
}

func (r *relayConn) unsubscribe(topics []string, handler *topicHandler) {
	r.mu.Lock()
	var emptied []string
	for _, topic := range topics {
		set := r.handlers[topic]
		delete(set, handler)
		if len(set) == 0 {
			delete(r.handlers, topic)
			emptied = append(emptied, topic)
		}
	}
	ws := r.ws
	r.mu.Unlock()

	if ws == nil {
		return
	}
	for _, topic := range emptied {
		if err := r.write(ws, Frame{Op: OpUnsubscribe, Topic: topic}); err != nil {
			r.adapter.logger.Debug("unsubscribe failed", "relay", r.url, "error", err)
		}
	}
}

func (r *relayConn) publish(topic string, payload []byte) error {
	r.mu.Lock()
	ws := r.ws
	r.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, r.url)
	}
	return r.write(ws, Frame{Op: OpPublish, Topic: topic, Payload: payload})
}

func (r *relayConn) write(ws *websocket.Conn, frame Frame) error {
	data, err := encodeFrame(frame)
	if err != nil {
		return fmt.Errorf("encoding relay frame: %w", err)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(r.adapter.config.WriteTimeout))
	return ws.WriteMessage(websocket.BinaryMessage, data)
}

func (r *relayConn) close() {
	r.mu.Lock()
	r.closed = true
	ws := r.ws
	r.ws = nil
	r.mu.Unlock()
	if ws == nil {
		return
	}
	r.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(r.adapter.config.WriteTimeout))
	r.writeMu.Unlock()
	ws.Close()
}
