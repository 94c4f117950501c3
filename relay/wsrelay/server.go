// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wsrelay

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/meshroom/lib/netutil"
)

// ServerConfig configures NewServer. Zero durations select defaults.
type ServerConfig struct {
	Logger *slog.Logger

	// WriteTimeout bounds each frame write. Default 4s.
	WriteTimeout time.Duration

	// PongWait is how long a connection may stay silent before it is
	// dropped. Default 45s.
	PongWait time.Duration

	// PingInterval is how often the server pings. Default 20s, and
	// never more than half of PongWait.
	PingInterval time.Duration

	// SendQueue is the per-connection outbound buffer, in frames.
	// Frames for a connection whose buffer is full are dropped.
	// Default 256.
	SendQueue int

	// CheckOrigin overrides the upgrader's origin check. Nil accepts
	// every origin: peers are browsers and CLIs from anywhere and the
	// payloads are sealed.
	CheckOrigin func(*http.Request) bool
}

// Server is a WebSocket pub/sub relay.
type Server struct {
	config   ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	topics  map[string]map[*serverClient]struct{}
	clients map[*serverClient]struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

type serverClient struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	topics map[string]struct{}
}

func (c *serverClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// NewServer returns a relay server.
func NewServer(config ServerConfig) *Server {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
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
	if config.SendQueue <= 0 {
		config.SendQueue = 256
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Server{
		config: config,
		logger: config.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		topics:  make(map[string]map[*serverClient]struct{}),
		clients: make(map[*serverClient]struct{}),
	}
}

// ServeHTTP upgrades the request and serves one relay connection until
// it closes.
func (s *Server) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Warn("relay upgrade failed", "remote", request.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.config.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})

	client := &serverClient{
		ws:     ws,
		send:   make(chan []byte, s.config.SendQueue),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("relay client connected", "remote", request.RemoteAddr)

	go s.writeLoop(client)
	err = s.readLoop(client)
	if err != nil && !netutil.IsExpectedCloseError(err) {
		s.logger.Info("relay client read failed", "remote", request.RemoteAddr, "error", err)
	}

	s.drop(client)
	client.close()
	s.logger.Debug("relay client disconnected", "remote", request.RemoteAddr)
}

func (s *Server) readLoop(client *serverClient) error {
	for {
		_, data, err := client.ws.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := decodeFrame(data)
		if err != nil {
			s.logger.Debug("ignoring malformed relay frame", "error", err)
			continue
		}

		switch frame.Op {
		case OpSubscribe:
			s.mu.Lock()
			subscribers, ok := s.topics[frame.Topic]
			if !ok {
				subscribers = make(map[*serverClient]struct{})
				s.topics[frame.Topic] = subscribers
			}
			subscribers[client] = struct{}{}
			client.topics[frame.Topic] = struct{}{}
			s.mu.Unlock()

		case OpUnsubscribe:
			s.mu.Lock()
			s.unsubscribeLocked(client, frame.Topic)
			s.mu.Unlock()

		case OpPublish:
			s.fanOut(frame.Topic, frame.Payload)

		default:
			s.logger.Debug("ignoring client frame", "op", frame.Op)
		}
	}
}

func (s *Server) fanOut(topic string, payload []byte) {
	encoded, err := encodeFrame(Frame{Op: OpMessage, Topic: topic, Payload: payload})
	if err != nil {
		s.logger.Error("encoding relay delivery", "error", err)
		return
	}
	s.published.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for subscriber := range s.topics[topic] {
		select {
		case subscriber.send <- encoded:
		case <-subscriber.done:
		default:
			s.dropped.Add(1)
			s.logger.Warn("relay client too slow, dropping delivery", "topic", topic)
		}
	}
}

func (s *Server) writeLoop(client *serverClient) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case data := <-client.send:
			_ = client.ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := client.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				client.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.config.WriteTimeout)
			if err := client.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				client.close()
				return
			}
		case <-client.done:
			return
		}
	}
}

func (s *Server) drop(client *serverClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic := range client.topics {
		s.unsubscribeLocked(client, topic)
	}
	delete(s.clients, client)
}

func (s *Server) unsubscribeLocked(client *serverClient, topic string) {
	delete(client.topics, topic)
	if subscribers, ok := s.topics[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(s.topics, topic)
		}
	}
}

// DisconnectAll closes every client connection. Clients with automatic
// reconnection come back and resubscribe.
func (s *Server) DisconnectAll() {
	s.mu.RLock()
	clients := make([]*serverClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()
	for _, client := range clients {
		client.close()
	}
}

// ServerStats is a snapshot of relay activity.
type ServerStats struct {
	Clients   int
	Topics    int
	Published int64
	Dropped   int64
}

// Stats returns current counters.
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ServerStats{
		Clients:   len(s.clients),
		Topics:    len(s.topics),
		Published: s.published.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Subscribers returns how many connections are subscribed to topic.
func (s *Server) Subscribers(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[topic])
}
