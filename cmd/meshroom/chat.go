// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/meshroom/protocol"
	"github.com/bureau-foundation/meshroom/room"
)

// chatAction is the action name chat lines travel on.
const chatAction = "chat"

// pingTimeout bounds /ping.
const pingTimeout = 5 * time.Second

// chatMessage is one line of chat.
type chatMessage struct {
	Text string `json:"text"`
}

// relayControl is the part of the relay adapter the chat commands use.
type relayControl interface {
	Reconnect(ctx context.Context) error
	Connected() map[string]bool
}

// chat prints room events and sends typed lines.
type chat struct {
	room   *room.Room
	relays relayControl
	action *room.TypedAction[chatMessage]

	mu  sync.Mutex
	out io.Writer
}

func newChat(joined *room.Room, relays relayControl, compression protocol.Compression, out io.Writer) (*chat, error) {
	action, err := room.MakeTypedAction[chatMessage](joined, chatAction, room.ActionOptions{Compression: compression})
	if err != nil {
		return nil, err
	}
	c := &chat{room: joined, relays: relays, action: action, out: out}
	action.OnReceive(func(message chatMessage, peerID string) {
		c.printf("<%s> %s\n", peerID, message.Text)
	})
	joined.OnPeerJoin(func(peerID string) { c.printf("* %s joined\n", peerID) })
	joined.OnPeerLeave(func(peerID string) { c.printf("* %s left\n", peerID) })
	joined.OnPeerTrack(func(track room.PeerTrack) {
		c.printf("* %s is sending %s track %s\n", track.PeerID, track.Track.Kind(), track.Track.ID())
	})
	return c, nil
}

func (c *chat) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// run handles lines until ctx ends, lines closes, or /quit.
func (c *chat) run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.room.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one command or sends one message. It reports whether
// the user asked to quit.
func (c *chat) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := c.action.Send(ctx, chatMessage{Text: line}, room.SendOptions{}); err != nil {
			c.printf("! send failed: %v\n", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/peers":
		peers := c.room.Peers()
		if len(peers) == 0 {
			c.printf("no peers\n")
			break
		}
		c.printf("peers: %s\n", strings.Join(peers, ", "))
	case "/ping":
		if len(fields) != 2 {
			c.printf("usage: /ping <peer>\n")
			break
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		rtt, err := c.room.Ping(pingCtx, fields[1])
		cancel()
		if err != nil {
			c.printf("! ping %s: %v\n", fields[1], err)
			break
		}
		c.printf("%s: %v\n", fields[1], rtt.Round(time.Microsecond))
	case "/relays":
		status := c.relays.Connected()
		for _, url := range slices.Sorted(maps.Keys(status)) {
			state := "down"
			if status[url] {
				state = "up"
			}
			c.printf("%s %s\n", url, state)
		}
	case "/reconnect":
		if err := c.relays.Reconnect(ctx); err != nil {
			c.printf("! reconnect: %v\n", err)
			break
		}
		c.printf("relays reconnected\n")
	default:
		c.printf("unknown command %s\n", fields[0])
	}
	return false
}

// readLines streams r line by line until EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
