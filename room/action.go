// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bureau-foundation/meshroom/protocol"
	"github.com/bureau-foundation/meshroom/transport"
)

// maxQueuedDeliveries bounds the deliveries an action holds for a
// receiver that has not been set yet. The oldest are dropped first.
const maxQueuedDeliveries = 256

// ActionOptions configures an action when it is first made.
type ActionOptions struct {
	// Compression is attempted on every send. Receivers need no
	// configuration: the choice travels in each chunk's tag.
	Compression protocol.Compression
}

// SendOptions configures one send.
type SendOptions struct {
	// Targets limits the send to these peers. Nil sends to every
	// connected peer; ids that are not connected are skipped.
	Targets []string

	// Metadata is marshalled to JSON and delivered with the data. It
	// is only allowed when the data is a []byte.
	Metadata any

	// OnProgress is called after each chunk is handed to a peer's
	// connection, with the fraction of the transmission sent so far.
	OnProgress func(peerID string, fraction float64)
}

// Delivery is one message received on an action.
type Delivery struct {
	PeerID string

	// Data is the payload. Binary and JSON report how the sender
	// encoded it; neither set means a UTF-8 string.
	Data   []byte
	Binary bool
	JSON   bool

	// Metadata is the sender's metadata object, nil if none.
	Metadata json.RawMessage
}

func newDelivery(message *protocol.Message) Delivery {
	return Delivery{
		PeerID:   message.PeerID,
		Data:     message.Data,
		Binary:   message.Binary,
		JSON:     message.JSON,
		Metadata: message.Metadata,
	}
}

// Text returns the payload as a string.
func (d Delivery) Text() string { return string(d.Data) }

// Decode unmarshals a JSON payload into value.
func (d Delivery) Decode(value any) error {
	if !d.JSON {
		return errors.New("room: delivery is not JSON")
	}
	return json.Unmarshal(d.Data, value)
}

// Progress reports how much of a transmission from a peer has arrived.
type Progress struct {
	PeerID   string
	Fraction float64
}

// Action is a named message channel between the peers of a room. It is
// safe for concurrent use; its state is guarded by the room mutex.
type Action struct {
	room     *Room
	name     string
	typeName protocol.TypeName

	// made is false for entries created by incoming chunks before the
	// application registered the name.
	made        bool
	compression protocol.Compression
	nonce       uint8
	onReceive   func(Delivery)
	onProgress  func(Progress)
	queue       []Delivery

	// draining is set while OnReceive replays the queue. Deliveries
	// completed meanwhile join the queue so arrival order holds.
	draining bool
}

// MakeAction returns the action called name, registering it on first
// use. Names are at most 12 bytes and may not start with "@_".
// Options only apply to the first call for a name.
func (r *Room) MakeAction(name string, options ActionOptions) (*Action, error) {
	if strings.HasPrefix(name, internalPrefix) {
		return nil, ErrReservedAction
	}
	return r.makeAction(name, options)
}

func (r *Room) makeAction(name string, options ActionOptions) (*Action, error) {
	typeName, err := protocol.EncodeType(name)
	if err != nil {
		return nil, fmt.Errorf("action %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return nil, ErrRoomClosed
	}
	action := r.actions[name]
	if action == nil {
		action = r.newActionLocked(name, typeName)
	}
	if !action.made {
		action.made = true
		action.typeName = typeName
		action.compression = options.Compression
	}
	return action, nil
}

// newActionLocked creates an action table entry. Caller holds r.mu.
func (r *Room) newActionLocked(name string, typeName protocol.TypeName) *Action {
	action := &Action{room: r, name: name, typeName: typeName}
	r.actions[name] = action
	return action
}

// internalAction makes a reserved action with its receiver.
func (r *Room) internalAction(name string, receive func(Delivery)) *Action {
	action, err := r.makeAction(name, ActionOptions{})
	if err != nil {
		panic("room: internal action " + name + ": " + err.Error())
	}
	action.onReceive = receive
	return action
}

// Name returns the action name.
func (a *Action) Name() string { return a.name }

// OnReceive sets the receiver. Deliveries that arrived before a
// receiver was set are passed to it first, in arrival order, including
// any that complete while the replay runs.
func (a *Action) OnReceive(handler func(Delivery)) {
	r := a.room
	r.mu.Lock()
	a.onReceive = handler
	if handler == nil || a.draining {
		r.mu.Unlock()
		return
	}
	a.draining = true
	for len(a.queue) > 0 && a.onReceive != nil {
		queued := a.queue
		a.queue = nil
		current := a.onReceive
		r.mu.Unlock()
		for _, delivery := range queued {
			current(delivery)
		}
		r.mu.Lock()
	}
	a.draining = false
	r.mu.Unlock()
}

// OnProgress sets the handler called for every chunk received on the
// action.
func (a *Action) OnProgress(handler func(Progress)) {
	a.room.mu.Lock()
	a.onProgress = handler
	a.room.mu.Unlock()
}

// enqueueLocked holds a delivery for a future receiver. Caller holds
// the room mutex.
func (a *Action) enqueueLocked(delivery Delivery) {
	if len(a.queue) >= maxQueuedDeliveries {
		a.room.logger.Warn("action queue full, dropping oldest delivery", "action", a.name)
		a.queue = a.queue[1:]
	}
	a.queue = append(a.queue, delivery)
}

// Send transmits data to the targeted peers: []byte as binary, string
// as UTF-8, and anything else as JSON. It returns once every chunk has
// been handed to every target's connection. A peer that disconnects
// mid-send is skipped without error.
func (a *Action) Send(ctx context.Context, data any, options SendOptions) error {
	encoded, kind, err := protocol.Encode(data)
	if err != nil {
		return fmt.Errorf("action %q: %w", a.name, err)
	}
	var metadata []byte
	if options.Metadata != nil {
		if !kind.Has(protocol.TagBinary) {
			return fmt.Errorf("action %q: %w", a.name, protocol.ErrMetadataNotBinary)
		}
		if metadata, err = json.Marshal(options.Metadata); err != nil {
			return fmt.Errorf("action %q: encoding metadata: %w", a.name, err)
		}
		if !protocol.IsJSONObject(metadata) {
			return fmt.Errorf("action %q: %w", a.name, protocol.ErrMetadataNotObject)
		}
	}

	r := a.room
	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	nonce := a.nonce
	a.nonce++
	transmission := protocol.Transmission{
		Type:        a.typeName,
		Nonce:       nonce,
		Data:        encoded,
		Kind:        kind,
		Metadata:    metadata,
		Compression: a.compression,
	}
	targets := r.targetsLocked(options.Targets)
	r.mu.Unlock()

	chunks, err := protocol.Split(transmission)
	if err != nil {
		return fmt.Errorf("action %q: %w", a.name, err)
	}

	errs := make([]error, len(targets))
	var group sync.WaitGroup
	for index, target := range targets {
		group.Go(func() {
			errs[index] = r.sendChunks(ctx, target, chunks, options.OnProgress)
		})
	}
	group.Wait()
	return errors.Join(errs...)
}

// sendChunks writes chunks to one peer in order, waiting for the data
// channel to drain before each.
func (r *Room) sendChunks(ctx context.Context, target peerTarget, chunks [][]byte, onProgress func(string, float64)) error {
	for _, chunk := range chunks {
		if !r.hasPeer(target.peerID, target.conn) {
			return nil
		}
		if err := target.conn.WaitWritable(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		if err := target.conn.Send(chunk); err != nil {
			if errors.Is(err, transport.ErrClosed) || !r.hasPeer(target.peerID, target.conn) {
				return nil
			}
			return fmt.Errorf("sending to %s: %w", target.peerID, err)
		}
		if onProgress != nil {
			if parsed, err := protocol.ParseChunk(chunk); err == nil {
				onProgress(target.peerID, protocol.ProgressFraction(parsed.Progress))
			}
		}
	}
	return nil
}

// TypedAction is an action whose payloads are always JSON values of T.
type TypedAction[T any] struct {
	action *Action
}

// MakeTypedAction returns a typed view of the action called name.
func MakeTypedAction[T any](r *Room, name string, options ActionOptions) (*TypedAction[T], error) {
	action, err := r.MakeAction(name, options)
	if err != nil {
		return nil, err
	}
	return &TypedAction[T]{action: action}, nil
}

// Name returns the action name.
func (a *TypedAction[T]) Name() string { return a.action.name }

// Send transmits value as JSON.
func (a *TypedAction[T]) Send(ctx context.Context, value T, options SendOptions) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("action %q: %w", a.action.name, err)
	}
	if options.Metadata != nil {
		return fmt.Errorf("action %q: %w", a.action.name, protocol.ErrMetadataNotBinary)
	}
	return a.action.Send(ctx, json.RawMessage(encoded), options)
}

// OnReceive sets the receiver. Payloads that do not decode into T are
// logged and dropped.
func (a *TypedAction[T]) OnReceive(handler func(value T, peerID string)) {
	if handler == nil {
		a.action.OnReceive(nil)
		return
	}
	a.action.OnReceive(func(delivery Delivery) {
		var value T
		if err := json.Unmarshal(delivery.Data, &value); err != nil {
			a.action.room.logger.Warn("dropping undecodable message", "action", a.action.name, "peer", delivery.PeerID, "error", err)
			return
		}
		handler(value, delivery.PeerID)
	})
}

// OnProgress sets the progress handler.
func (a *TypedAction[T]) OnProgress(handler func(Progress)) {
	a.action.OnProgress(handler)
}
