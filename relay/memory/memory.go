// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory is an in-process relay. A [Broker] plays the part of
// one relay server; several brokers shared between adapters model
// relay redundancy. Each orchestrator gets its own [Adapter] over the
// shared brokers.
//
// Delivery is asynchronous and ordered per subscription, like a
// network relay: Publish returns before handlers run.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bureau-foundation/meshroom/relay"
)

// Compile-time interface check.
var _ relay.Adapter = (*Adapter)(nil)

// ErrOffline is returned by publishes on a broker taken offline with
// SetOffline.
var ErrOffline = errors.New("memory relay: broker offline")

// Stats counts what one peer published through a broker.
type Stats struct {
	Announcements int
	Offers        int
	Answers       int
}

// Broker is one in-process relay.
type Broker struct {
	name string

	mu            sync.Mutex
	subscriptions map[string]map[*subscription]struct{}
	bundled       map[string]bundledOffer
	stats         map[string]Stats
	offline       bool
}

type bundledOffer struct {
	owner *subscription
	offer relay.PooledOffer
}

// NewBroker returns an empty broker.
func NewBroker(name string) *Broker {
	return &Broker{
		name:          name,
		subscriptions: make(map[string]map[*subscription]struct{}),
		bundled:       make(map[string]bundledOffer),
		stats:         make(map[string]Stats),
	}
}

func (b *Broker) String() string { return "memory:" + b.name }

// SetOffline makes the broker drop every publish and announcement, as
// if its server were unreachable.
func (b *Broker) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()
}

// Stats returns the counters for messages published by peerID.
func (b *Broker) Stats(peerID string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats[peerID]
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscriptions[topic])
}

func (b *Broker) subscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range []string{sub.rootTopic, sub.selfTopic} {
		set, ok := b.subscriptions[topic]
		if !ok {
			set = make(map[*subscription]struct{})
			b.subscriptions[topic] = set
		}
		set[sub] = struct{}{}
	}
}

func (b *Broker) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range []string{sub.rootTopic, sub.selfTopic} {
		delete(b.subscriptions[topic], sub)
		if len(b.subscriptions[topic]) == 0 {
			delete(b.subscriptions, topic)
		}
	}
	for offerID, bundled := range b.bundled {
		if bundled.owner == sub {
			delete(b.bundled, offerID)
		}
	}
}

// publish fans payload out to topic. An answer to an offer the broker
// handed out with an announcement goes back to that offer's owner with
// the pooled connection attached.
func (b *Broker) publish(topic string, payload []byte) error {
	signal, err := relay.DecodeSignal(payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.offline {
		b.mu.Unlock()
		return ErrOffline
	}
	stats := b.stats[signal.PeerID]
	switch {
	case signal.Offer != "":
		stats.Offers++
	case signal.Answer != "":
		stats.Answers++
	default:
		stats.Announcements++
	}
	b.stats[signal.PeerID] = stats

	if signal.Answer != "" && signal.OfferID != "" {
		if bundled, ok := b.bundled[signal.OfferID]; ok {
			delete(b.bundled, signal.OfferID)
			b.mu.Unlock()
			bundled.owner.enqueue(delivery{
				topic:    bundled.owner.selfTopic,
				envelope: relay.Envelope{Payload: payload, Conn: bundled.offer.Conn},
			})
			return nil
		}
	}

	targets := make([]*subscription, 0, len(b.subscriptions[topic]))
	for sub := range b.subscriptions[topic] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(delivery{topic: topic, envelope: relay.Envelope{Payload: payload}})
	}
	return nil
}

// Options configures an Adapter.
type Options struct {
	// BundledOffers, when positive, makes announcements carry up to
	// this many pooled offers, one per other peer on the root topic,
	// the way tracker relays pair offers with peers.
	BundledOffers int
}

// Adapter exposes a set of brokers to one orchestrator.
type Adapter struct {
	brokers []*Broker
	options Options

	mu            sync.Mutex
	selfID        string
	subscriptions map[subscriptionKey]*subscription
}

type subscriptionKey struct {
	broker    *Broker
	rootTopic string
}

// NewAdapter returns an adapter over brokers.
func NewAdapter(options Options, brokers ...*Broker) *Adapter {
	return &Adapter{
		brokers:       brokers,
		options:       options,
		subscriptions: make(map[subscriptionKey]*subscription),
	}
}

// Init returns the brokers as handles.
func (a *Adapter) Init(_ context.Context, selfID string) ([]relay.Handle, error) {
	if len(a.brokers) == 0 {
		return nil, errors.New("memory relay: no brokers")
	}
	a.mu.Lock()
	a.selfID = selfID
	a.mu.Unlock()

	handles := make([]relay.Handle, len(a.brokers))
	for index, broker := range a.brokers {
		handles[index] = broker
	}
	return handles, nil
}

// Subscribe registers onMessage for rootTopic and selfTopic.
func (a *Adapter) Subscribe(_ context.Context, handle relay.Handle, rootTopic, selfTopic string, onMessage relay.MessageHandler, getOffers relay.OfferSource) (func(), error) {
	broker, err := a.broker(handle)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		broker:    broker,
		rootTopic: rootTopic,
		selfTopic: selfTopic,
		onMessage: onMessage,
		getOffers: getOffers,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go sub.run()
	broker.subscribe(sub)

	key := subscriptionKey{broker: broker, rootTopic: rootTopic}
	a.mu.Lock()
	a.subscriptions[key] = sub
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			if a.subscriptions[key] == sub {
				delete(a.subscriptions, key)
			}
			a.mu.Unlock()
			broker.unsubscribe(sub)
			close(sub.done)
		})
	}, nil
}

// Announce broadcasts the local peer id on rootTopic and, with
// BundledOffers set, hands pooled offers to the other peers there.
func (a *Adapter) Announce(ctx context.Context, handle relay.Handle, rootTopic, _ string) (time.Duration, error) {
	broker, err := a.broker(handle)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	selfID := a.selfID
	own := a.subscriptions[subscriptionKey{broker: broker, rootTopic: rootTopic}]
	a.mu.Unlock()

	if err := broker.publish(rootTopic, relay.Announcement(selfID)); err != nil {
		return 0, err
	}
	if a.options.BundledOffers <= 0 || own == nil || own.getOffers == nil {
		return 0, nil
	}
	return 0, a.bundleOffers(ctx, broker, own, selfID)
}

func (a *Adapter) bundleOffers(ctx context.Context, broker *Broker, own *subscription, selfID string) error {
	broker.mu.Lock()
	var others []*subscription
	for sub := range broker.subscriptions[own.rootTopic] {
		if sub != own && sub.selfTopic != own.selfTopic {
			others = append(others, sub)
		}
	}
	broker.mu.Unlock()
	if len(others) == 0 {
		return nil
	}

	offers := own.getOffers(ctx, min(len(others), a.options.BundledOffers))
	for index, offer := range offers {
		payload, err := relay.Signal{PeerID: selfID, Offer: offer.Offer, OfferID: offer.OfferID}.Encode()
		if err != nil {
			return err
		}
		broker.mu.Lock()
		broker.bundled[offer.OfferID] = bundledOffer{owner: own, offer: offer}
		stats := broker.stats[selfID]
		stats.Offers++
		broker.stats[selfID] = stats
		broker.mu.Unlock()

		others[index].enqueue(delivery{topic: own.rootTopic, envelope: relay.Envelope{Payload: payload}})
	}
	return nil
}

func (a *Adapter) broker(handle relay.Handle) (*Broker, error) {
	broker, ok := handle.(*Broker)
	if !ok {
		return nil, errors.New("memory relay: foreign handle " + handle.String())
	}
	return broker, nil
}

type delivery struct {
	topic    string
	envelope relay.Envelope
}

type subscription struct {
	broker    *Broker
	rootTopic string
	selfTopic string
	onMessage relay.MessageHandler
	getOffers relay.OfferSource

	mu    sync.Mutex
	queue []delivery
	wake  chan struct{}
	done  chan struct{}
}

func (s *subscription) enqueue(message delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, message)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	publish := func(_ context.Context, topic string, payload []byte) error {
		return s.broker.publish(topic, payload)
	}
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			message := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.onMessage(message.topic, message.envelope, publish)
		}
	}
}
