// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"

	"github.com/bureau-foundation/meshroom/lib/clock"
	"github.com/bureau-foundation/meshroom/lib/sigcrypt"
	"github.com/bureau-foundation/meshroom/relay"
	"github.com/bureau-foundation/meshroom/transport"
)

// bundledOffer is a pooled offer handed to an adapter through an
// OfferSource and not yet answered.
type bundledOffer struct {
	sess  *session
	conn  transport.Conn
	timer *clock.Timer
}

// refillPool prunes expired pooled connections and tops the pool up.
// It does nothing while no room is joined.
func (s *Strategy) refillPool() {
	s.mu.Lock()
	if len(s.sessions) == 0 {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	var expired []transport.Conn
	kept := s.pool[:0]
	for _, conn := range s.pool {
		if conn.Dead() || now.Sub(conn.Created()) > OfferTTL {
			expired = append(expired, conn)
			continue
		}
		kept = append(kept, conn)
	}
	clear(s.pool[len(kept):])
	s.pool = kept
	deficit := s.poolSize - len(s.pool) - s.poolPending
	if deficit < 0 {
		deficit = 0
	}
	s.poolPending += deficit
	s.mu.Unlock()

	for _, conn := range expired {
		conn.Destroy()
	}

	created := make([]transport.Conn, 0, deficit)
	for range deficit {
		conn, err := s.newConn(true)
		if err != nil {
			s.logger.Warn("creating pooled offer failed", "error", err)
			break
		}
		conn.SetHandlers(transport.Handlers{
			Close: func() { s.dropPooled(conn) },
			Error: func(err error) { s.logger.Debug("pooled connection error", "error", err) },
		})
		created = append(created, conn)
	}

	s.mu.Lock()
	s.poolPending -= deficit
	if len(s.sessions) == 0 {
		s.mu.Unlock()
		for _, conn := range created {
			conn.Destroy()
		}
		return
	}
	s.pool = append(s.pool, created...)
	s.mu.Unlock()
}

// takePooled removes a live connection from the pool, or creates one
// when the pool is empty.
func (s *Strategy) takePooled() (transport.Conn, error) {
	s.mu.Lock()
	for len(s.pool) > 0 {
		conn := s.pool[0]
		s.pool[0] = nil
		s.pool = s.pool[1:]
		if !conn.Dead() {
			s.mu.Unlock()
			return conn, nil
		}
	}
	s.mu.Unlock()
	return s.newConn(true)
}

// dropPooled forgets a pooled connection that closed on its own.
func (s *Strategy) dropPooled(conn transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for index, pooled := range s.pool {
		if pooled == conn {
			s.pool = append(s.pool[:index], s.pool[index+1:]...)
			return
		}
	}
}

// offerSource hands pooled offers, sealed for sess, to adapters that
// bundle offers with announcements. Each one is tracked until it is
// answered or OfferTTL passes.
func (s *Strategy) offerSource(sess *session) relay.OfferSource {
	return func(ctx context.Context, n int) []relay.PooledOffer {
		offers := make([]relay.PooledOffer, 0, n)
		for range n {
			conn, err := s.takePooled()
			if err != nil {
				s.logger.Warn("creating bundled offer failed", "room", sess.roomID, "error", err)
				break
			}
			description, err := conn.Offer(ctx)
			if err != nil {
				conn.Destroy()
				s.logger.Debug("pooled offer unavailable", "room", sess.roomID, "error", err)
				continue
			}
			sealed, err := sess.key.Seal(description.SDP)
			if err != nil {
				conn.Destroy()
				s.logger.Warn("sealing bundled offer failed", "room", sess.roomID, "error", err)
				continue
			}
			offerID := sigcrypt.NewID(offerIDLength)

			s.mu.Lock()
			if sess.dead {
				s.mu.Unlock()
				conn.Destroy()
				break
			}
			bundled := &bundledOffer{sess: sess, conn: conn}
			bundled.timer = s.clock.AfterFunc(OfferTTL, func() { s.expireBundled(offerID, bundled) })
			s.bundled[offerID] = bundled
			s.mu.Unlock()

			offers = append(offers, relay.PooledOffer{OfferID: offerID, Offer: sealed, Conn: conn})
		}
		return offers
	}
}

// expireBundled destroys a bundled offer nobody answered.
func (s *Strategy) expireBundled(offerID string, bundled *bundledOffer) {
	s.mu.Lock()
	if s.bundled[offerID] != bundled {
		s.mu.Unlock()
		return
	}
	delete(s.bundled, offerID)
	s.mu.Unlock()
	bundled.conn.Destroy()
}
