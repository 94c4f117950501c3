// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "sync"

// mailbox holds events until a handler is attached, then replays them
// in arrival order. Deliveries that race a replay join the queue so
// ordering holds across the handover.
type mailbox[T any] struct {
	mu       sync.Mutex
	handler  func(T)
	queue    []T
	draining bool
}

func (m *mailbox[T]) deliver(value T) {
	m.mu.Lock()
	if m.handler == nil || m.draining {
		m.queue = append(m.queue, value)
		m.mu.Unlock()
		return
	}
	handler := m.handler
	m.mu.Unlock()
	handler(value)
}

func (m *mailbox[T]) attach(handler func(T)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.handler = handler
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		queued := m.queue
		m.queue = nil
		current := m.handler
		m.mu.Unlock()
		for _, value := range queued {
			current(value)
		}
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *mailbox[T]) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
