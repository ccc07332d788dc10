// Package notify fans placement-change signals out to in-process waiters
// such as publisher workers, so they wake on new events instead of polling.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize bounds each subscriber's channel. Subscribers that
// fall behind miss signals, never events: a signal only says "look again".
const defaultSignalBufferSize = 16

// Signal announces that placement events up to Seq are durable.
type Signal struct {
	Database string
	Seq      uint64
}

// Filter narrows a subscription to some databases. Empty matches all.
type Filter struct {
	Databases []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(database string) bool {
	if len(s.filter.Databases) == 0 {
		return true
	}
	for _, d := range s.filter.Databases {
		if d == database {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe signal fan-out.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal notifies every matching subscriber without blocking.
func (h *Hub) Signal(database string, seq uint64) {
	signal := Signal{Database: database, Seq: seq}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(database) {
			continue
		}
		select {
		case sub.ch <- signal:
		default:
		}
	}
}

// Subscribe returns a buffered signal channel and an idempotent cancel.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
