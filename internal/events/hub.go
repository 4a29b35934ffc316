// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package events fans tracker events out to subscribers and encodes them
// in the netfilter conntrack message model.
package events

import (
	"context"
	"sync"
	"sync/atomic"

	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/logging"
)

// DefaultBuffer is the channel depth of a subscription when none is given.
const DefaultBuffer = 1024

// Hub is a conntrack.EventSink that copies every event to each subscriber
// without blocking. A subscriber that falls behind loses events and the
// loss is counted.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	logger  *logging.Logger
	dropped atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		logger: logger.WithComponent("events"),
	}
}

// Subscription receives the events selected by its mask.
type Subscription struct {
	id      uint64
	hub     *Hub
	mask    conntrack.EventMask
	ch      chan conntrack.Event
	dropped atomic.Uint64
	closed  bool
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan conntrack.Event { return s.ch }

// Dropped counts events lost because the channel was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() { s.hub.unsubscribe(s) }

// Subscribe registers a subscriber. A zero mask selects every event type.
func (h *Hub) Subscribe(buffer int, mask conntrack.EventMask) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if mask == 0 {
		mask = conntrack.EventsAll
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &Subscription{
		id:   h.nextID,
		hub:  h,
		mask: mask,
		ch:   make(chan conntrack.Event, buffer),
	}
	h.subs[s.id] = s
	h.logger.Debug("subscriber added", "id", s.id, "buffer", buffer)
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s.id)
	close(s.ch)
	if n := s.dropped.Load(); n > 0 {
		h.logger.Warn("subscriber closed with dropped events", "id", s.id, "dropped", n)
	}
}

// Notify implements conntrack.EventSink.
func (h *Hub) Notify(ev conntrack.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.mask&ev.Type.Mask() == 0 {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts events lost across all subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Run delivers events from s to fn until ctx is done or s is closed.
func Run(ctx context.Context, s *Subscription, fn func(conntrack.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.C():
			if !ok {
				return
			}
			fn(ev)
		}
	}
}

// LogEvents returns a handler that logs each event at debug level in the
// conntrack event line format.
func LogEvents(logger *logging.Logger) func(conntrack.Event) {
	return func(ev conntrack.Event) {
		if !logger.Enabled(logging.LevelDebug) {
			return
		}
		logger.Debug("conntrack event", "line", Format(ev))
	}
}
