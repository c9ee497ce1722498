// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package awcp

import (
	"sync"
	"time"

	"github.com/EricSanchezok/awcp/internal/clock"
)

// subscriberQueueWatermark bounds how many undelivered events a slow
// subscriber may accumulate before the bus drops it. A dropped
// subscriber never stalls the producer.
const subscriberQueueWatermark = 256

// EventBus fans out one delegation's events to any number of SSE
// subscribers. The Executor engine is the sole producer; subscribers
// attach and detach independently. The bus is created at
// INVITE-admission time, before START, so a subscriber that connects
// early cannot race the first event.
type EventBus struct {
	clock clock.Clock

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	terminal    *Event
	terminalAt  time.Time
	closed      bool
}

// NewEventBus creates a bus for one delegation.
func NewEventBus(c clock.Clock) *EventBus {
	return &EventBus{clock: c, subscribers: make(map[int]chan Event)}
}

// Subscribe attaches a new subscriber and returns a channel of events
// plus an unsubscribe function. If the delegation has already reached
// a terminal state, the returned channel receives exactly the
// retained terminal event and is then closed — the caller never sees
// the full history. ok is false if the delegation's terminal event has
// already aged out of retention; callers should treat that the same
// as an unknown delegation.
func (b *EventBus) Subscribe(retention time.Duration) (ch <-chan Event, unsubscribe func(), ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.terminal != nil {
		if b.clock.Now().Sub(b.terminalAt) > retention {
			return nil, nil, false
		}
		out := make(chan Event, 1)
		out <- *b.terminal
		close(out)
		return out, func() {}, true
	}

	out := make(chan Event, subscriberQueueWatermark)
	id := b.nextID
	b.nextID++
	b.subscribers[id] = out

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return out, unsub, true
}

// Publish delivers event to every live subscriber, non-blocking. A
// subscriber whose queue is already at the watermark is dropped
// rather than allowed to block the producer. If event is terminal, it
// is retained for TerminalRetention's replay window and every
// subscriber channel is closed after delivery.
func (b *EventBus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for id, sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			delete(b.subscribers, id)
			close(sub)
		}
	}

	if event.Terminal() {
		terminalCopy := event
		b.terminal = &terminalCopy
		b.terminalAt = b.clock.Now()
		for id, sub := range b.subscribers {
			delete(b.subscribers, id)
			close(sub)
		}
		b.closed = true
	}
}

// TerminalRetention reports whether the bus still has a retained
// terminal event within the given retention window, as of now.
func (b *EventBus) TerminalRetention(retention time.Duration) (*Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal == nil {
		return nil, false
	}
	if b.clock.Now().Sub(b.terminalAt) > retention {
		return nil, false
	}
	terminalCopy := *b.terminal
	return &terminalCopy, true
}

// Bus registry: the Executor keeps one EventBus per in-flight or
// recently-completed delegation.

// BusRegistry owns the per-delegation EventBus map.
type BusRegistry struct {
	clock clock.Clock

	mu    sync.Mutex
	buses map[string]*EventBus
}

// NewBusRegistry creates an empty registry.
func NewBusRegistry(c clock.Clock) *BusRegistry {
	return &BusRegistry{clock: c, buses: make(map[string]*EventBus)}
}

// Create allocates a new bus for id, called at INVITE-admission time.
func (r *BusRegistry) Create(id string) *EventBus {
	r.mu.Lock()
	defer r.mu.Unlock()
	bus := NewEventBus(r.clock)
	r.buses[id] = bus
	return bus
}

// Get returns the bus for id, or nil if unknown.
func (r *BusRegistry) Get(id string) *EventBus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buses[id]
}

// Sweep removes buses whose terminal event has aged out of retention,
// so long-lived processes don't accumulate them forever.
func (r *BusRegistry) Sweep(retention time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, bus := range r.buses {
		if _, ok := bus.TerminalRetention(retention); !ok && bus.terminal != nil {
			delete(r.buses, id)
		}
	}
}
