// Package fabric distributes runtime lifecycle events.
//
// The stream session publishes session state changes and handler
// incidents; interested components (the ops server, external monitors
// via Redis) subscribe. The in-process bus is always available; a Redis
// Pub/Sub mirror can be layered on for fleet-wide visibility.
package fabric

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType classifies lifecycle events.
type EventType string

const (
	EventSessionConnected    EventType = "session.connected"
	EventSessionDisconnected EventType = "session.disconnected"
	EventSessionDraining     EventType = "session.draining"
	EventHandlerPanic        EventType = "handler.panic"
	EventAuthRefreshed       EventType = "auth.refreshed"
)

// Event is one lifecycle occurrence.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, event *Event) error

// Bus is the pub/sub surface.
type Bus interface {
	// Publish delivers an event to all subscribers of its type.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler, returning an unsubscribe func.
	Subscribe(eventType EventType, handler Handler) (unsubscribe func())

	// Close shuts the bus down.
	Close() error
}

// LocalBus is the in-memory implementation, suitable for a single
// process.
type LocalBus struct {
	mu     sync.RWMutex
	nonce  int
	subs   map[EventType][]subscriber
	closed bool
}

type subscriber struct {
	id      int
	handler Handler
}

// NewLocalBus creates an in-memory bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[EventType][]subscriber)}
}

// Publish fans the event out to matching subscribers asynchronously.
func (b *LocalBus) Publish(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.subs[event.Type] {
		h := sub.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("lifecycle event handler failed", "type", event.Type, "error", err)
			}
		}()
	}
	return nil
}

// Subscribe registers a handler for one event type.
func (b *LocalBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nonce++
	id := b.nonce
	b.subs[eventType] = append(b.subs[eventType], subscriber{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close shuts the bus down; later publishes are no-ops.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = nil
	b.mu.Unlock()
	return nil
}

// Nop is a bus that discards everything. Used when no bus is wired.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error       { return nil }
func (Nop) Subscribe(EventType, Handler) (unsub func()) { return func() {} }
func (Nop) Close() error                                { return nil }
