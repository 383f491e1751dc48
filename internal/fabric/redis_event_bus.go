// Redis-backed Bus for fleet-wide lifecycle visibility.
//
// A single runtime only needs the LocalBus; when many runners serve the
// same platform, operations tooling wants one place to watch session
// churn. RedisBus mirrors every published event onto Redis Pub/Sub and
// feeds remotely published events back to local subscribers.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus distributes lifecycle events across processes via Redis
// Pub/Sub, while still delivering locally with zero latency.
type RedisBus struct {
	client *redis.Client
	prefix string
	local  *LocalBus

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBus wraps a Redis client. channelPrefix defaults to
// "flowrelay:events:".
func NewRedisBus(client *redis.Client, channelPrefix string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "flowrelay:events:"
	}
	return &RedisBus{
		client: client,
		prefix: channelPrefix,
		local:  NewLocalBus(),
	}
}

// Publish sends the event through Redis Pub/Sub; subscribers in this
// process receive it through their Redis subscriptions like everyone
// else. A Redis failure degrades to local-only delivery rather than
// dropping the event.
func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("fabric: bus closed")
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("fabric: marshal event: %w", err)
	}

	channel := b.prefix + string(event.Type)
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		slog.Warn("redis publish failed, delivering locally only",
			"type", event.Type, "error", err)
		return b.local.Publish(ctx, event)
	}
	return nil
}

// Subscribe registers a handler that receives both local and remote
// events of the given type.
func (b *RedisBus) Subscribe(eventType EventType, handler Handler) func() {
	unsubLocal := b.local.Subscribe(eventType, handler)

	channel := b.prefix + string(eventType)
	ps := b.client.Subscribe(context.Background(), channel)

	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("discarding malformed remote event", "channel", channel, "error", err)
				continue
			}
			if err := handler(context.Background(), &event); err != nil {
				slog.Warn("remote event handler failed", "type", event.Type, "error", err)
			}
		}
	}()

	return func() {
		unsubLocal()
		_ = ps.Close()
	}
}

// Close shuts down all Redis subscriptions and the local bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	return b.local.Close()
}
