// ABOUTME: In-memory fan-out broadcaster for coordination lifecycle events
// ABOUTME: Publishes registry/bus notifications to subscribers without blocking emitters

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// TopicAll subscribes to every event type.
	TopicAll = "*"
)

// Event types emitted by the registry and bus.
const (
	TypeAgentRegistered   = "agent_registered"
	TypeAgentUnregistered = "agent_unregistered"
	TypeStatusChanged     = "status_changed"
	TypeAgentTimeout      = "agent_timeout"
	TypeHealthCheckFailed = "health_check_failed"
	TypeBusStopped        = "bus_stopped"
)

// Event is a lifecycle notification about an agent or the bus itself.
type Event struct {
	Type      string
	AgentID   string
	Detail    string
	Timestamp time.Time
}

// Broadcaster provides in-memory pub/sub for lifecycle events. Subscribers
// register for an event type (or TopicAll) and receive events as they are
// emitted. Publishing never blocks: events are dropped for subscribers whose
// channels are full, so a slow subscriber cannot stall the emitting
// operation.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // topic -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for events of the given type (TopicAll
// for everything). Returns a receive channel and a subscription ID. The
// subscription is automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan *Event)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of its type plus TopicAll
// subscribers. Non-blocking: full subscriber channels drop the event.
func (b *Broadcaster) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]chan *Event, 0, 4)
	for _, topic := range []string{event.Type, TopicAll} {
		for _, ch := range b.subscribers[topic] {
			targets = append(targets, ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"event_type", event.Type,
				"agent_id", event.AgentID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}
}
