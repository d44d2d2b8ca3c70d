// Package bus provides the in-process event bus the core components
// publish lifecycle events onto. The composition root wires subscribers;
// components never hold references to each other.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Topic names carried on the bus.
const (
	TopicTokenTracked              = "tokenTracked"
	TopicAlertTriggered            = "alertTriggered"
	TopicTrendDetected             = "trendDetected"
	TopicTokenCleanedUp            = "tokenCleanedUp"
	TopicCleanupMetrics            = "cleanupMetrics"
	TopicEmergencyStop             = "emergencyStop"
	TopicEmergencyCleanupCompleted = "emergencyCleanupCompleted"
	TopicEmergencyWhitelistUpdated = "emergencyWhitelistUpdated"
	TopicPlatformResolved          = "platformResolved"
	TopicError                     = "error"
)

// Message is one event published on the bus.
type Message struct {
	ID        string
	Topic     string
	Payload   any
	Timestamp time.Time
}

// Subscription receives messages for one topic. Close it with Unsubscribe.
type Subscription struct {
	C     <-chan Message
	topic string
	ch    chan Message
}

// Bus is a topic-fanout in-process event bus. Publishing never blocks:
// when a subscriber's buffer is full the oldest message is dropped so a
// slow consumer cannot stall the tracker's write path.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription
	bufSize int
	closed  bool

	dropped atomic.Uint64
}

// New creates a bus whose subscriber channels buffer bufSize messages.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		subs:    make(map[string][]*Subscription),
		bufSize: bufSize,
	}
}

// Subscribe registers a new subscriber for topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan Message, b.bufSize)
	sub := &Subscription{C: ch, topic: topic, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Publish delivers payload to every subscriber of topic.
func (b *Bus) Publish(topic string, payload any) {
	msg := Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
			// Buffer full: evict the oldest message and retry once.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- msg:
			default:
				b.dropped.Add(1)
				log.Warn().Str("topic", topic).Msg("Event bus subscriber overflow, message dropped")
			}
		}
	}
}

// PublishError publishes err on the error topic.
func (b *Bus) PublishError(source string, err error) {
	b.Publish(TopicError, ErrorEvent{Source: source, Err: err, Timestamp: time.Now()})
}

// ErrorEvent is the payload carried on the error topic.
type ErrorEvent struct {
	Source    string
	Err       error
	Timestamp time.Time
}

// Dropped returns the number of messages lost to subscriber overflow.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, list := range b.subs {
		for _, sub := range list {
			close(sub.ch)
		}
	}
	b.subs = make(map[string][]*Subscription)
}
