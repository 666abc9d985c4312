// Package bus is the in-process real-time fan-out layer: per-device topics,
// buffered per-subscriber delivery, and drop-slowest backpressure so a stuck
// subscriber can never block the ingest path.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trackhaus/fleetd/internal/metrics"
)

// Message kinds published on device topics.
const (
	KindPosition = "position_update"
	KindAlert    = "alert"
)

// Message is one fan-out event on a topic.
type Message struct {
	Topic   string    `json:"topic"`
	Kind    string    `json:"kind"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// DeviceTopic names the per-device topic.
func DeviceTopic(deviceID int64) string {
	return fmt.Sprintf("device:%d", deviceID)
}

// Config configures the bus.
type Config struct {
	Logger *slog.Logger

	// BufferSize is each subscriber's channel depth. A subscriber whose
	// buffer is full when a message arrives is dropped.
	BufferSize int
}

// Validate applies defaults and rejects unusable configs.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("bus: logger is required")
	}
	if c.BufferSize == 0 {
		c.BufferSize = 64
	}
	if c.BufferSize < 0 {
		return errors.New("bus: buffer size must be positive")
	}
	return nil
}

// Bus routes messages from publishers to topic subscribers.
type Bus struct {
	log     *slog.Logger
	bufSize int

	mu      sync.RWMutex
	byTopic map[string]map[*Subscriber]struct{}
	closed  bool
}

// Subscriber is one fan-out consumer. Receive from C until it is closed.
type Subscriber struct {
	bus    *Bus
	ch     chan Message
	topics map[string]struct{}

	once sync.Once
}

// New builds a bus.
func New(cfg Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bus{
		log:     cfg.Logger,
		bufSize: cfg.BufferSize,
		byTopic: make(map[string]map[*Subscriber]struct{}),
	}, nil
}

// Subscribe registers a consumer for the given topics.
func (b *Bus) Subscribe(topics ...string) *Subscriber {
	sub := &Subscriber{
		bus:    b,
		ch:     make(chan Message, b.bufSize),
		topics: make(map[string]struct{}, len(topics)),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
		set := b.byTopic[topic]
		if set == nil {
			set = make(map[*Subscriber]struct{})
			b.byTopic[topic] = set
		}
		set[sub] = struct{}{}
	}
	return sub
}

// C is the subscriber's delivery channel. It is closed on Close and when the
// bus drops the subscriber for falling behind.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Close unregisters the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.bus.remove(s)
}

// Publish delivers a message to every subscriber of the topic, in call
// order. It never blocks: a subscriber without buffer room is dropped.
func (b *Bus) Publish(topic, kind string, payload any) {
	msg := Message{Topic: topic, Kind: kind, Payload: payload, Time: time.Now().UTC()}

	b.mu.RLock()
	var slow []*Subscriber
	for sub := range b.byTopic[topic] {
		select {
		case sub.ch <- msg:
		default:
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range slow {
		metrics.BusDropped.Inc()
		b.log.Warn("dropping slow subscriber", "topic", topic)
		b.remove(sub)
	}
}

// SubscriberCount reports the current subscriber count for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byTopic[topic])
}

// Close drops every subscriber and rejects further subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[*Subscriber]struct{})
	for topic, set := range b.byTopic {
		for sub := range set {
			seen[sub] = struct{}{}
		}
		delete(b.byTopic, topic)
	}
	for sub := range seen {
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (b *Bus) remove(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic := range sub.topics {
		if set := b.byTopic[topic]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.byTopic, topic)
			}
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}
