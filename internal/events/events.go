// Package events provides the typed in-process event bus that replaces
// ad-hoc global dispatch. Components publish named events with structured
// payloads; dashboard-facing consumers subscribe by topic.
package events

import (
	"context"
	"sync"
)

// Topic names every event category the core emits.
type Topic string

const (
	TopicConnectionState  Topic = "connection.state_changed"
	TopicReputationUpdate Topic = "reputation.updated"
	TopicTransactionDone  Topic = "transaction.confirmed"
	TopicValidationDone   Topic = "validation.complete"
	TopicFraudAlert       Topic = "fraud.alert"
	TopicKeyRotated       Topic = "key.rotated"
	TopicKeyRotationError Topic = "key.rotation_error"
)

// Event is one published occurrence. Detail holds the topic-specific
// payload struct (see payloads.go).
type Event struct {
	Topic     Topic
	Detail    any
	Timestamp int64 // epoch millis
}

// Handler receives events for a subscribed topic.
type Handler func(ctx context.Context, evt Event)

// Bus is a minimal in-memory pub/sub bus. Dispatch is serialized through
// a single loop goroutine, so handlers for the same topic observe events
// in publication order.
type Bus struct {
	mu    sync.RWMutex
	subs  map[Topic][]Handler
	queue chan Event
	done  chan struct{}
	once  sync.Once
}

// NewBus constructs a bus with the given queue depth and starts its
// dispatch loop.
func NewBus(buffer int) *Bus {
	b := &Bus{
		subs:  make(map[Topic][]Handler),
		queue: make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.done:
			return
		}
	}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish enqueues an event. It never blocks the caller: when the queue
// is full the event is dropped, since every topic is advisory telemetry
// for the dashboard rather than a durability guarantee.
func (b *Bus) Publish(evt Event) bool {
	select {
	case b.queue <- evt:
		return true
	default:
		return false
	}
}

// Close stops the dispatch loop. Queued events are discarded.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[evt.Topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(context.Background(), evt)
	}
}
