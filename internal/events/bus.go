// Package events implements the in-process event bus feeding the external
// WebSocket layer and the optional MQTT republisher. Delivery is best-effort
// at-most-once: slow subscribers lose messages, never block publishers.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/airtrackhq/airtrack/internal/conf"
	"github.com/airtrackhq/airtrack/internal/logging"
)

// MessageType discriminates bus messages on the wire.
type MessageType string

const (
	TypeInitialData    MessageType = "initial_data"
	TypeTrackDetection MessageType = "track_detection"
	TypeStatusUpdate   MessageType = "status_update"
	TypeStationError   MessageType = "station_error"
)

// TopicSystem carries deployment-wide messages: status updates, initial data.
const TopicSystem = "system"

// StationTopic returns the topic for one station's messages.
func StationTopic(stationID uint) string {
	return fmt.Sprintf("station/%d", stationID)
}

// Message is the wire format: UTF-8 JSON {id, type, timestamp, data}. The ID
// lets consumers deduplicate across reconnects.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

type envelope struct {
	topic string
	msg   Message
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published uint64
	Delivered uint64
	Dropped   uint64 // lost to full subscriber buffers or a full input queue
}

// Subscriber is one consumer's buffered view of the bus.
type Subscriber struct {
	ch      chan Message
	topics  map[string]struct{}
	dropped atomic.Uint64
}

// Ch returns the subscriber's message channel. Closed when the bus shuts
// down or the subscriber is unsubscribed.
func (s *Subscriber) Ch() <-chan Message { return s.ch }

// Dropped returns how many messages this subscriber has lost.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Bus fans messages out to subscribers through a bounded input queue and a
// fixed worker pool.
type Bus struct {
	input  chan envelope
	logger *slog.Logger

	mu   sync.RWMutex // subscriber set; publishes take read access
	subs map[*Subscriber]struct{}

	bufferSize int
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closed     atomic.Bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus starts the bus workers.
func NewBus(cfg conf.EventBusSettings) *Bus {
	workers := max(cfg.Workers, 1)
	bufferSize := max(cfg.BufferSize, 1)

	b := &Bus{
		input:      make(chan envelope, bufferSize),
		logger:     logging.ForService("eventbus"),
		subs:       make(map[*Subscriber]struct{}),
		bufferSize: bufferSize,
	}
	for range workers {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for env := range b.input {
		b.dispatch(env)
	}
}

func (b *Bus) dispatch(env envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if len(sub.topics) > 0 {
			if _, ok := sub.topics[env.topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- env.msg:
			b.delivered.Add(1)
		default:
			// Slow consumer; at-most-once delivery drops rather than blocks.
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a consumer for the given topics. With no topics the
// subscriber receives everything.
func (b *Bus) Subscribe(topics ...string) *Subscriber {
	sub := &Subscriber{
		ch:     make(chan Message, b.bufferSize),
		topics: make(map[string]struct{}, len(topics)),
	}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the consumer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish enqueues a message without blocking. Returns false when the bus is
// closed or its input queue is full.
func (b *Bus) Publish(topic string, msgType MessageType, data any) bool {
	if b.closed.Load() {
		return false
	}

	env := envelope{
		topic: topic,
		msg: Message{
			ID:        uuid.NewString(),
			Type:      msgType,
			Timestamp: time.Now(),
			Data:      data,
		},
	}
	select {
	case b.input <- env:
		b.published.Add(1)
		return true
	default:
		b.dropped.Add(1)
		b.logger.Warn("event bus input queue full, dropping message",
			"topic", topic, "type", msgType)
		return false
	}
}

// Stats returns a snapshot of the counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close drains queued messages, stops the workers and closes all subscriber
// channels. Further publishes are rejected.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.input)
		b.wg.Wait()

		b.mu.Lock()
		for sub := range b.subs {
			close(sub.ch)
			delete(b.subs, sub)
		}
		b.mu.Unlock()
	})
}
