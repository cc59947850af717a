// Package events fans auction events out to in-process subscribers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is one committed contract event.
type Event struct {
	ID         string    `json:"id"`
	ContractID string    `json:"contract_id"`
	Topic      string    `json:"topic"`
	Payload    any       `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	ContractID string
	Topic      string
}

func (f Filter) matches(e Event) bool {
	return (f.ContractID == "" || f.ContractID == e.ContractID) &&
		(f.Topic == "" || f.Topic == e.Topic)
}

// Subscription receives events on C until Close is called.
type Subscription struct {
	C <-chan Event

	id     uint64
	ch     chan Event
	filter Filter
	broker *Broker
	once   sync.Once
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.broker.remove(s.id) })
}

// Broker delivers events without blocking the publisher: a subscriber whose
// buffer is full misses the event.
type Broker struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	logger  *slog.Logger
	now     func() time.Time
	dropped atomic.Uint64
}

func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers a subscriber for events matching filter.
func (b *Broker) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, id: b.nextID, ch: ch, filter: filter, broker: b}
	b.subs[sub.id] = sub
	return sub
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Emit publishes an event for contractID.
func (b *Broker) Emit(_ context.Context, contractID, topic string, payload any) {
	event := Event{
		ID:         uuid.NewString(),
		ContractID: contractID,
		Topic:      topic,
		Payload:    payload,
		Timestamp:  b.now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber", "subscriber", sub.id, "topic", topic, "contract", contractID)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
