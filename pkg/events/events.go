// Package events carries engine change notifications to in-process
// subscribers (matrix cache, persistence) and, optionally, to Redis.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind names a change.
type Kind string

const (
	KindFrameworkLoaded    Kind = "framework.loaded"
	KindBaselineRegistered Kind = "baseline.registered"
	KindMappingAdded       Kind = "mapping.added"
	KindMappingRemoved     Kind = "mapping.removed"
	KindRuleAdded          Kind = "rule.added"
	KindRuleRemoved        Kind = "rule.removed"
	KindFeedbackRecorded   Kind = "feedback.recorded"
)

// Event is one committed change. Version is the engine state version after
// the change; Payload is the JSON form of the changed record.
type Event struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Subject string          `json:"subject"`
	Version uint64          `json:"version"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Time    time.Time       `json:"time"`
}

// New builds an event with a fresh id.
func New(kind Kind, subject string, version uint64, payload any) (Event, error) {
	e := Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Subject: subject,
		Version: version,
		Time:    time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("events: encode %s payload: %w", kind, err)
		}
		e.Payload = data
	}
	return e, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("events: %s %s has no payload", e.Kind, e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}

// Bus fans events out to subscribers. Publish never blocks: an event that
// does not fit a buffered subscriber's channel is dropped for that
// subscriber and counted. Durable subscribers queue without bound and see
// every event in publish order.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	next    uint64
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber with the given buffer size (minimum 1).
// Subscribing to a closed bus returns an already-closed subscription.
func (b *Bus) Subscribe(buffer int) *Subscription {
	s := &Subscription{ch: make(chan Event, max(buffer, 1)), bus: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.next++
	s.id = b.next
	b.subs[s.id] = s
	return s
}

// SubscribeDurable registers a subscriber that never misses an event.
// Events queue behind a slow reader; closing the bus delivers what is
// queued before the channel closes. The reader must drain Events or Close
// the subscription.
func (b *Bus) SubscribeDurable() *Subscription {
	s := &Subscription{
		ch:      make(chan Event),
		bus:     b,
		durable: true,
		wake:    make(chan struct{}, 1),
		drain:   make(chan struct{}),
		stop:    make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.next++
	s.id = b.next
	b.subs[s.id] = s
	go s.pump()
	return s
}

// Publish delivers e to every durable subscriber and to every buffered
// subscriber that has room.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.durable {
			s.enqueue(e)
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			b.logger.Warn("subscriber buffer full, event dropped",
				"subscriber", s.id, "kind", e.Kind, "event_id", e.ID)
		}
	}
}

// Dropped is the total number of undelivered events across subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Subscribers reports the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.closed = true
		if s.durable {
			close(s.drain)
		} else {
			close(s.ch)
		}
		delete(b.subs, id)
	}
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.durable && s.stop != nil {
		s.stopOnce.Do(func() { close(s.stop) })
	}
	if s.closed {
		return
	}
	s.closed = true
	if !s.durable {
		close(s.ch)
	}
	delete(b.subs, s.id)
}

// Subscription receives events until it or its bus is closed.
type Subscription struct {
	id      uint64
	ch      chan Event
	bus     *Bus
	closed  bool // guarded by bus.mu
	dropped atomic.Int64

	durable  bool
	qmu      sync.Mutex
	queue    []Event
	wake     chan struct{}
	drain    chan struct{} // bus closed: flush the queue, then end
	stop     chan struct{} // subscriber closed: end now
	stopOnce sync.Once
}

func (s *Subscription) enqueue(e Event) {
	s.qmu.Lock()
	s.queue = append(s.queue, e)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) take() []Event {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

// deliver hands batch to the reader in order. It reports false once the
// subscriber is closed.
func (s *Subscription) deliver(batch []Event) bool {
	for _, e := range batch {
		select {
		case s.ch <- e:
		case <-s.stop:
			return false
		}
	}
	return true
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		if batch := s.take(); len(batch) > 0 {
			if !s.deliver(batch) {
				return
			}
			continue
		}
		select {
		case <-s.wake:
		case <-s.drain:
			s.deliver(s.take())
			return
		case <-s.stop:
			return
		}
	}
}

// Pending counts events queued for a durable subscriber but not yet read.
func (s *Subscription) Pending() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped counts events this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) Close() { s.bus.unsubscribe(s) }
