// Package bus fans typed events out to attached clients. Delivery is
// per-subscriber FIFO through a bounded queue; a subscriber that stops
// draining is disconnected rather than allowed to block publishers.
package bus

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
)

// Event is one broadcast frame. Raw is the wire-ready JSON, marshaled once
// per publish. Type and InstanceID are carried alongside so subscribers can
// filter terminal traffic without touching the payload; Offset orders
// terminal:data against scrollback snapshots taken at attach time.
type Event struct {
	Type       string
	InstanceID string
	Offset     int64
	Raw        json.RawMessage
}

// Subscriber is one attached client's queue.
type Subscriber struct {
	ID string

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// C returns the delivery channel. It is closed when the subscriber is
// dropped, either by Unsubscribe or by queue overflow.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

// send enqueues without blocking. The second return is false when the queue
// was full: the subscriber is too slow and must be dropped.
func (s *Subscriber) send(ev Event) (delivered, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, true
	}
	select {
	case s.ch <- ev:
		return true, true
	default:
		return false, false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber
	queueSize int
	closed    bool
}

func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		subs:      make(map[string]*Subscriber),
		queueSize: queueSize,
	}
}

func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID: uuid.NewString(),
		ch: make(chan Event, b.queueSize),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub
	}
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish delivers ev to every subscriber whose queue has room. Subscribers
// with full queues are disconnected; the publisher never waits on a client.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var overflowed []string
	for id, sub := range b.subs {
		if _, ok := sub.send(ev); !ok {
			overflowed = append(overflowed, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range overflowed {
		log.Printf("[bus] dropping slow subscriber %s (queue full on %s)", id, ev.Type)
		b.Unsubscribe(id)
	}
}

// SubscriberCount is surfaced by the health endpoint.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscriber and refuses new ones. Publishes after Close
// are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
