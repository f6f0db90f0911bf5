// Package feed implements the in-process change feed for session rows.
// Subscribers receive {op, table, row} events for every mutation the driver
// performs. Delivery is at-least-once from the subscriber's point of view and
// lossy under backpressure, which is why consumers recompute from a full read
// on any event instead of patching incrementally.
package feed

import (
	"sync"

	"github.com/frostvale/gatehouse/internal/gatehouse/domain"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is one row-level mutation notification.
type Event struct {
	Op    Op
	Table string
	Row   domain.Session
}

// Feed is the subscriber-facing side of the hub.
type Feed interface {
	// Subscribe registers a listener with the given channel buffer and
	// returns the event channel plus a cancel function. Cancel closes the
	// channel and detaches the listener; it is safe to call more than once.
	Subscribe(buffer int) (<-chan Event, func())
}

// Hub fans mutation events out to subscribers. Publishing never blocks: if a
// subscriber's buffer is full the event is dropped for that subscriber, and
// the polling fallback covers the gap.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, buffer)
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber that has buffer room.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is behind; drop rather than block the writer.
		}
	}
}

// SubscriberCount reports the number of attached listeners.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
