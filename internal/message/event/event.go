// Package event fans out conversation and message changes to live subscribers.
package event

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a change published on the hub.
type EventType string

// Published event types.
const (
	EventTypeMessageCreated      EventType = "message.created"
	EventTypeMessageUpdated      EventType = "message.updated"
	EventTypeConversationUpdated EventType = "conversation.updated"
	EventTypeInstanceUpdated     EventType = "instance.updated"
)

// Event is a single change notification. Phone is empty for instance events.
type Event struct {
	Type  EventType       `json:"type"`
	Phone string          `json:"phone,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	At    time.Time       `json:"at"`
}

// Publisher accepts events. Publish never blocks on slow subscribers.
type Publisher interface {
	Publish(event Event)
}

// Subscriber registers live streams. An empty phone subscribes to every event.
type Subscriber interface {
	Subscribe(phone string, buffer int) (string, <-chan Event, func())
}

type subscription struct {
	phone string
	ch    chan Event
}

// Hub is an in-process Publisher and Subscriber.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: map[string]subscription{}}
}

// Publish delivers event to matching subscribers. Subscribers whose buffer is
// full miss the event.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		if sub.phone != "" && sub.phone != strings.TrimSpace(event.Phone) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a subscription id, its stream, and a cancel func that
// closes the stream.
func (h *Hub) Subscribe(phone string, buffer int) (string, <-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	id := strconv.FormatUint(h.seq.Add(1), 10)
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return id, ch, func() {}
	}
	h.subs[id] = subscription{phone: strings.TrimSpace(phone), ch: ch}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub.ch)
			}
			h.mu.Unlock()
		})
	}
	return id, ch, cancel
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for full buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Marshal builds an event with v encoded as its payload. Encoding failures
// produce an event without data.
func Marshal(eventType EventType, phone string, v any) Event {
	data, err := json.Marshal(v)
	if err != nil {
		data = nil
	}
	return Event{Type: eventType, Phone: phone, Data: data, At: time.Now().UTC()}
}
