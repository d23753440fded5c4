// Package events provides the in-process broadcast bus feeding live
// dashboard subscribers.
//
// Delivery is best-effort and at-most-once: publishes never block the
// session runtime, and a subscriber that falls behind its buffer loses the
// overflowing events rather than stalling the publisher. Durable history
// lives in the call store, not here.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type discriminates bus events.
type Type string

const (
	// TypeTranscript is a finalized transcript line (user or assistant turn).
	TypeTranscript Type = "transcript"

	// TypeStatus is a call lifecycle transition.
	TypeStatus Type = "status"

	// TypeContextRequest is the agent asking a human operator for help.
	TypeContextRequest Type = "context-request"
)

// Event is a single bus message.
type Event struct {
	Type      Type           `json:"type"`
	CallID    string         `json:"callId"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// subscriberBuf is each subscriber's channel depth. A dashboard that cannot
// drain this many events is dropped behind, not waited for.
const subscriberBuf = 64

// Bus fans events out to subscribers. The zero value is not usable; create
// one with NewBus. All methods are safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	log    *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs: make(map[int]chan Event),
		log:  log,
	}
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel function. Cancel is idempotent and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuf)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers evt to every subscriber without blocking. Subscribers
// with a full buffer miss the event.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event",
				"subscriber", id, "type", evt.Type, "callId", evt.CallID)
		}
	}
}

// PublishTranscript publishes a finalized transcript line for callID.
func (b *Bus) PublishTranscript(callID, role, content string) {
	b.Publish(Event{
		Type:   TypeTranscript,
		CallID: callID,
		Data:   map[string]any{"role": role, "content": content},
	})
}

// PublishStatus publishes a lifecycle transition for callID.
func (b *Bus) PublishStatus(callID, status string) {
	b.Publish(Event{
		Type:   TypeStatus,
		CallID: callID,
		Data:   map[string]any{"status": status},
	})
}

// PublishContextRequest publishes an operator assistance request for callID.
func (b *Bus) PublishContextRequest(callID, question string) {
	b.Publish(Event{
		Type:   TypeContextRequest,
		CallID: callID,
		Data:   map[string]any{"question": question},
	})
}
