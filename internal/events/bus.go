// Package events is the in-process notification bus: queue and history
// mutations and job progress are fanned out to subscribers (SSE handlers,
// the import worker's wake-up, tests).
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names a kind of event.
type Type string

const (
	QueueItemAdded       Type = "queue_item_added"
	QueueItemRemoved     Type = "queue_item_removed"
	QueuePriorityChanged Type = "queue_priority_changed"
	HistoryItemAdded     Type = "history_item_added"
	HistoryItemRemoved   Type = "history_item_removed"
	JobProgress          Type = "job_progress"
)

// Event is one bus notification.
type Event struct {
	Type      Type      `json:"type"`
	JobID     string    `json:"job_id,omitempty"`
	JobName   string    `json:"job_name,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const subscriberBuffer = 16

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event, so consumers that need a complete
// picture must re-read state from the store instead of replaying the bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool
	log         *slog.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]chan Event),
		log:         slog.Default().With("component", "event-bus"),
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called when done; after it returns the channel is closed.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := uuid.NewString()
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
}

// Publish sends the event to every subscriber, stamping it with the current
// time. Slow subscribers are skipped.
func (b *Bus) Publish(ev Event) {
	ev.Timestamp = time.Now().UTC()

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.log.Debug("Dropping event for slow subscriber",
				"subscriber", id, "type", ev.Type)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
