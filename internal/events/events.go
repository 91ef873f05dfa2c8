// Package events is the in-process notification bus the offline core uses to
// tell the UI about cache updates, sync progress and connectivity changes.
package events

import (
	"sync"
	"time"

	"github.com/plagapro/plagapro/backend/internal/logging"
)

// Event types.
const (
	CacheUpdated        = "cache.updated"
	SyncStarted         = "sync.started"
	SyncCompleted       = "sync.completed"
	SyncFailed          = "sync.failed"
	ConnectivityChanged = "connectivity.changed"
	ChangeQueued        = "change.queued"
	ChangeDeadLettered  = "change.dead_lettered"
)

// Event is a single notification.
type Event struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
	Time time.Time              `json:"timestamp"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(eventType string, data map[string]interface{})
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	now    func() time.Time
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(eventType string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	ev := Event{Type: eventType, Data: data, Time: b.now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logging.Warn("event dropped for slow subscriber", map[string]interface{}{
				"event":      eventType,
				"subscriber": id,
			})
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unregisters every subscriber and closes their channels. Later
// publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(string, map[string]interface{}) {}
