// Package events carries store notifications (persistence outcomes, recovery,
// imports, backup changes) to observers such as the dashboard and the watch
// command.
package events

import (
	"sync"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	Persisted          Kind = "persisted"
	PersistSkipped     Kind = "persist_skipped"
	CapabilityWarning  Kind = "capability_warning"
	IntegrityRecovered Kind = "integrity_recovered"
	Imported           Kind = "imported"
	SnapshotChanged    Kind = "snapshot_changed"
)

// Event is one notification.
type Event struct {
	Kind    Kind           `json:"kind"`
	Time    time.Time      `json:"time"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// New returns an event stamped with the current time.
func New(kind Kind, message string, fields map[string]any) Event {
	return Event{Kind: kind, Time: time.Now().UTC(), Message: message, Fields: fields}
}

// Sink receives events. Emit must not block.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// Bus fans events out to subscribers. A subscriber that falls behind loses
// events rather than blocking the emitter.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Emit delivers e to every subscriber with room in its buffer.
func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving future events and a function that
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
