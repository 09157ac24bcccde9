package engine

import (
	"sync"
	"time"
)

// EventBus fans events out to subscribers. Handlers run synchronously on the
// emitter's goroutine; subscribers that need to block should hand off to
// their own goroutine.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	fn    func(Event)
	types map[EventType]bool // nil means all types
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]*subscription)}
}

// Subscribe registers a handler for every event. Returns the subscription id.
func (b *EventBus) Subscribe(fn func(Event)) int {
	return b.subscribe(fn, nil)
}

// SubscribeTypes registers a handler for the given event types only.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) int {
	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	return b.subscribe(fn, filter)
}

func (b *EventBus) subscribe(fn func(Event), types map[EventType]bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = &subscription{fn: fn, types: types}
	return b.nextID
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Emit delivers an event to every matching subscriber. A zero timestamp is
// stamped at emit time.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types == nil || sub.types[e.Type] {
			handlers = append(handlers, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}
