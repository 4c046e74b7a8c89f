package events

import (
	"sync"
	"time"
)

// Handler receives events for the type it subscribed to. Handlers run
// synchronously on the emitting goroutine, so they must not block; slow
// consumers buffer into their own channel (see the SSE stream handler).
type Handler func(event *Event)

// Bus is a minimal in-process publish/subscribe fanout keyed by event
// type. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[EventType]map[int]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType]map[int]Handler),
	}
}

// Subscribe registers a handler for one event type and returns a
// subscription id for Unsubscribe.
func (b *Bus) Subscribe(eventType EventType, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[int]Handler)
	}
	b.handlers[eventType][id] = handler
	return id
}

// Unsubscribe removes a handler by subscription id. Unknown ids are a
// no-op, so teardown paths can call it unconditionally.
func (b *Bus) Unsubscribe(eventType EventType, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if hs, ok := b.handlers[eventType]; ok {
		delete(hs, id)
		if len(hs) == 0 {
			delete(b.handlers, eventType)
		}
	}
}

// Emit publishes an event to all handlers subscribed to its type.
// Handlers registered while an emit is in flight may or may not see
// that event.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}

	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers[eventType]))
	for _, h := range b.handlers[eventType] {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(event)
	}
}

// SubscriberCount returns the number of handlers for a type. Used by
// the system status endpoint.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
