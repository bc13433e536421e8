package bus

import "sync"

// MessageBus is the in-memory EventPublisher. Handlers run on the
// broadcaster's goroutine; subscribers that need to block must hand off
// internally.
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func New() *MessageBus {
	return &MessageBus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under an id, replacing any previous
// handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	b.handlers[id] = handler
	b.mu.Unlock()
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Broadcast delivers the event to every current subscriber. The handler
// set is snapshotted first so handlers may unsubscribe themselves.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	snapshot := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(event)
	}
}

// SubscriberCount reports the current number of subscribers.
func (b *MessageBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
