package events

import (
	"sort"
	"sync"
)

// Bus delivers events synchronously to subscribers in subscription order.
// Handlers run outside the bus lock and may publish or unsubscribe.
type Bus struct {
	mu       sync.RWMutex
	handlers map[uint64]func(Event)
	nextID   uint64
}

// NewBus returns a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{handlers: make(map[uint64]func(Event))}
}

// Subscribe registers fn for every event and returns its unsubscribe func.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// SubscribeTo registers fn for events of type T only.
func SubscribeTo[T Event](b *Bus, fn func(T)) func() {
	return b.Subscribe(func(e Event) {
		if typed, ok := e.(T); ok {
			fn(typed)
		}
	})
}

// Publish delivers e to every subscriber in subscription order.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
