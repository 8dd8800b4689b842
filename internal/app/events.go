package app

import (
	"context"
	"slices"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/hylla/concord/internal/domain"
)

// EventPublisher delivers engine notifications.
type EventPublisher interface {
	Publish(context.Context, domain.Event)
}

// EventHandler receives published events.
type EventHandler func(context.Context, domain.Event)

// EventBus is an in-process synchronous publisher. A panicking handler is
// logged and does not stop delivery to the others.
type EventBus struct {
	logger *log.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[int]subscription
}

// subscription stores one handler and its optional type filter.
type subscription struct {
	types   map[domain.EventType]struct{}
	handler EventHandler
}

// NewEventBus constructs an empty bus.
func NewEventBus(logger *log.Logger) *EventBus {
	if logger == nil {
		logger = log.Default()
	}
	return &EventBus{logger: logger, handlers: map[int]subscription{}}
}

// Subscribe registers a handler for the given event types, or for every type
// when none are given. The returned func unsubscribes.
func (b *EventBus) Subscribe(handler EventHandler, types ...domain.EventType) func() {
	if handler == nil {
		return func() {}
	}
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = sub
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers evt to every matching subscriber in subscription order.
func (b *EventBus) Publish(ctx context.Context, evt domain.Event) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	subs := make([]subscription, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		subs = append(subs, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[evt.Type]; !ok {
				continue
			}
		}
		b.deliver(ctx, sub.handler, evt)
	}
}

// deliver runs one handler with panic recovery.
func (b *EventBus) deliver(ctx context.Context, handler EventHandler, evt domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", evt.Type, "panic", r)
		}
	}()
	handler(ctx, evt)
}
