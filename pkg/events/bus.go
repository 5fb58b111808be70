// Package events is an in-memory pub/sub bus for internal status fan-out,
// adapted from control-plane/pkg/events/bus.go: same subscribe/publish
// shape, retyped from the teacher's tenant-billing events to KohakuRiver's
// task/node status-change events.
package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler handles one published event.
type Handler func(ctx context.Context, event Event) error

// subscription pairs a Handler with an id so a single one can be removed
// from a type's list without disturbing sibling subscribers (needed once
// more than one WebSocket client subscribes to the same event type).
type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans out events to all subscribed handlers.
type Bus struct {
	handlers map[EventType][]subscription
	nextID   uint64
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewBus constructs an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
		logger:   logger,
	}
}

// Subscribe registers handler for eventType. Multiple handlers may share a
// type. The returned func removes this one subscription; callers that don't
// need per-subscriber removal (a process-lifetime handler) may ignore it.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	total := len(b.handlers[eventType])
	b.mu.Unlock()

	b.logger.Info("event handler subscribed",
		zap.String("event_type", string(eventType)),
		zap.Int("total_handlers", total),
	)

	return func() { b.unsubscribeOne(eventType, id) }
}

func (b *Bus) unsubscribeOne(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.handlers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish fans event out to all subscribers asynchronously; handler errors
// are logged but never block or fail the publisher.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	subs := b.handlers[event.Type]
	handlers := make([]Handler, len(subs))
	for i, s := range subs {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	for _, handler := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("event_type", string(event.Type)),
						zap.Any("panic", r),
					)
				}
			}()
			if err := h(ctx, event); err != nil {
				b.logger.Error("event handler failed",
					zap.String("event_type", string(event.Type)),
					zap.Error(err),
				)
			}
		}(handler)
	}
}

// Unsubscribe removes every handler for eventType.
func (b *Bus) Unsubscribe(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventType)
}

// Stats reports subscriber counts per event type.
func (b *Bus) Stats() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[string]int, len(b.handlers))
	for eventType, handlers := range b.handlers {
		counts[string(eventType)] = len(handlers)
	}
	return counts
}

func (b *Bus) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("EventBus{types=%d}", len(b.handlers))
}
