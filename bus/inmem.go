package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pinwheel-storage/pinwheel/interfaces"
)

// InMemory is an in-process event bus. Handlers run synchronously in
// subscription order on the publisher's goroutine; the engine's worker
// pool takes over from there for anything heavy.
type InMemory struct {
	mu       sync.RWMutex
	handlers map[string][]interfaces.EventHandler
	log      *slog.Logger
}

// NewInMemory creates an empty bus.
func NewInMemory(log *slog.Logger) *InMemory {
	return &InMemory{
		handlers: make(map[string][]interfaces.EventHandler),
		log:      log,
	}
}

// Publish delivers the payload to every subscriber of topic. A panicking
// handler is isolated and logged; remaining handlers still run.
func (b *InMemory) Publish(ctx context.Context, topic string, payload map[string]any) error {
	b.mu.RLock()
	handlers := make([]interfaces.EventHandler, len(b.handlers[topic]))
	copy(handlers, b.handlers[topic])
	b.mu.RUnlock()

	event := interfaces.Event{Topic: topic, Payload: payload}
	for _, handler := range handlers {
		b.deliver(ctx, handler, event)
	}
	return nil
}

func (b *InMemory) deliver(ctx context.Context, handler interfaces.EventHandler, event interfaces.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Event handler panicked",
				slog.String("topic", event.Topic),
				slog.Any("panic", r))
		}
	}()
	handler(ctx, event)
}

// Subscribe registers a handler for topic.
func (b *InMemory) Subscribe(topic string, handler interfaces.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}
