package bus

import (
	"sync"

	"github.com/mikey/mailwatch/internal/core"
	"go.uber.org/zap"
)

// Bus is an in-process publish/subscribe hub for mail events. It is
// constructed once at process start and passed to every component that
// needs it; there is no package-level instance.
//
// Delivery is synchronous in registration order. A panicking subscriber is
// recovered and logged; it never prevents delivery to later subscribers or
// propagates to the publisher.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	arrived  []func(core.EmailArrivedEvent)
	expunged []func(core.MessagesExpungedEvent)
}

// New creates an event bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

// SubscribeArrived registers a handler for new-message events.
func (b *Bus) SubscribeArrived(fn func(core.EmailArrivedEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.arrived = append(b.arrived, fn)
}

// SubscribeExpunged registers a handler for expunge events.
func (b *Bus) SubscribeExpunged(fn func(core.MessagesExpungedEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expunged = append(b.expunged, fn)
}

// RemoveAllSubscribers drops every registered handler. Used by components
// that tear down and re-register on restart.
func (b *Bus) RemoveAllSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.arrived = nil
	b.expunged = nil
}

// EmitArrived delivers a new-message event to all subscribers.
func (b *Bus) EmitArrived(ev core.EmailArrivedEvent) {
	b.mu.RLock()
	// Snapshot so a subscriber registering during delivery cannot mutate
	// the list we are iterating.
	handlers := make([]func(core.EmailArrivedEvent), len(b.arrived))
	copy(handlers, b.arrived)
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.deliver(func() { fn(ev) })
	}
}

// EmitExpunged delivers an expunge event to all subscribers.
func (b *Bus) EmitExpunged(ev core.MessagesExpungedEvent) {
	b.mu.RLock()
	handlers := make([]func(core.MessagesExpungedEvent), len(b.expunged))
	copy(handlers, b.expunged)
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.deliver(func() { fn(ev) })
	}
}

// deliver runs one handler, isolating panics from the publisher and from
// the remaining handlers.
func (b *Bus) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
