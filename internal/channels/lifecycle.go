package channels

import (
	"sync"

	"semaphore/pkg/logging"
)

// LifecycleEvent identifies a channel lifecycle transition.
type LifecycleEvent string

const (
	LifecycleCreated      LifecycleEvent = "created"
	LifecycleSubscribed   LifecycleEvent = "subscribed"
	LifecycleUnsubscribed LifecycleEvent = "unsubscribed"
	LifecycleEmpty        LifecycleEvent = "empty"
	LifecycleDestroyed    LifecycleEvent = "destroyed"
	// LifecycleAll handlers fire for every event after the specific handlers.
	LifecycleAll LifecycleEvent = "all"
)

// LifecycleContext is handed to every handler.
type LifecycleContext struct {
	Event    LifecycleEvent
	Channel  string
	Type     ChannelType
	SocketID string
	Count    int // subscriber count after the transition
}

type LifecycleHandler func(ctx LifecycleContext)

// LifecycleBus fans channel transitions out to registered hooks. Handlers
// run sequentially in registration order; a panicking handler is logged and
// the remaining handlers still run.
type LifecycleBus struct {
	mu       sync.RWMutex
	handlers map[LifecycleEvent][]LifecycleHandler
	logger   logging.Logger
}

func NewLifecycleBus(logger logging.Logger) *LifecycleBus {
	return &LifecycleBus{
		handlers: make(map[LifecycleEvent][]LifecycleHandler),
		logger:   logger,
	}
}

// On registers a handler for an event, or for every event via LifecycleAll.
func (b *LifecycleBus) On(event LifecycleEvent, handler LifecycleHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// Emit runs the handlers for the event, then the LifecycleAll handlers.
func (b *LifecycleBus) Emit(ctx LifecycleContext) {
	b.mu.RLock()
	specific := b.handlers[ctx.Event]
	catchAll := b.handlers[LifecycleAll]
	b.mu.RUnlock()

	for _, handler := range specific {
		b.run(handler, ctx)
	}
	for _, handler := range catchAll {
		b.run(handler, ctx)
	}
}

func (b *LifecycleBus) run(handler LifecycleHandler, ctx LifecycleContext) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logging.Fields{
				"event":   string(ctx.Event),
				"channel": ctx.Channel,
				"panic":   r,
			}).Error("Channel lifecycle handler panicked")
		}
	}()
	handler(ctx)
}
