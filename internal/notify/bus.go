package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tutorsync/internal/metrics"
)

// Handler reacts to a notification.
type Handler func(ctx context.Context, n Notification) error

// Bus provides in-process pub/sub for notifications.
type Bus struct {
	logger      zerolog.Logger
	subscribers map[Kind][]Handler
	all         []Handler
	mu          sync.RWMutex
}

// NewBus constructs an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger:      logger.With().Str("component", "notify_bus").Logger(),
		subscribers: make(map[Kind][]Handler),
	}
}

// Subscribe registers a handler for one kind.
func (b *Bus) Subscribe(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], handler)
}

// SubscribeAll registers a handler for every kind.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Attach subscribes a Notifier to every kind.
func (b *Bus) Attach(n Notifier) {
	b.SubscribeAll(n.Notify)
}

// Publish runs every matching handler in subscription order. Handler errors
// are logged and do not stop later handlers.
func (b *Bus) Publish(ctx context.Context, n Notification) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[n.Kind]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	if n.At.IsZero() {
		n.At = time.Now()
	}
	metrics.IncNotification(string(n.Kind))

	for _, handler := range handlers {
		if err := handler(ctx, n); err != nil {
			b.logger.Warn().Err(err).Str("kind", string(n.Kind)).Msg("notification handler failed")
		}
	}
}
