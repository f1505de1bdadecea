// Package notify carries action transition events out of the gating core:
// an in-process bus for subscribers living in the same binary and an outbox
// relay for everything else.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"creditgate/action"
)

// Handler consumes one transition event.
type Handler func(ctx context.Context, ev action.Event) error

type subscription struct {
	name    string
	handler Handler
}

// Bus fans committed transition events out to subscribers in registration
// order. It implements action.Publisher. Subscriber errors and panics are
// logged; the transition they react to is already committed.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers h under name, which only appears in logs.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{name: name, handler: h})
}

func (b *Bus) Publish(ctx context.Context, ev action.Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(ctx, sub, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, sub subscription, ev action.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "event subscriber panicked",
				slog.String("subscriber", sub.name),
				slog.String("action_id", ev.ActionID),
				slog.Any("panic", r),
			)
		}
	}()
	if err := sub.handler(ctx, ev); err != nil {
		b.logger.WarnContext(ctx, "event subscriber failed",
			slog.String("subscriber", sub.name),
			slog.String("action_id", ev.ActionID),
			slog.String("to", string(ev.To)),
			slog.Any("error", err),
		)
	}
}
