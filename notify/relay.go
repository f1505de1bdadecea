package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"creditgate/action"
)

// TopicActionTransition is the outbox topic of action transition events.
const TopicActionTransition = "action.transition"

// Sink is a notification destination.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// Relay moves outbox messages to a sink. Each message gets a few quick
// retries with exponential backoff; what still fails stays pending for the
// next poll until it runs out of attempts and is marked dead.
type Relay struct {
	store       Store
	sink        Sink
	batch       int
	maxAttempts int
	interval    time.Duration
	newBackOff  func() backoff.BackOff
	logger      *slog.Logger
}

func NewRelay(store Store, sink Sink) *Relay {
	return &Relay{
		store:       store,
		sink:        sink,
		batch:       10,
		maxAttempts: 5,
		interval:    time.Second,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
		logger: slog.Default(),
	}
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batch = n
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithBackOff replaces the per-message retry policy.
func (r *Relay) WithBackOff(newBackOff func() backoff.BackOff) *Relay {
	r.newBackOff = newBackOff
	return r
}

func (r *Relay) WithLogger(logger *slog.Logger) *Relay {
	r.logger = logger
	return r
}

// Drain delivers one batch.
func (r *Relay) Drain(ctx context.Context) (Stats, error) {
	stats, err := r.store.Process(ctx, r.batch, r.maxAttempts, r.deliver)
	if err != nil {
		return stats, err
	}
	recordRelay(ctx, stats)
	if stats.Dead > 0 {
		r.logger.ErrorContext(ctx, "outbox messages dead-lettered", slog.Int("count", stats.Dead))
	}
	return stats, nil
}

func (r *Relay) deliver(ctx context.Context, msg Message) error {
	op := func() error {
		return r.sink.Deliver(ctx, msg)
	}
	notify := func(err error, wait time.Duration) {
		r.logger.WarnContext(ctx, "outbox delivery retry",
			slog.String("message_id", msg.ID),
			slog.String("topic", msg.Topic),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(r.newBackOff(), ctx), notify)
}

// Run drains the outbox every interval until ctx is done. A full batch is
// followed immediately by another drain.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		for {
			stats, err := r.Drain(ctx)
			if err != nil {
				r.logger.ErrorContext(ctx, "outbox drain failed", slog.Any("error", err))
				break
			}
			if stats.Delivered+stats.Failed+stats.Dead < r.batch {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// OutboxWriter returns a bus handler that copies events into an in-memory
// outbox, standing in for the transactional insert the Postgres store does.
func OutboxWriter(store *MemoryStore) Handler {
	return func(_ context.Context, ev action.Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("notify: encode event: %w", err)
		}
		store.Enqueue(TopicActionTransition, payload)
		return nil
	}
}
