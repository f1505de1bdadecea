package notify

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Outbox statuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message is one row of the transactional outbox.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// DeliverFunc hands one message to its destination.
type DeliverFunc func(ctx context.Context, msg Message) error

// Store claims pending outbox messages. Process delivers a batch and
// records each result before returning.
type Store interface {
	Process(ctx context.Context, limit, maxAttempts int, deliver DeliverFunc) (Stats, error)
}

// Stats summarizes one Process call.
type Stats struct {
	Delivered int
	Failed    int
	Dead      int
}

// PGStore works on the outbox table. Claimed rows stay locked (SKIP LOCKED)
// for the duration of the batch so concurrent relays never deliver the same
// row twice in parallel.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Process(ctx context.Context, limit, maxAttempts int, deliver DeliverFunc) (Stats, error) {
	var stats Stats
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("notify: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id::text, topic, payload::text, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return stats, fmt.Errorf("notify: claim: %w", err)
	}
	batch := make([]Message, 0, limit)
	for rows.Next() {
		var (
			msg     Message
			payload string
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &payload, &msg.Attempts, &msg.CreatedAt); err != nil {
			rows.Close()
			return stats, fmt.Errorf("notify: scan: %w", err)
		}
		msg.Payload = []byte(payload)
		msg.Status = StatusPending
		batch = append(batch, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("notify: iterate: %w", err)
	}

	for _, msg := range batch {
		if derr := deliver(ctx, msg); derr != nil {
			status := StatusPending
			if msg.Attempts+1 >= maxAttempts {
				status = StatusDead
				stats.Dead++
			} else {
				stats.Failed++
			}
			if _, err := tx.Exec(ctx, `
				UPDATE outbox
				SET attempts = attempts + 1, status = $2, last_error = $3, last_attempt = NOW()
				WHERE id = $1::text::bigint
			`, msg.ID, status, derr.Error()); err != nil {
				return stats, fmt.Errorf("notify: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET status = 'processed', last_attempt = NOW() WHERE id = $1::text::bigint
		`, msg.ID); err != nil {
			return stats, fmt.Errorf("notify: mark processed: %w", err)
		}
		stats.Delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("notify: commit: %w", err)
	}
	return stats, nil
}

// MemoryStore is an in-process outbox for local runs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	seq  int
	msgs []Message
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Enqueue appends a pending message.
func (s *MemoryStore) Enqueue(topic string, payload []byte) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg := Message{
		ID:        strconv.Itoa(s.seq),
		Topic:     topic,
		Payload:   slices.Clone(payload),
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	s.msgs = append(s.msgs, msg)
	return msg
}

// Messages returns a snapshot of every message.
func (s *MemoryStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.msgs)
}

func (s *MemoryStore) Process(ctx context.Context, limit, maxAttempts int, deliver DeliverFunc) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	for i := range s.msgs {
		if limit > 0 && stats.Delivered+stats.Failed+stats.Dead >= limit {
			break
		}
		msg := &s.msgs[i]
		if msg.Status != StatusPending {
			continue
		}
		if err := deliver(ctx, *msg); err != nil {
			msg.Attempts++
			msg.LastError = err.Error()
			if msg.Attempts >= maxAttempts {
				msg.Status = StatusDead
				stats.Dead++
			} else {
				stats.Failed++
			}
			continue
		}
		msg.Status = StatusProcessed
		stats.Delivered++
	}
	return stats, nil
}
