package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// LogSink writes every message to a structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		slog.String("message_id", msg.ID),
		slog.String("topic", msg.Topic),
		slog.String("payload", string(msg.Payload)),
	)
	return nil
}

// WebhookSink POSTs each message payload to a URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookSink{url: url, client: client}
}

func (s *WebhookSink) Deliver(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(msg.Payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("notify: build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Creditgate-Topic", msg.Topic)
	req.Header.Set("Idempotency-Key", msg.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("notify: webhook status %d", resp.StatusCode)
	default:
		// The receiver rejected the payload; retrying right away cannot help.
		return backoff.Permanent(fmt.Errorf("notify: webhook status %d", resp.StatusCode))
	}
}

// RedisSink publishes each message on a Redis channel named prefix+topic.
type RedisSink struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSink(client redis.UniversalClient, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) Deliver(ctx context.Context, msg Message) error {
	if err := s.client.Publish(ctx, s.prefix+msg.Topic, msg.Payload).Err(); err != nil {
		return fmt.Errorf("notify: redis publish: %w", err)
	}
	return nil
}

// FanoutSink delivers to every sink and joins their errors.
type FanoutSink []Sink

func (f FanoutSink) Deliver(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range f {
		if err := s.Deliver(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
