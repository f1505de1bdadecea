// Package executor adapts the component that performs real-world side
// effects (filing a dispute, applying for a product) to action.Executor.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"creditgate/action"
	"creditgate/kinds"
)

// Recorder accepts outcomes. *action.Service satisfies it.
type Recorder interface {
	RecordOutcome(ctx context.Context, actionID string, res action.Result) (action.Record, error)
}

// Func performs the side effect in process and returns its result.
type Func func(ctx context.Context, rec action.Record) (action.Result, error)

// Synchronous runs an in-process Func inside Start and records the outcome
// before returning. An error from the Func means the work never started.
type Synchronous struct {
	recorder Recorder
	fn       Func
}

func NewSynchronous(recorder Recorder, fn Func) *Synchronous {
	return &Synchronous{recorder: recorder, fn: fn}
}

func (s *Synchronous) Start(ctx context.Context, rec action.Record) error {
	res, err := s.fn(ctx, rec)
	if err != nil {
		return err
	}
	if _, err := s.recorder.RecordOutcome(ctx, rec.ID, res); err != nil {
		return fmt.Errorf("executor: record outcome: %w", err)
	}
	return nil
}

// Client hands executing actions to a remote executor over HTTP. The
// executor reports back through the outcome callback.
type Client struct {
	url         string
	callbackURL string
	http        *http.Client
	newBackOff  func() backoff.BackOff
}

func NewClient(url, callbackURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{
		url:         url,
		callbackURL: callbackURL,
		http:        httpClient,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 3 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

func (c *Client) WithBackOff(newBackOff func() backoff.BackOff) *Client {
	c.newBackOff = newBackOff
	return c
}

type startRequest struct {
	ActionID    string     `json:"action_id"`
	Kind        kinds.Kind `json:"kind"`
	UserID      string     `json:"user_id"`
	TargetRef   string     `json:"target_ref"`
	PlanID      *string    `json:"plan_id,omitempty"`
	StepIndex   *int       `json:"step_index,omitempty"`
	CallbackURL string     `json:"callback_url,omitempty"`
}

// ErrRejected is returned when the executor refuses the action outright.
var ErrRejected = errors.New("executor: rejected")

func (c *Client) Start(ctx context.Context, rec action.Record) error {
	body, err := json.Marshal(startRequest{
		ActionID:    rec.ID,
		Kind:        rec.Kind,
		UserID:      rec.UserID,
		TargetRef:   rec.TargetRef,
		PlanID:      rec.PlanID,
		StepIndex:   rec.StepIndex,
		CallbackURL: c.callbackURL,
	})
	if err != nil {
		return fmt.Errorf("executor: encode: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("executor: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		// The action id doubles as the idempotency key so retries never
		// start the same side effect twice.
		req.Header.Set("Idempotency-Key", rec.ID)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("executor: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("executor: status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode))
		}
	}
	return backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx))
}
