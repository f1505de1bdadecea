package action

import (
	"context"
	"time"

	"creditgate/kinds"
	"creditgate/risk"
)

// Repository persists action requests, records, transition events and the
// outcome log.
type Repository interface {
	// Create stores the request and its record (in proposed) atomically.
	Create(ctx context.Context, req Request, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetByRequestID(ctx context.Context, requestID string) (Record, error)
	// Transition applies p as a compare-and-set and appends its event.
	Transition(ctx context.Context, p TransitionParams) (Record, Event, error)
	ListPending(ctx context.Context, limit int) ([]Record, error)
	ListByPlan(ctx context.Context, planID string) ([]Record, error)
	// ListByUser returns the user's records of kind, newest first.
	ListByUser(ctx context.Context, userID string, kind kinds.Kind, limit int) ([]Record, error)
	Events(ctx context.Context, actionID string) ([]Event, error)
	// HardPulls returns the timestamps of hard-pull outcomes for userID at or after since.
	HardPulls(ctx context.Context, userID string, since time.Time) ([]time.Time, error)
	// RejectedDisputes lists disputes of userID rejected at or after since.
	RejectedDisputes(ctx context.Context, userID string, since time.Time) ([]risk.DisputeRejection, error)
}

// maxListLimit caps every list query.
const maxListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return 50
	}
	return limit
}
