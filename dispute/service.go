// Package dispute serves a user's dispute history. Disputes are gated
// actions; this package only folds their records into the view users see.
package dispute

import (
	"context"
	"fmt"
	"time"

	"creditgate/action"
	"creditgate/kinds"
	"creditgate/risk"
)

// Source lists action records and exposes the policy they were gated under.
type Source interface {
	ListByUser(ctx context.Context, userID string, kind kinds.Kind, limit int) ([]action.Record, error)
	Policy() risk.Policy
}

type Service struct {
	source Source
	now    func() time.Time
}

func NewService(source Source) *Service {
	return &Service{source: source, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// History returns the user's disputes, newest first. A non-empty tradeline
// narrows the list to that tradeline.
func (s *Service) History(ctx context.Context, userID, tradeline string, limit int) ([]Record, error) {
	recs, err := s.source.ListByUser(ctx, userID, kinds.Dispute, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: history: %w", err)
	}
	window := s.source.Policy().Normalize().RepeatDisputeWindow
	now := s.now()

	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if tradeline != "" && rec.TargetRef != tradeline {
			continue
		}
		out = append(out, fold(rec, window, now))
	}
	return out, nil
}

func fold(rec action.Record, window time.Duration, now time.Time) Record {
	d := Record{
		ActionID:    rec.ID,
		Tradeline:   rec.TargetRef,
		Status:      statusOf(rec),
		SubmittedAt: rec.SubmittedAt,
	}
	if rec.Reason != nil {
		d.Reason = *rec.Reason
	}
	if rec.Outcome != nil {
		d.Result = rec.Outcome.Result
		if d.Reason == "" {
			d.Reason = rec.Outcome.Error
		}
	}
	if rec.Status.Terminal() {
		settled := rec.UpdatedAt
		d.SettledAt = &settled
	}
	if rec.CountsAsRejectedDispute() {
		// Matches the evaluator, which compares against the record's last update.
		until := rec.UpdatedAt.Add(window)
		if until.After(now) {
			d.RedisputeAfter = &until
		}
	}
	return d
}

func statusOf(rec action.Record) Status {
	switch rec.Status {
	case action.StatusCompleted:
		if rec.CountsAsRejectedDispute() {
			return StatusBureauRejected
		}
		return StatusFiled
	case action.StatusRejected:
		switch {
		case rec.CountsAsRejectedDispute():
			return StatusDeclined
		case rec.Reason != nil && *rec.Reason == action.ReasonUserCancelled:
			return StatusWithdrawn
		default:
			return StatusBlocked
		}
	case action.StatusFailed:
		return StatusFailed
	default:
		return StatusUnderReview
	}
}
