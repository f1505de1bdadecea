package dispute

import "time"

// Status is the user-facing state of a dispute, folded from the underlying
// action record.
type Status string

const (
	StatusUnderReview    Status = "under_review"
	StatusFiled          Status = "filed"
	StatusBureauRejected Status = "bureau_rejected"
	StatusDeclined       Status = "declined"
	StatusWithdrawn      Status = "withdrawn"
	StatusBlocked        Status = "blocked"
	StatusFailed         Status = "failed"
)

// Record is one dispute in a user's history.
type Record struct {
	ActionID    string     `json:"action_id"`
	Tradeline   string     `json:"tradeline"`
	Status      Status     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	Result      string     `json:"result,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
	// RedisputeAfter is set while a rejection still holds further disputes
	// of the tradeline for review.
	RedisputeAfter *time.Time `json:"redispute_after,omitempty"`
}
