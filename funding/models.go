package funding

import "time"

// Status is the lifecycle of a funding sequence plan.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusAborted   Status = "aborted"
	StatusCompleted Status = "completed"
)

// Terminal reports whether the plan can no longer change.
func (s Status) Terminal() bool {
	return s == StatusAborted || s == StatusCompleted
}

// Abort reasons persisted on the plan.
const (
	AbortUserCancelled      = "user_cancelled"
	AbortActivationRejected = "activation_rejected"
	AbortActivationFailed   = "activation_failed"
	AbortStepRejected       = "step_rejected"
	AbortStepFailed         = "step_failed"
)

// Step is one ordered funding action in a plan.
type Step struct {
	Index            int     `json:"index"`
	ProductRef       string  `json:"product_ref"`
	TriggersHardPull bool    `json:"triggers_hard_pull"`
	Amount           int64   `json:"amount"`
	ActionID         *string `json:"action_id,omitempty"`
}

// Plan mirrors the funding_plans table together with its steps.
type Plan struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	ConsentID          string     `json:"consent_id"`
	ActivationActionID *string    `json:"activation_action_id,omitempty"`
	Steps              []Step     `json:"steps"`
	Status             Status     `json:"status"`
	ProjectedTotal     int64      `json:"projected_total"`
	HeldUntil          *time.Time `json:"held_until,omitempty"`
	CancelRequestedAt  *time.Time `json:"cancel_requested_at,omitempty"`
	AbortReason        *string    `json:"abort_reason,omitempty"`
	Version            int        `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	// HardPullCount48h is derived from the outcome log on read; it is never stored.
	HardPullCount48h int `json:"hard_pull_count_48h"`
}

// RouteStep is one entry of the projection service's prescribed route.
type RouteStep struct {
	ProductRef       string `json:"product_ref"`
	TriggersHardPull bool   `json:"triggers_hard_pull"`
	Amount           int64  `json:"amount"`
}

// Route is the ordered list of products the projection service wants applied for.
type Route struct {
	Steps          []RouteStep `json:"steps"`
	ProjectedTotal int64       `json:"projected_total"`
}

func clonePlan(p Plan) Plan {
	steps := make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		if s.ActionID != nil {
			id := *s.ActionID
			s.ActionID = &id
		}
		steps[i] = s
	}
	p.Steps = steps
	return p
}
