package action

import (
	"time"

	"creditgate/kinds"
	"creditgate/risk"
)

// Status represents the lifecycle of a gated action.
type Status string

const (
	StatusProposed        Status = "proposed"
	StatusAdmitted        Status = "admitted"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusExecuting       Status = "executing"
	StatusRejected        Status = "rejected"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Machine-readable reasons persisted on rejected and failed records.
const (
	ReasonConsentMissingOrInvalid = "consent_missing_or_invalid"
	ReasonReviewerRejected        = "reviewer_rejected"
	ReasonUserCancelled           = "user_cancelled"
	ReasonExecutorFailure         = "executor_failure"
	ReasonExecutionFailed         = "execution_failed"
	ReasonPullCapExceeded         = risk.ReasonPullCapExceeded
)

// OutcomeBureauRejected is the executor result for a dispute the bureau
// turned down. Such disputes count as rejected for the repeat-dispute rule.
const OutcomeBureauRejected = "bureau_rejected"

// Request mirrors the action_requests table. Requests are never updated.
type Request struct {
	ID          string
	UserID      string
	Kind        kinds.Kind
	TargetRef   string
	ConsentID   string
	SubmittedAt time.Time
	PlanID      *string
	StepIndex   *int
}

// Outcome is the executor's verdict on an executed action.
type Outcome struct {
	Result            string
	Error             string
	TriggeredHardPull bool
	At                time.Time
}

// Record mirrors the action_records table and owns the lifecycle state.
type Record struct {
	ID            string
	RequestID     string
	UserID        string
	Kind          kinds.Kind
	TargetRef     string
	ConsentID     string
	PlanID        *string
	StepIndex     *int
	Status        Status
	RiskLevel     risk.Level
	HumanRequired bool
	RiskReasons   []string
	ApprovedBy    *string
	RejectedBy    *string
	Reason        *string
	ReviewNote    *string
	Outcome       *Outcome
	SubmittedAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CountsAsRejectedDispute reports whether r is a dispute turned down on its
// merits, either by a reviewer or by the bureau.
func (r Record) CountsAsRejectedDispute() bool {
	if r.Kind != kinds.Dispute {
		return false
	}
	switch r.Status {
	case StatusRejected:
		return r.Reason != nil && *r.Reason == ReasonReviewerRejected
	case StatusCompleted:
		return r.Outcome != nil && r.Outcome.Result == OutcomeBureauRejected
	default:
		return false
	}
}

// Event is the ordered, append-only record of a single transition.
type Event struct {
	ActionID string     `json:"action_id"`
	Seq      int        `json:"seq"`
	From     Status     `json:"from"`
	To       Status     `json:"to"`
	At       time.Time  `json:"at"`
	Reason   *string    `json:"reason,omitempty"`
	Kind     kinds.Kind `json:"kind"`
	UserID   string     `json:"user_id"`
	PlanID   *string    `json:"plan_id,omitempty"`
}

// Result is what the executor reports back for an executing action.
type Result struct {
	Succeeded         bool
	Result            string
	Error             string
	TriggeredHardPull bool
	At                time.Time
}

// Decision is a reviewer's verdict on a pending action.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// SubmitParams enumerates what the UI layer supplies for a new request.
type SubmitParams struct {
	// RequestID is optional; callers that must not create duplicates on
	// retry pass a deterministic id.
	RequestID string
	UserID    string
	Kind      kinds.Kind
	TargetRef string
	ConsentID string
	PlanID    *string
	StepIndex *int
}

// ReviewParams enumerates a reviewer decision.
type ReviewParams struct {
	ActionID     string
	Decision     Decision
	ReviewerID   string
	ReviewerRole string
	Reason       string
}

// TransitionParams is a compare-and-set write of one transition. It only
// applies when the stored status and updated_at still equal From and
// ExpectedUpdatedAt.
type TransitionParams struct {
	ID                string
	From              Status
	ExpectedUpdatedAt time.Time
	To                Status
	At                time.Time
	ApprovedBy        *string
	RejectedBy        *string
	Reason            *string
	ReviewNote        *string
	Outcome           *Outcome
}
