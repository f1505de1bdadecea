package main

import (
	"time"

	"creditgate/action"
	"creditgate/auth"
	"creditgate/consent"
	"creditgate/funding"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: formatTime(u.CreatedAt),
	}
}

type consentResponse struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	ActionKind string  `json:"action_kind"`
	Scope      string  `json:"scope,omitempty"`
	GrantedAt  string  `json:"granted_at"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
	Revokes    *string `json:"revokes,omitempty"`
}

func toConsentResponse(rec consent.Record) consentResponse {
	return consentResponse{
		ID:         rec.ID,
		UserID:     rec.UserID,
		ActionKind: string(rec.ActionKind),
		Scope:      rec.Scope,
		GrantedAt:  formatTime(rec.GrantedAt),
		ExpiresAt:  formatTimePtr(rec.ExpiresAt),
		Revokes:    rec.Revokes,
	}
}

type outcomeResponse struct {
	Result            string `json:"result,omitempty"`
	Error             string `json:"error,omitempty"`
	TriggeredHardPull bool   `json:"triggered_hard_pull"`
	At                string `json:"at"`
}

type actionResponse struct {
	ActionID      string           `json:"action_id"`
	RequestID     string           `json:"request_id"`
	UserID        string           `json:"user_id"`
	Kind          string           `json:"kind"`
	TargetRef     string           `json:"target_ref"`
	PlanID        *string          `json:"plan_id,omitempty"`
	StepIndex     *int             `json:"step_index,omitempty"`
	Status        string           `json:"status"`
	RiskLevel     string           `json:"risk_level"`
	HumanRequired bool             `json:"human_required"`
	RiskReasons   []string         `json:"risk_reasons"`
	ApprovedBy    *string          `json:"approved_by,omitempty"`
	RejectedBy    *string          `json:"rejected_by,omitempty"`
	Reason        *string          `json:"reason,omitempty"`
	ReviewNote    *string          `json:"review_note,omitempty"`
	Outcome       *outcomeResponse `json:"outcome,omitempty"`
	SubmittedAt   string           `json:"submitted_at"`
	UpdatedAt     string           `json:"updated_at"`
}

func toActionResponse(rec action.Record) actionResponse {
	resp := actionResponse{
		ActionID:      rec.ID,
		RequestID:     rec.RequestID,
		UserID:        rec.UserID,
		Kind:          string(rec.Kind),
		TargetRef:     rec.TargetRef,
		PlanID:        rec.PlanID,
		StepIndex:     rec.StepIndex,
		Status:        string(rec.Status),
		RiskLevel:     string(rec.RiskLevel),
		HumanRequired: rec.HumanRequired,
		RiskReasons:   rec.RiskReasons,
		ApprovedBy:    rec.ApprovedBy,
		RejectedBy:    rec.RejectedBy,
		Reason:        rec.Reason,
		ReviewNote:    rec.ReviewNote,
		SubmittedAt:   formatTime(rec.SubmittedAt),
		UpdatedAt:     formatTime(rec.UpdatedAt),
	}
	if resp.RiskReasons == nil {
		resp.RiskReasons = []string{}
	}
	if rec.Outcome != nil {
		resp.Outcome = &outcomeResponse{
			Result:            rec.Outcome.Result,
			Error:             rec.Outcome.Error,
			TriggeredHardPull: rec.Outcome.TriggeredHardPull,
			At:                formatTime(rec.Outcome.At),
		}
	}
	return resp
}

type eventResponse struct {
	Seq    int     `json:"seq"`
	From   string  `json:"from"`
	To     string  `json:"to"`
	At     string  `json:"at"`
	Reason *string `json:"reason,omitempty"`
}

func toEventResponses(events []action.Event) []eventResponse {
	out := make([]eventResponse, len(events))
	for i, ev := range events {
		out[i] = eventResponse{
			Seq:    ev.Seq,
			From:   string(ev.From),
			To:     string(ev.To),
			At:     formatTime(ev.At),
			Reason: ev.Reason,
		}
	}
	return out
}

type planResponse struct {
	PlanID             string         `json:"plan_id"`
	UserID             string         `json:"user_id"`
	ConsentID          string         `json:"consent_id"`
	ActivationActionID *string        `json:"activation_action_id,omitempty"`
	Steps              []funding.Step `json:"steps"`
	Status             string         `json:"status"`
	ProjectedTotal     int64          `json:"projected_total"`
	HardPullCount48h   int            `json:"hard_pull_count_48h"`
	HeldUntil          *string        `json:"held_until,omitempty"`
	CancelRequestedAt  *string        `json:"cancel_requested_at,omitempty"`
	AbortReason        *string        `json:"abort_reason,omitempty"`
	CreatedAt          string         `json:"created_at"`
	UpdatedAt          string         `json:"updated_at"`
}

func toPlanResponse(p funding.Plan) planResponse {
	return planResponse{
		PlanID:             p.ID,
		UserID:             p.UserID,
		ConsentID:          p.ConsentID,
		ActivationActionID: p.ActivationActionID,
		Steps:              p.Steps,
		Status:             string(p.Status),
		ProjectedTotal:     p.ProjectedTotal,
		HardPullCount48h:   p.HardPullCount48h,
		HeldUntil:          formatTimePtr(p.HeldUntil),
		CancelRequestedAt:  formatTimePtr(p.CancelRequestedAt),
		AbortReason:        p.AbortReason,
		CreatedAt:          formatTime(p.CreatedAt),
		UpdatedAt:          formatTime(p.UpdatedAt),
	}
}
