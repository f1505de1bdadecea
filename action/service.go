package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"creditgate/consent"
	"creditgate/kinds"
	"creditgate/risk"
)

// ConsentVerifier answers whether a consent authorizes an action.
type ConsentVerifier interface {
	IsValid(ctx context.Context, check consent.Check) bool
}

// Executor performs the real-world side effect of an executing action. Start
// returns once the action is handed off; the outcome arrives later through
// Service.RecordOutcome, possibly before Start returns.
type Executor interface {
	Start(ctx context.Context, rec Record) error
}

// FactorsSource supplies the scoring service's view of a user.
type FactorsSource interface {
	RiskFactors(ctx context.Context, userID string) (risk.Factors, error)
}

// Publisher receives committed transition events. Delivery problems are the
// publisher's to handle; they never affect the transition.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Service drives action records through their lifecycle.
type Service struct {
	repo          Repository
	consents      ConsentVerifier
	evaluator     *risk.Evaluator
	executor      Executor
	factors       FactorsSource
	publisher     Publisher
	now           func() time.Time
	idGen         func() string
	logger        *slog.Logger
	reviewerRoles map[string]bool
}

func NewService(repo Repository, consents ConsentVerifier, evaluator *risk.Evaluator) *Service {
	if evaluator == nil {
		evaluator = risk.NewEvaluator(risk.DefaultPolicy())
	}
	return &Service{
		repo:          repo,
		consents:      consents,
		evaluator:     evaluator,
		now:           time.Now,
		idGen:         func() string { return uuid.NewString() },
		logger:        slog.Default(),
		reviewerRoles: map[string]bool{"reviewer": true, "admin": true},
	}
}

func (s *Service) WithExecutor(ex Executor) *Service {
	s.executor = ex
	return s
}

func (s *Service) WithFactors(src FactorsSource) *Service {
	s.factors = src
	return s
}

func (s *Service) WithPublisher(pub Publisher) *Service {
	s.publisher = pub
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithReviewerRoles replaces the set of roles allowed to decide on pending actions.
func (s *Service) WithReviewerRoles(roles ...string) *Service {
	s.reviewerRoles = make(map[string]bool, len(roles))
	for _, r := range roles {
		s.reviewerRoles[r] = true
	}
	return s
}

// Policy exposes the risk policy in force.
func (s *Service) Policy() risk.Policy {
	return s.evaluator.Policy()
}

// Submit records a new action request, evaluates it and moves it as far
// through the lifecycle as it can go without a human. Resubmitting a known
// RequestID returns the existing record unchanged.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (Record, error) {
	p.UserID = strings.TrimSpace(p.UserID)
	p.TargetRef = strings.TrimSpace(p.TargetRef)
	switch {
	case p.UserID == "":
		return Record{}, fmt.Errorf("%w: user id required", ErrInvalidRequest)
	case !p.Kind.Valid():
		return Record{}, fmt.Errorf("%w: unknown action kind %q", ErrInvalidRequest, p.Kind)
	case p.TargetRef == "":
		return Record{}, fmt.Errorf("%w: target reference required", ErrInvalidRequest)
	}

	requestID := strings.TrimSpace(p.RequestID)
	if requestID != "" {
		existing, err := s.repo.GetByRequestID(ctx, requestID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
	} else {
		requestID = s.idGen()
	}

	now := s.stamp(time.Time{})
	history, err := s.history(ctx, p.UserID, now)
	if err != nil {
		return Record{}, err
	}
	assessment := s.evaluator.Evaluate(risk.Request{
		UserID:      p.UserID,
		Kind:        p.Kind,
		TargetRef:   p.TargetRef,
		SubmittedAt: now,
	}, history)

	req := Request{
		ID:          requestID,
		UserID:      p.UserID,
		Kind:        p.Kind,
		TargetRef:   p.TargetRef,
		ConsentID:   strings.TrimSpace(p.ConsentID),
		SubmittedAt: now,
		PlanID:      p.PlanID,
		StepIndex:   p.StepIndex,
	}
	rec, err := s.repo.Create(ctx, req, Record{
		ID:            s.idGen(),
		RequestID:     req.ID,
		UserID:        req.UserID,
		Kind:          req.Kind,
		TargetRef:     req.TargetRef,
		ConsentID:     req.ConsentID,
		PlanID:        req.PlanID,
		StepIndex:     req.StepIndex,
		Status:        StatusProposed,
		RiskLevel:     assessment.Level,
		HumanRequired: assessment.HumanRequired,
		RiskReasons:   assessment.Reasons,
		SubmittedAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			// Lost a race with an identical retry.
			return s.repo.GetByRequestID(ctx, req.ID)
		}
		return Record{}, err
	}
	recordSubmission(ctx, rec)
	s.logger.InfoContext(ctx, "action submitted",
		slog.String("action_id", rec.ID),
		slog.String("kind", string(rec.Kind)),
		slog.String("risk_level", string(rec.RiskLevel)),
		slog.Bool("human_required", rec.HumanRequired),
	)

	if !s.consents.IsValid(ctx, consent.Check{
		ConsentID: req.ConsentID,
		UserID:    req.UserID,
		Kind:      req.Kind,
		Scope:     consentScope(req),
		At:        now,
	}) {
		rec, err = s.apply(ctx, rec, TriggerReject, func(tp *TransitionParams) {
			tp.Reason = ptr(ReasonConsentMissingOrInvalid)
		})
		if err != nil {
			return rec, err
		}
		return rec, ErrConsentMissingOrInvalid
	}

	rec, err = s.apply(ctx, rec, TriggerAdmit, nil)
	if err != nil {
		return rec, err
	}
	if rec.HumanRequired {
		return s.apply(ctx, rec, TriggerRequireReview, nil)
	}
	return s.execute(ctx, rec)
}

// Review applies a reviewer decision to a pending action.
func (s *Service) Review(ctx context.Context, p ReviewParams) (Record, error) {
	if !s.reviewerRoles[p.ReviewerRole] || strings.TrimSpace(p.ReviewerID) == "" {
		return Record{}, ErrNotAuthorized
	}
	reason := strings.TrimSpace(p.Reason)
	switch p.Decision {
	case DecisionApprove:
	case DecisionReject:
		if reason == "" {
			return Record{}, ErrReasonRequired
		}
	default:
		return Record{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidRequest, p.Decision)
	}

	rec, err := s.repo.Get(ctx, p.ActionID)
	if err != nil {
		return Record{}, err
	}
	if rec.UserID == p.ReviewerID {
		return Record{}, ErrNotAuthorized
	}

	// Only records waiting in the review queue are decided by reviewers.
	if rec.Status != StatusPendingApproval {
		return rec, fmt.Errorf("%w: %s is not awaiting review", ErrInvalidTransition, rec.Status)
	}

	reviewer := p.ReviewerID
	if p.Decision == DecisionReject {
		return s.apply(ctx, rec, TriggerReject, func(tp *TransitionParams) {
			tp.RejectedBy = &reviewer
			tp.Reason = ptr(ReasonReviewerRejected)
			tp.ReviewNote = &reason
		})
	}

	if rec.Kind == kinds.FundingStep {
		blocked, err := s.pullCapReached(ctx, rec)
		if err != nil {
			return rec, err
		}
		if blocked {
			rec, err = s.apply(ctx, rec, TriggerReject, func(tp *TransitionParams) {
				tp.RejectedBy = &reviewer
				tp.Reason = ptr(ReasonPullCapExceeded)
				if reason != "" {
					tp.ReviewNote = &reason
				}
			})
			if err != nil {
				return rec, err
			}
			return rec, ErrPolicyViolation
		}
	}

	rec, err = s.apply(ctx, rec, TriggerApprove, func(tp *TransitionParams) {
		tp.ApprovedBy = &reviewer
		if reason != "" {
			tp.ReviewNote = &reason
		}
	})
	if err != nil {
		return rec, err
	}
	return s.execute(ctx, rec)
}

// RecordOutcome closes an executing action with the executor's result.
func (s *Service) RecordOutcome(ctx context.Context, actionID string, res Result) (Record, error) {
	rec, err := s.repo.Get(ctx, actionID)
	if err != nil {
		return Record{}, err
	}
	trigger := TriggerComplete
	if !res.Succeeded {
		trigger = TriggerFail
	}
	at := res.At.UTC().Truncate(time.Microsecond)
	if res.At.IsZero() {
		at = s.stamp(time.Time{})
	}
	return s.apply(ctx, rec, trigger, func(tp *TransitionParams) {
		tp.Outcome = &Outcome{
			Result:            res.Result,
			Error:             res.Error,
			TriggeredHardPull: res.TriggeredHardPull,
			At:                at,
		}
		if !res.Succeeded {
			tp.Reason = ptr(ReasonExecutionFailed)
		}
	})
}

// Cancel withdraws an action that has not started executing.
func (s *Service) Cancel(ctx context.Context, actionID, reason string) (Record, error) {
	if strings.TrimSpace(reason) == "" {
		reason = ReasonUserCancelled
	}
	rec, err := s.repo.Get(ctx, actionID)
	if err != nil {
		return Record{}, err
	}
	return s.apply(ctx, rec, TriggerCancel, func(tp *TransitionParams) {
		tp.Reason = &reason
	})
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetByRequestID(ctx context.Context, requestID string) (Record, error) {
	return s.repo.GetByRequestID(ctx, requestID)
}

// ListPending returns the review queue, oldest first.
func (s *Service) ListPending(ctx context.Context, limit int) ([]Record, error) {
	return s.repo.ListPending(ctx, limit)
}

func (s *Service) ListByPlan(ctx context.Context, planID string) ([]Record, error) {
	return s.repo.ListByPlan(ctx, planID)
}

// ListByUser returns up to limit of the user's records of kind, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, kind kinds.Kind, limit int) ([]Record, error) {
	return s.repo.ListByUser(ctx, userID, kind, limit)
}

func (s *Service) Events(ctx context.Context, actionID string) ([]Event, error) {
	return s.repo.Events(ctx, actionID)
}

// HardPullsSince returns the user's hard-pull timestamps inside the policy window ending now.
func (s *Service) HardPullsSince(ctx context.Context, userID string, at time.Time) ([]time.Time, error) {
	return s.repo.HardPulls(ctx, userID, at.Add(-s.evaluator.Policy().PullWindow))
}

func (s *Service) execute(ctx context.Context, rec Record) (Record, error) {
	rec, err := s.apply(ctx, rec, TriggerExecute, nil)
	if err != nil {
		return rec, err
	}
	if s.executor == nil {
		return rec, nil
	}

	startErr := s.executor.Start(ctx, rec)
	current, err := s.repo.Get(ctx, rec.ID)
	if err != nil {
		return rec, err
	}
	if startErr == nil {
		return current, nil
	}

	s.logger.WarnContext(ctx, "executor start failed", slog.String("action_id", rec.ID), slog.Any("error", startErr))
	if current.Status != StatusExecuting {
		return current, fmt.Errorf("%w: %v", ErrExecutorFailure, startErr)
	}
	failed, err := s.apply(ctx, current, TriggerFail, func(tp *TransitionParams) {
		tp.Reason = ptr(ReasonExecutorFailure)
		tp.Outcome = &Outcome{Error: startErr.Error(), At: tp.At}
	})
	if err != nil {
		return current, err
	}
	return failed, fmt.Errorf("%w: %v", ErrExecutorFailure, startErr)
}

// apply runs one compare-and-set transition and publishes its event after commit.
func (s *Service) apply(ctx context.Context, rec Record, t Trigger, mutate func(*TransitionParams)) (Record, error) {
	next, err := Transition(rec.Status, t)
	if err != nil {
		return rec, err
	}
	params := TransitionParams{
		ID:                rec.ID,
		From:              rec.Status,
		ExpectedUpdatedAt: rec.UpdatedAt,
		To:                next,
		At:                s.stamp(rec.UpdatedAt),
	}
	if mutate != nil {
		mutate(&params)
	}

	updated, ev, err := s.repo.Transition(ctx, params)
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			recordConflict(ctx, next)
		}
		return rec, err
	}
	recordTransition(ctx, ev)
	s.logger.InfoContext(ctx, "action transition",
		slog.String("action_id", ev.ActionID),
		slog.String("from", string(ev.From)),
		slog.String("to", string(ev.To)),
	)
	if s.publisher != nil {
		s.publisher.Publish(ctx, ev)
	}
	return updated, nil
}

func (s *Service) history(ctx context.Context, userID string, at time.Time) (risk.History, error) {
	policy := s.evaluator.Policy()
	var h risk.History

	h.Factors = s.riskFactors(ctx, userID)

	pulls, err := s.repo.HardPulls(ctx, userID, at.Add(-policy.PullWindow))
	if err != nil {
		return risk.History{}, err
	}
	reserved, err := s.reservedHardPulls(ctx, userID, "", h.Factors)
	if err != nil {
		return risk.History{}, err
	}
	// In-flight hard pulls count as if they landed now.
	for i := 0; i < reserved; i++ {
		pulls = append(pulls, at)
	}
	h.HardPulls = pulls

	disputes, err := s.repo.RejectedDisputes(ctx, userID, at.Add(-policy.RepeatDisputeWindow))
	if err != nil {
		return risk.History{}, err
	}
	h.RejectedDisputes = disputes
	return h, nil
}

// pullCapReached reports whether rec's hard pull would break the cap,
// counting the in-flight hard pulls of every other action of the user.
func (s *Service) pullCapReached(ctx context.Context, rec Record) (bool, error) {
	factors := s.riskFactors(ctx, rec.UserID)
	if factors.PullClassFor(rec.TargetRef) != risk.PullClassHard {
		return false, nil
	}
	policy := s.evaluator.Policy()
	now := s.now().UTC()
	pulls, err := s.repo.HardPulls(ctx, rec.UserID, now.Add(-policy.PullWindow))
	if err != nil {
		return false, err
	}
	reserved, err := s.reservedHardPulls(ctx, rec.UserID, rec.ID, factors)
	if err != nil {
		return false, err
	}
	return risk.PullsInWindow(pulls, now, policy.PullWindow)+reserved >= policy.MaxPulls48h, nil
}

// ReservedHardPulls counts the user's funding steps that are on their way to
// a hard pull but have no outcome yet.
func (s *Service) ReservedHardPulls(ctx context.Context, userID string) (int, error) {
	return s.reservedHardPulls(ctx, userID, "", s.riskFactors(ctx, userID))
}

func (s *Service) reservedHardPulls(ctx context.Context, userID, exclude string, factors risk.Factors) (int, error) {
	recs, err := s.repo.ListByUser(ctx, userID, kinds.FundingStep, maxListLimit)
	if err != nil {
		return 0, fmt.Errorf("action: reserved pulls: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if rec.ID == exclude || rec.Status.Terminal() {
			continue
		}
		if factors.PullClassFor(rec.TargetRef) == risk.PullClassHard {
			n++
		}
	}
	return n, nil
}

// riskFactors asks the scoring source about userID. Without an answer the
// user gets elevated scrutiny.
func (s *Service) riskFactors(ctx context.Context, userID string) risk.Factors {
	if s.factors == nil {
		return risk.Factors{}
	}
	factors, err := s.factors.RiskFactors(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "risk factors unavailable", slog.String("user_id", userID), slog.Any("error", err))
		return risk.Factors{ElevatedScrutiny: true}
	}
	return factors
}

// stamp returns the current time at storage precision, never earlier than floor.
func (s *Service) stamp(floor time.Time) time.Time {
	at := s.now().UTC().Truncate(time.Microsecond)
	if at.Before(floor) {
		return floor
	}
	return at
}

// consentScope picks the entity a consent must be scoped to: disputes are
// scoped to their tradeline, plan steps to their plan.
func consentScope(req Request) string {
	if req.Kind != kinds.Dispute && req.PlanID != nil {
		return *req.PlanID
	}
	return req.TargetRef
}

func ptr[T any](v T) *T {
	return &v
}
