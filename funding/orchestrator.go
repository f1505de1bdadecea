package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"creditgate/action"
	"creditgate/consent"
	"creditgate/kinds"
	"creditgate/risk"
)

// ErrEmptyRoute is returned when the projection service proposes no steps.
var ErrEmptyRoute = errors.New("funding: projection returned no steps")

// requestNamespace seeds the deterministic request ids of plan actions.
var requestNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("creditgate/funding"))

// Projector is the funding-projection collaborator. The route order is
// prescriptive.
type Projector interface {
	Route(ctx context.Context, userID string) (Route, error)
}

// Actions is the part of the action service the orchestrator drives.
type Actions interface {
	Submit(ctx context.Context, p action.SubmitParams) (action.Record, error)
	Get(ctx context.Context, id string) (action.Record, error)
	Cancel(ctx context.Context, id, reason string) (action.Record, error)
	HardPullsSince(ctx context.Context, userID string, at time.Time) ([]time.Time, error)
	ReservedHardPulls(ctx context.Context, userID string) (int, error)
	Policy() risk.Policy
}

// reservedRecheck is how long a plan held by in-flight pulls waits before
// the sweeper looks at it again.
const reservedRecheck = 5 * time.Minute

type kickState struct {
	pending bool
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// Orchestrator admits plan steps one at a time as their predecessors finish.
type Orchestrator struct {
	repo       Repository
	actions    Actions
	consents   action.ConsentVerifier
	projector  Projector
	now        func() time.Time
	idGen      func() string
	logger     *slog.Logger
	sweepLimit int

	mu      sync.Mutex
	running map[string]*kickState
	users   map[string]*userLock
}

func NewOrchestrator(repo Repository, actions Actions, consents action.ConsentVerifier, projector Projector) *Orchestrator {
	return &Orchestrator{
		repo:       repo,
		actions:    actions,
		consents:   consents,
		projector:  projector,
		now:        time.Now,
		idGen:      func() string { return uuid.NewString() },
		logger:     slog.Default(),
		sweepLimit: 4,
		running:    make(map[string]*kickState),
		users:      make(map[string]*userLock),
	}
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

func (o *Orchestrator) WithIDGenerator(gen func() string) *Orchestrator {
	o.idGen = gen
	return o
}

func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger
	return o
}

// WithSweepConcurrency bounds how many paused plans one sweep re-evaluates at once.
func (o *Orchestrator) WithSweepConcurrency(n int) *Orchestrator {
	if n > 0 {
		o.sweepLimit = n
	}
	return o
}

// Activate opens a plan for userID under a sequence_activation consent and
// submits the activation for human review.
func (o *Orchestrator) Activate(ctx context.Context, userID, consentID string) (Plan, error) {
	if userID == "" {
		return Plan{}, fmt.Errorf("%w: user id required", action.ErrInvalidRequest)
	}
	now := o.stamp()
	if !o.consents.IsValid(ctx, consent.Check{
		ConsentID: consentID,
		UserID:    userID,
		Kind:      kinds.SequenceActivation,
		At:        now,
	}) {
		return Plan{}, action.ErrConsentMissingOrInvalid
	}

	route, err := o.projector.Route(ctx, userID)
	if err != nil {
		return Plan{}, fmt.Errorf("funding: fetch route: %w", err)
	}
	if len(route.Steps) == 0 {
		return Plan{}, ErrEmptyRoute
	}

	steps := make([]Step, len(route.Steps))
	for i, rs := range route.Steps {
		steps[i] = Step{
			Index:            i + 1,
			ProductRef:       rs.ProductRef,
			TriggersHardPull: rs.TriggersHardPull,
			Amount:           rs.Amount,
		}
	}
	plan, err := o.repo.Create(ctx, Plan{
		ID:             o.idGen(),
		UserID:         userID,
		ConsentID:      consentID,
		Steps:          steps,
		Status:         StatusActive,
		ProjectedTotal: route.ProjectedTotal,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return Plan{}, err
	}
	recordPlanStatus(ctx, plan.Status)
	o.logger.InfoContext(ctx, "funding plan created",
		slog.String("plan_id", plan.ID),
		slog.String("user_id", userID),
		slog.Int("steps", len(steps)),
	)

	if err := o.kick(ctx, plan.ID); err != nil {
		return plan, err
	}
	return o.Get(ctx, plan.ID)
}

// Get returns the plan with its hard-pull count recomputed from the outcome log.
func (o *Orchestrator) Get(ctx context.Context, planID string) (Plan, error) {
	plan, err := o.repo.Get(ctx, planID)
	if err != nil {
		return Plan{}, err
	}
	now := o.now().UTC()
	pulls, err := o.actions.HardPullsSince(ctx, plan.UserID, now)
	if err != nil {
		return Plan{}, err
	}
	plan.HardPullCount48h = risk.PullsInWindow(pulls, now, o.actions.Policy().PullWindow)
	return plan, nil
}

// Cancel stops a plan on behalf of its owner. Steps that have not started
// executing are rejected right away; an executing step is left to finish and
// the plan is aborted once it does.
func (o *Orchestrator) Cancel(ctx context.Context, userID, planID string) (Plan, error) {
	plan, err := o.repo.Get(ctx, planID)
	if err != nil {
		return Plan{}, err
	}
	if plan.UserID != userID {
		return Plan{}, ErrNotFound
	}
	if plan.Status != StatusActive && plan.Status != StatusPaused {
		return Plan{}, fmt.Errorf("%w: cannot cancel %s plan", action.ErrInvalidTransition, plan.Status)
	}

	if plan.CancelRequestedAt == nil {
		if err := o.markCancelRequested(ctx, planID); err != nil {
			return Plan{}, err
		}
		o.logger.InfoContext(ctx, "funding plan cancel requested", slog.String("plan_id", planID))
	}

	plan, err = o.repo.Get(ctx, planID)
	if err != nil {
		return Plan{}, err
	}
	for _, id := range plan.actionIDs() {
		if err := o.cancelAction(ctx, id); err != nil {
			return Plan{}, err
		}
	}

	if err := o.kick(ctx, planID); err != nil {
		return Plan{}, err
	}
	return o.Get(ctx, planID)
}

// HandleEvent advances the plan an action belongs to once that action settles.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev action.Event) error {
	if ev.PlanID == nil || !ev.To.Terminal() {
		return nil
	}
	return o.kick(ctx, *ev.PlanID)
}

func (o *Orchestrator) markCancelRequested(ctx context.Context, planID string) error {
	op := func() error {
		plan, err := o.repo.Get(ctx, planID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if plan.CancelRequestedAt != nil {
			return nil
		}
		now := o.stamp()
		plan.CancelRequestedAt = &now
		plan.UpdatedAt = now
		_, err = o.repo.Save(ctx, plan)
		if errors.Is(err, ErrStaleVersion) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	return backoff.Retry(op, o.retryPolicy(ctx))
}

// cancelAction rejects one plan action unless it is already executing or
// settled, retrying lost compare-and-set races after a re-read.
func (o *Orchestrator) cancelAction(ctx context.Context, actionID string) error {
	op := func() error {
		rec, err := o.actions.Get(ctx, actionID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if rec.Status.Terminal() || rec.Status == action.StatusExecuting {
			return nil
		}
		_, err = o.actions.Cancel(ctx, actionID, action.ReasonUserCancelled)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, action.ErrConcurrentModification), errors.Is(err, action.ErrInvalidTransition):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	if err := backoff.Retry(op, o.retryPolicy(ctx)); err != nil {
		return fmt.Errorf("funding: cancel action %s: %w", actionID, err)
	}
	return nil
}

func (o *Orchestrator) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(b, 8), ctx)
}

// kick runs advance for planID until nothing changes. A call that arrives
// while the plan is already being advanced, including a re-entrant one from
// an event published by that same advance, only marks it for another pass.
func (o *Orchestrator) kick(ctx context.Context, planID string) error {
	o.mu.Lock()
	if st, busy := o.running[planID]; busy {
		st.pending = true
		o.mu.Unlock()
		return nil
	}
	st := &kickState{}
	o.running[planID] = st
	o.mu.Unlock()

	for {
		more, err := o.advance(ctx, planID)
		if err != nil {
			o.logger.WarnContext(ctx, "funding plan advance failed", slog.String("plan_id", planID), slog.Any("error", err))
		}

		o.mu.Lock()
		again := st.pending || (more && err == nil)
		st.pending = false
		if !again {
			delete(o.running, planID)
			o.mu.Unlock()
			return err
		}
		o.mu.Unlock()
	}
}

// advance makes at most one change to the plan. It reports whether another
// pass may make further progress.
func (o *Orchestrator) advance(ctx context.Context, planID string) (bool, error) {
	plan, err := o.repo.Get(ctx, planID)
	if err != nil {
		return false, err
	}
	if plan.Status.Terminal() {
		return false, nil
	}
	cancelling := plan.CancelRequestedAt != nil

	if plan.ActivationActionID == nil {
		if cancelling {
			return o.finish(ctx, plan, StatusAborted, AbortUserCancelled)
		}
		rec, err := o.actions.Submit(ctx, action.SubmitParams{
			RequestID: planRequestID(plan.ID, 0),
			UserID:    plan.UserID,
			Kind:      kinds.SequenceActivation,
			TargetRef: plan.ID,
			ConsentID: plan.ConsentID,
			PlanID:    &plan.ID,
		})
		if rec.ID == "" {
			return false, fmt.Errorf("funding: submit activation: %w", err)
		}
		plan.ActivationActionID = &rec.ID
		return o.save(ctx, plan, plan.Status)
	}

	activation, err := o.actions.Get(ctx, *plan.ActivationActionID)
	if err != nil {
		return false, err
	}
	switch activation.Status {
	case action.StatusCompleted:
	case action.StatusRejected:
		return o.finish(ctx, plan, StatusAborted, abortReason(cancelling, AbortActivationRejected))
	case action.StatusFailed:
		return o.finish(ctx, plan, StatusAborted, abortReason(cancelling, AbortActivationFailed))
	default:
		return false, nil
	}

	for i, step := range plan.Steps {
		if step.ActionID == nil {
			if cancelling {
				return o.finish(ctx, plan, StatusAborted, AbortUserCancelled)
			}
			return o.admit(ctx, plan, i)
		}
		rec, err := o.actions.Get(ctx, *step.ActionID)
		if err != nil {
			return false, err
		}
		switch rec.Status {
		case action.StatusCompleted:
			continue
		case action.StatusRejected:
			return o.finish(ctx, plan, StatusAborted, abortReason(cancelling, AbortStepRejected))
		case action.StatusFailed:
			return o.finish(ctx, plan, StatusAborted, abortReason(cancelling, AbortStepFailed))
		default:
			// Step i is still in flight.
			return false, nil
		}
	}
	return o.finish(ctx, plan, StatusCompleted, "")
}

// admit submits step i, or holds the plan when a hard pull would break the cap.
func (o *Orchestrator) admit(ctx context.Context, plan Plan, i int) (bool, error) {
	step := plan.Steps[i]
	from := plan.Status
	now := o.now().UTC()

	if step.TriggersHardPull {
		// Plans of one user share the cap; their hard-pull admissions
		// go one at a time.
		unlock := o.lockUser(plan.UserID)
		defer unlock()

		policy := o.actions.Policy()
		pulls, err := o.actions.HardPullsSince(ctx, plan.UserID, now)
		if err != nil {
			return false, err
		}
		reserved, err := o.actions.ReservedHardPulls(ctx, plan.UserID)
		if err != nil {
			return false, err
		}
		onRecord := risk.PullsInWindow(pulls, now, policy.PullWindow)
		if onRecord+reserved >= policy.MaxPulls48h {
			until := now.Add(reservedRecheck).Truncate(time.Microsecond)
			if onRecord >= policy.MaxPulls48h {
				until = risk.AdmissibleAt(pulls, now, policy.PullWindow, policy.MaxPulls48h)
			}
			if plan.Status == StatusPaused && plan.HeldUntil != nil && plan.HeldUntil.Equal(until) {
				return false, nil
			}
			plan.Status = StatusPaused
			plan.HeldUntil = &until
			o.logger.InfoContext(ctx, "funding plan paused on hard-pull cap",
				slog.String("plan_id", plan.ID),
				slog.Int("step", step.Index),
				slog.Time("held_until", until),
				slog.Int("reserved", reserved),
			)
			_, err := o.save(ctx, plan, from)
			return false, err
		}
	}

	rec, err := o.actions.Submit(ctx, action.SubmitParams{
		RequestID: planRequestID(plan.ID, step.Index),
		UserID:    plan.UserID,
		Kind:      kinds.FundingStep,
		TargetRef: step.ProductRef,
		ConsentID: plan.ConsentID,
		PlanID:    &plan.ID,
		StepIndex: &step.Index,
	})
	if rec.ID == "" {
		return false, fmt.Errorf("funding: submit step %d: %w", step.Index, err)
	}
	plan.Steps[i].ActionID = &rec.ID
	plan.Status = StatusActive
	plan.HeldUntil = nil
	return o.save(ctx, plan, from)
}

// lockUser serializes hard-pull admissions of userID within this process.
func (o *Orchestrator) lockUser(userID string) func() {
	o.mu.Lock()
	l, ok := o.users[userID]
	if !ok {
		l = &userLock{}
		o.users[userID] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(o.users, userID)
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) finish(ctx context.Context, plan Plan, status Status, reason string) (bool, error) {
	from := plan.Status
	plan.Status = status
	plan.HeldUntil = nil
	if reason != "" {
		plan.AbortReason = &reason
	}
	o.logger.InfoContext(ctx, "funding plan finished",
		slog.String("plan_id", plan.ID),
		slog.String("status", string(status)),
		slog.String("reason", reason),
	)
	_, err := o.save(ctx, plan, from)
	return false, err
}

// save persists plan, whose status was from when it was read. A lost version
// race is not an error: the caller re-reads on the next pass.
func (o *Orchestrator) save(ctx context.Context, plan Plan, from Status) (bool, error) {
	plan.UpdatedAt = o.stamp()
	if _, err := o.repo.Save(ctx, plan); err != nil {
		if errors.Is(err, ErrStaleVersion) {
			return true, nil
		}
		return false, err
	}
	if from != plan.Status {
		recordPlanStatus(ctx, plan.Status)
	}
	return true, nil
}

func (o *Orchestrator) stamp() time.Time {
	return o.now().UTC().Truncate(time.Microsecond)
}

func (p Plan) actionIDs() []string {
	ids := make([]string, 0, len(p.Steps)+1)
	if p.ActivationActionID != nil {
		ids = append(ids, *p.ActivationActionID)
	}
	for _, s := range p.Steps {
		if s.ActionID != nil {
			ids = append(ids, *s.ActionID)
		}
	}
	return ids
}

func abortReason(cancelling bool, reason string) string {
	if cancelling {
		return AbortUserCancelled
	}
	return reason
}

// planRequestID derives the request id of a plan action; index 0 is the
// activation. Retried admissions therefore never create a second request.
func planRequestID(planID string, index int) string {
	return uuid.NewSHA1(requestNamespace, []byte(planID+"/"+strconv.Itoa(index))).String()
}
