// Package actors drives concurrent load against a Postgres-backed creditgate
// object graph. Every actor loops until stop closes and treats the conflict
// errors the services document as expected outcomes.
package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"creditgate/action"
	"creditgate/auth"
	"creditgate/consent"
	"creditgate/executor"
	"creditgate/funding"
	"creditgate/kinds"
	"creditgate/notify"
	"creditgate/risk"
	"creditgate/scoring"
)

// Route is the funding route every stress plan follows. Two hard-pull
// products back to back push users into the pull cap.
var Route = funding.Route{
	Steps: []funding.RouteStep{
		{ProductRef: "secured-card", Amount: 300},
		{ProductRef: "builder-loan", TriggersHardPull: true, Amount: 1000},
		{ProductRef: "prime-card", TriggersHardPull: true, Amount: 2500},
		{ProductRef: "store-card", TriggersHardPull: true, Amount: 800},
	},
	ProjectedTotal: 4600,
}

// System is the service graph the actors share.
type System struct {
	Pool     *pgxpool.Pool
	Consents *consent.Ledger
	Actions  *action.Service
	Funding  *funding.Orchestrator
	Relay    *notify.Relay
	Policy   risk.Policy

	UserIDs    []string
	ReviewerID string

	// Tolerate counts unexpected errors in Errors instead of stopping the
	// actor. Chaos runs set it because killed backends surface as errors.
	Tolerate bool
	Errors   atomic.Int64

	mu       sync.Mutex
	consents map[string][]string
	plans    map[string][]string
	planned  int
}

// NewSystem wires PG repositories and seeds user accounts plus one reviewer.
func NewSystem(ctx context.Context, pool *pgxpool.Pool, users int) (*System, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := risk.DefaultPolicy()

	factors := risk.Factors{ProductPullClass: map[string]risk.PullClass{}}
	for _, step := range Route.Steps {
		factors.ProductPullClass[step.ProductRef] = risk.PullClassSoft
		if step.TriggersHardPull {
			factors.ProductPullClass[step.ProductRef] = risk.PullClassHard
		}
	}
	static := scoring.Static{Factors: factors, FundingRoute: Route}

	bus := notify.NewBus(logger)
	ledger := consent.NewLedger(consent.NewRepository(pool)).WithLogger(logger)
	actions := action.NewService(action.NewRepository(pool), ledger, risk.NewEvaluator(policy)).
		WithFactors(static).
		WithPublisher(bus).
		WithLogger(logger).
		WithReviewerRoles(string(auth.RoleReviewer))
	actions.WithExecutor(executor.NewSynchronous(actions, func(_ context.Context, rec action.Record) (action.Result, error) {
		res := action.Result{Succeeded: true, Result: "stress"}
		if rec.Kind == kinds.FundingStep {
			res.TriggeredHardPull = factors.PullClassFor(rec.TargetRef) == risk.PullClassHard
		}
		// Roughly one execution in ten fails.
		if rand.Intn(10) == 0 {
			return action.Result{Succeeded: false, Error: "bureau timeout", TriggeredHardPull: res.TriggeredHardPull}, nil
		}
		return res, nil
	}))

	orch := funding.NewOrchestrator(funding.NewRepository(pool), actions, ledger, static).
		WithLogger(logger).
		WithSweepConcurrency(4)
	bus.Subscribe("funding", orch.HandleEvent)

	s := &System{
		Pool:     pool,
		Consents: ledger,
		Actions:  actions,
		Funding:  orch,
		Relay:    notify.NewRelay(notify.NewPGStore(pool), notify.LogSink{Logger: logger}).WithLogger(logger),
		Policy:   policy,
		consents: map[string][]string{},
		plans:    map[string][]string{},
	}

	authSvc := auth.NewService(auth.NewRepository(pool), "stress-secret")
	for i := 0; i < users; i++ {
		u, err := authSvc.Register(ctx, auth.RegisterRequest{
			Email:    fmt.Sprintf("stress-%d-%d@example.com", i, rand.Int63()),
			Password: "password123",
			FullName: fmt.Sprintf("Stress User %d", i),
		})
		if err != nil {
			return nil, fmt.Errorf("seed user: %w", err)
		}
		s.UserIDs = append(s.UserIDs, u.ID)
	}
	reviewer, err := authSvc.Provision(ctx, auth.ProvisionRequest{
		Email:    fmt.Sprintf("reviewer-%d@example.com", rand.Int63()),
		Password: "password123",
		FullName: "Stress Reviewer",
		Role:     auth.RoleReviewer,
	})
	if err != nil {
		return nil, fmt.Errorf("seed reviewer: %w", err)
	}
	s.ReviewerID = reviewer.ID
	return s, nil
}

func (s *System) randomUser() string {
	return s.UserIDs[rand.Intn(len(s.UserIDs))]
}

// nextPlanUser hands out each user once. The pull cap is checked per
// submission, so concurrent plans of one user are kept out of the load.
func (s *System) nextPlanUser() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.planned >= len(s.UserIDs) {
		return "", false
	}
	id := s.UserIDs[s.planned]
	s.planned++
	return id, true
}

func (s *System) remember(m map[string][]string, userID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m[userID] = append(m[userID], id)
}

func (s *System) pick(m map[string][]string, userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := m[userID]
	if len(ids) == 0 {
		return "", false
	}
	return ids[rand.Intn(len(ids))], true
}

// expected reports whether err is a documented outcome under contention.
func expected(err error) bool {
	return err == nil ||
		errors.Is(err, action.ErrConsentMissingOrInvalid) ||
		errors.Is(err, action.ErrConcurrentModification) ||
		errors.Is(err, action.ErrInvalidTransition) ||
		errors.Is(err, action.ErrPolicyViolation) ||
		errors.Is(err, action.ErrNotAuthorized) ||
		errors.Is(err, consent.ErrAlreadyRevoked) ||
		errors.Is(err, funding.ErrStaleVersion)
}

func (s *System) loop(ctx context.Context, stop <-chan struct{}, pause func() time.Duration, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := step(); err != nil {
			if !s.Tolerate || ctx.Err() != nil {
				return err
			}
			s.Errors.Add(1)
		}
		time.Sleep(pause())
	}
}

func jitter(base, spread int) func() time.Duration {
	return func() time.Duration {
		return time.Duration(base+rand.Intn(spread)) * time.Millisecond
	}
}

// Disputer grants dispute consents and submits disputes, sometimes against
// the wrong tradeline so the consent check has to reject them.
func Disputer(ctx context.Context, s *System, stop <-chan struct{}) error {
	return s.loop(ctx, stop, jitter(10, 30), func() error {
		userID := s.randomUser()
		target := fmt.Sprintf("tradeline-%d", rand.Intn(5))
		c, err := s.Consents.Grant(ctx, consent.GrantParams{UserID: userID, Kind: kinds.Dispute, Scope: target})
		if err != nil {
			return fmt.Errorf("disputer grant: %w", err)
		}
		s.remember(s.consents, userID, c.ID)

		if rand.Intn(4) == 0 {
			target = "tradeline-other"
		}
		_, err = s.Actions.Submit(ctx, action.SubmitParams{
			UserID:    userID,
			Kind:      kinds.Dispute,
			TargetRef: target,
			ConsentID: c.ID,
		})
		if !expected(err) {
			return fmt.Errorf("disputer submit: %w", err)
		}
		return nil
	})
}

// Revoker withdraws consents users granted earlier, racing submissions.
func Revoker(ctx context.Context, s *System, stop <-chan struct{}) error {
	return s.loop(ctx, stop, jitter(30, 50), func() error {
		userID := s.randomUser()
		id, ok := s.pick(s.consents, userID)
		if !ok {
			return nil
		}
		_, err := s.Consents.Revoke(ctx, userID, id)
		if !expected(err) {
			return fmt.Errorf("revoker: %w", err)
		}
		return nil
	})
}

// Planner opens one funding plan per user under a fresh sequence consent.
func Planner(ctx context.Context, s *System, stop <-chan struct{}) error {
	return s.loop(ctx, stop, jitter(100, 200), func() error {
		userID, ok := s.nextPlanUser()
		if !ok {
			return nil
		}
		c, err := s.Consents.Grant(ctx, consent.GrantParams{UserID: userID, Kind: kinds.SequenceActivation})
		if err != nil {
			return fmt.Errorf("planner grant: %w", err)
		}
		s.remember(s.consents, userID, c.ID)
		plan, err := s.Funding.Activate(ctx, userID, c.ID)
		if err != nil && !expected(err) {
			return fmt.Errorf("planner activate: %w", err)
		}
		if plan.ID != "" {
			s.remember(s.plans, userID, plan.ID)
		}
		return nil
	})
}

// Reviewer works the review queue; several reviewers race for the same items.
func Reviewer(ctx context.Context, s *System, stop <-chan struct{}) error {
	return s.loop(ctx, stop, jitter(20, 40), func() error {
		pending, err := s.Actions.ListPending(ctx, 20)
		if err != nil {
			return fmt.Errorf("reviewer list: %w", err)
		}
		for _, rec := range pending {
			p := action.ReviewParams{
				ActionID:     rec.ID,
				Decision:     action.DecisionApprove,
				ReviewerID:   s.ReviewerID,
				ReviewerRole: string(auth.RoleReviewer),
			}
			if rand.Intn(5) == 0 {
				p.Decision = action.DecisionReject
				p.Reason = "stress rejection"
			}
			if _, err := s.Actions.Review(ctx, p); !expected(err) {
				return fmt.Errorf("reviewer %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// Canceller cancels random plans of random users.
func Canceller(ctx context.Context, s *System, stop <-chan struct{}) error {
	return s.loop(ctx, stop, jitter(200, 300), func() error {
		userID := s.randomUser()
		planID, ok := s.pick(s.plans, userID)
		if !ok {
			return nil
		}
		_, err := s.Funding.Cancel(ctx, userID, planID)
		if !expected(err) {
			return fmt.Errorf("canceller: %w", err)
		}
		return nil
	})
}

// OutboxWorker drains the outbox through the relay.
func OutboxWorker(ctx context.Context, s *System, stop <-chan struct{}) error {
	return s.loop(ctx, stop, jitter(100, 1), func() error {
		if _, err := s.Relay.Drain(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("outbox drain: %w", err)
		}
		return nil
	})
}

// Sweeper re-evaluates paused plans.
func Sweeper(ctx context.Context, s *System, stop <-chan struct{}) error {
	return s.loop(ctx, stop, jitter(500, 1), func() error {
		if _, err := s.Funding.SweepPaused(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("sweep: %w", err)
		}
		return nil
	})
}
