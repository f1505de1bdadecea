package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditgate/consent"
	"creditgate/kinds"
	"creditgate/risk"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type consentStub map[string]bool

func (c consentStub) IsValid(_ context.Context, chk consent.Check) bool {
	return c[chk.ConsentID]
}

type factorsStub struct {
	factors risk.Factors
	err     error
}

func (f factorsStub) RiskFactors(context.Context, string) (risk.Factors, error) {
	return f.factors, f.err
}

type recordingExecutor struct {
	mu      sync.Mutex
	started []string
	err     error
	onStart func(Record)
}

func (e *recordingExecutor) Start(_ context.Context, rec Record) error {
	e.mu.Lock()
	e.started = append(e.started, rec.ID)
	e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	if e.onStart != nil {
		e.onStart(rec)
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func newTestService(repo Repository, consents ConsentVerifier) (*Service, *testClock) {
	clock := &testClock{t: time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)}
	var seq atomic.Int64
	svc := NewService(repo, consents, risk.NewEvaluator(risk.DefaultPolicy())).
		WithClock(clock.now).
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", seq.Add(1)) })
	return svc, clock
}

func disputeParams(consentID string) SubmitParams {
	return SubmitParams{UserID: "user-1", Kind: kinds.Dispute, TargetRef: "tradeline-1", ConsentID: consentID}
}

func TestSubmit_LowRiskExecutesImmediately(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	exec := &recordingExecutor{}
	pub := &recordingPublisher{}
	svc, _ := newTestService(repo, consentStub{"c1": true})
	svc.WithExecutor(exec).WithPublisher(pub)

	rec, err := svc.Submit(ctx, disputeParams("c1"))
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, rec.Status)
	assert.Equal(t, risk.LevelLow, rec.RiskLevel)
	assert.False(t, rec.HumanRequired)
	assert.Equal(t, []string{rec.ID}, exec.started)

	events, err := svc.Events(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, StatusProposed, events[0].From)
	assert.Equal(t, StatusAdmitted, events[0].To)
	assert.Equal(t, StatusExecuting, events[1].To)
	assert.Equal(t, 2, events[1].Seq)
	assert.Len(t, pub.events, 2)
}

func TestSubmit_RejectsEveryInvalidConsent(t *testing.T) {
	type setup func(t *testing.T, ctx context.Context, ledger *consent.Ledger, clock *testClock) string

	grant := func(p consent.GrantParams) setup {
		return func(t *testing.T, ctx context.Context, ledger *consent.Ledger, _ *testClock) string {
			rec, err := ledger.Grant(ctx, p)
			if err != nil {
				t.Fatalf("grant: %v", err)
			}
			return rec.ID
		}
	}
	disputeGrant := consent.GrantParams{UserID: "user-1", Kind: kinds.Dispute, Scope: "tradeline-1"}

	cases := map[string]setup{
		"empty id":    func(*testing.T, context.Context, *consent.Ledger, *testClock) string { return "" },
		"unknown id":  func(*testing.T, context.Context, *consent.Ledger, *testClock) string { return "does-not-exist" },
		"other user":  grant(consent.GrantParams{UserID: "user-2", Kind: kinds.Dispute, Scope: "tradeline-1"}),
		"wrong kind":  grant(consent.GrantParams{UserID: "user-1", Kind: kinds.FundingStep}),
		"wrong scope": grant(consent.GrantParams{UserID: "user-1", Kind: kinds.Dispute, Scope: "tradeline-9"}),
		"expired": func(t *testing.T, ctx context.Context, ledger *consent.Ledger, clock *testClock) string {
			exp := clock.now().Add(time.Hour)
			p := disputeGrant
			p.ExpiresAt = &exp
			id := grant(p)(t, ctx, ledger, clock)
			clock.advance(2 * time.Hour)
			return id
		},
		"revoked": func(t *testing.T, ctx context.Context, ledger *consent.Ledger, clock *testClock) string {
			id := grant(disputeGrant)(t, ctx, ledger, clock)
			clock.advance(time.Minute)
			if _, err := ledger.Revoke(ctx, "user-1", id); err != nil {
				t.Fatalf("revoke: %v", err)
			}
			clock.advance(time.Minute)
			return id
		},
	}

	for name, prepare := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := NewMemoryRepository()
			exec := &recordingExecutor{}
			clock := &testClock{t: time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)}
			ledger := consent.NewLedger(consent.NewMemoryRepository()).WithClock(clock.now)
			svc := NewService(repo, ledger, nil).WithClock(clock.now).WithExecutor(exec)

			consentID := prepare(t, ctx, ledger, clock)
			rec, err := svc.Submit(ctx, disputeParams(consentID))
			require.ErrorIs(t, err, ErrConsentMissingOrInvalid)
			assert.Equal(t, StatusRejected, rec.Status)
			require.NotNil(t, rec.Reason)
			assert.Equal(t, ReasonConsentMissingOrInvalid, *rec.Reason)
			assert.Empty(t, exec.started)

			stored, err := svc.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusRejected, stored.Status)
		})
	}
}

func TestSubmit_ValidLedgerConsentAdmits(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)}
	ledger := consent.NewLedger(consent.NewMemoryRepository()).WithClock(clock.now)
	svc := NewService(NewMemoryRepository(), ledger, nil).WithClock(clock.now)

	c, err := ledger.Grant(ctx, consent.GrantParams{UserID: "user-1", Kind: kinds.Dispute, Scope: "tradeline-1"})
	require.NoError(t, err)

	rec, err := svc.Submit(ctx, disputeParams(c.ID))
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, rec.Status)
}

func TestSubmit_RequestIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	svc, _ := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	svc.WithExecutor(exec)

	p := disputeParams("c1")
	p.RequestID = "req-fixed"
	first, err := svc.Submit(ctx, p)
	require.NoError(t, err)
	second, err := svc.Submit(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, exec.started, 1)
}

func TestSubmit_ValidatesInput(t *testing.T) {
	svc, _ := newTestService(NewMemoryRepository(), consentStub{})
	_, err := svc.Submit(context.Background(), SubmitParams{UserID: "u", Kind: "wire_transfer", TargetRef: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Submit(context.Background(), SubmitParams{UserID: "u", Kind: kinds.Dispute})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmit_ScoringFailureForcesReview(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	svc.WithFactors(factorsStub{err: errors.New("scoring unavailable")})

	rec, err := svc.Submit(ctx, disputeParams("c1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, rec.Status)
	assert.True(t, rec.HumanRequired)
	assert.Contains(t, rec.RiskReasons, risk.ReasonElevatedScrutiny)
}

func TestSubmit_RepeatDisputeAfterReviewerRejection(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	svc.WithFactors(factorsStub{factors: risk.Factors{ElevatedScrutiny: true}})

	first, err := svc.Submit(ctx, disputeParams("c1"))
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, first.Status)
	_, err = svc.Review(ctx, ReviewParams{
		ActionID: first.ID, Decision: DecisionReject,
		ReviewerID: "rev-1", ReviewerRole: "reviewer", Reason: "insufficient evidence",
	})
	require.NoError(t, err)

	svc.WithFactors(factorsStub{})
	clock.advance(24 * time.Hour)
	second, err := svc.Submit(ctx, disputeParams("c1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, second.Status)
	assert.Equal(t, risk.LevelMedium, second.RiskLevel)
	assert.Contains(t, second.RiskReasons, risk.ReasonRepeatDispute)

	clock.advance(31 * 24 * time.Hour)
	third, err := svc.Submit(ctx, disputeParams("c1"))
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, third.Status)
}

func pendingAction(t *testing.T, svc *Service) Record {
	t.Helper()
	svc.WithFactors(factorsStub{factors: risk.Factors{ElevatedScrutiny: true}})
	rec, err := svc.Submit(context.Background(), disputeParams("c1"))
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, rec.Status)
	svc.WithFactors(factorsStub{})
	return rec
}

func TestReview_RejectRequiresReason(t *testing.T) {
	svc, _ := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	rec := pendingAction(t, svc)

	_, err := svc.Review(context.Background(), ReviewParams{
		ActionID: rec.ID, Decision: DecisionReject, ReviewerID: "rev-1", ReviewerRole: "reviewer", Reason: "   ",
	})
	require.ErrorIs(t, err, ErrReasonRequired)

	stored, err := svc.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, stored.Status)
}

func TestReview_RejectPersistsReviewerAndNote(t *testing.T) {
	svc, _ := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	rec := pendingAction(t, svc)

	out, err := svc.Review(context.Background(), ReviewParams{
		ActionID: rec.ID, Decision: DecisionReject, ReviewerID: "rev-1", ReviewerRole: "admin", Reason: "duplicate of earlier dispute",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	require.NotNil(t, out.RejectedBy)
	assert.Equal(t, "rev-1", *out.RejectedBy)
	require.NotNil(t, out.ReviewNote)
	assert.Equal(t, "duplicate of earlier dispute", *out.ReviewNote)
	require.NotNil(t, out.Reason)
	assert.Equal(t, ReasonReviewerRejected, *out.Reason)
}

func TestReview_NotAuthorizedIsGeneric(t *testing.T) {
	svc, _ := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	rec := pendingAction(t, svc)
	ctx := context.Background()

	_, err := svc.Review(ctx, ReviewParams{ActionID: rec.ID, Decision: DecisionApprove, ReviewerID: "rev-1", ReviewerRole: "user"})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = svc.Review(ctx, ReviewParams{ActionID: rec.ID, Decision: DecisionApprove, ReviewerID: "user-1", ReviewerRole: "reviewer"})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	// Unknown actions look the same to an unauthorized caller.
	_, err = svc.Review(ctx, ReviewParams{ActionID: "missing", Decision: DecisionApprove, ReviewerID: "rev-1", ReviewerRole: "user"})
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestReview_ApproveExecutesAndOutcomeCompletes(t *testing.T) {
	ctx := context.Background()
	exec := &recordingExecutor{}
	svc, _ := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	svc.WithExecutor(exec)
	rec := pendingAction(t, svc)

	out, err := svc.Review(ctx, ReviewParams{ActionID: rec.ID, Decision: DecisionApprove, ReviewerID: "rev-1", ReviewerRole: "reviewer"})
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, out.Status)
	require.NotNil(t, out.ApprovedBy)
	assert.Equal(t, "rev-1", *out.ApprovedBy)
	assert.Equal(t, []string{rec.ID}, exec.started)

	done, err := svc.RecordOutcome(ctx, rec.ID, Result{Succeeded: true, Result: "bureau_accepted"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.Outcome)
	assert.Equal(t, "bureau_accepted", done.Outcome.Result)

	events, err := svc.Events(ctx, rec.ID)
	require.NoError(t, err)
	var path []Status
	for _, ev := range events {
		path = append(path, ev.To)
	}
	assert.Equal(t, []Status{StatusAdmitted, StatusPendingApproval, StatusApproved, StatusExecuting, StatusCompleted}, path)
}

// barrierRepo holds the first two reads until both have happened, so two
// reviewers act on the same snapshot.
type barrierRepo struct {
	*MemoryRepository
	gets    atomic.Int32
	arrived sync.WaitGroup
}

func (b *barrierRepo) Get(ctx context.Context, id string) (Record, error) {
	rec, err := b.MemoryRepository.Get(ctx, id)
	if b.gets.Add(1) <= 2 {
		b.arrived.Done()
		b.arrived.Wait()
	}
	return rec, err
}

func TestReview_ConcurrentDecisionsOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	setupSvc, _ := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	rec := pendingAction(t, setupSvc)

	repo := &barrierRepo{MemoryRepository: setupSvc.repo.(*MemoryRepository)}
	repo.arrived.Add(2)
	svc, _ := newTestService(repo, consentStub{"c1": true})

	decisions := []ReviewParams{
		{ActionID: rec.ID, Decision: DecisionApprove, ReviewerID: "rev-1", ReviewerRole: "reviewer"},
		{ActionID: rec.ID, Decision: DecisionReject, ReviewerID: "rev-2", ReviewerRole: "reviewer", Reason: "no"},
	}
	errs := make([]error, len(decisions))
	var wg sync.WaitGroup
	for i, d := range decisions {
		wg.Add(1)
		go func(i int, d ReviewParams) {
			defer wg.Done()
			_, errs[i] = svc.Review(ctx, d)
		}(i, d)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConcurrentModification):
			conflicts++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	events, err := svc.Events(ctx, rec.ID)
	require.NoError(t, err)
	decided := 0
	for _, ev := range events {
		if ev.From == StatusPendingApproval {
			decided++
		}
	}
	assert.Equal(t, 1, decided)
}

func hardPullFactors() factorsStub {
	return factorsStub{factors: risk.Factors{ProductPullClass: map[string]risk.PullClass{"card-x": risk.PullClassHard}}}
}

func fundingParams() SubmitParams {
	return SubmitParams{UserID: "user-1", Kind: kinds.FundingStep, TargetRef: "card-x", ConsentID: "c1"}
}

func TestReview_ApprovingPastPullCapIsPolicyViolation(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	svc.WithFactors(hardPullFactors())

	for i := 0; i < 2; i++ {
		rec, err := svc.Submit(ctx, fundingParams())
		require.NoError(t, err)
		require.Equal(t, StatusExecuting, rec.Status)
		_, err = svc.RecordOutcome(ctx, rec.ID, Result{Succeeded: true, TriggeredHardPull: true})
		require.NoError(t, err)
		clock.advance(time.Hour)
	}

	capped, err := svc.Submit(ctx, fundingParams())
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, capped.Status)
	assert.Equal(t, risk.LevelHigh, capped.RiskLevel)
	assert.Contains(t, capped.RiskReasons, risk.ReasonPullCapExceeded)

	out, err := svc.Review(ctx, ReviewParams{ActionID: capped.ID, Decision: DecisionApprove, ReviewerID: "rev-1", ReviewerRole: "reviewer"})
	require.ErrorIs(t, err, ErrPolicyViolation)
	assert.Equal(t, StatusRejected, out.Status)
	require.NotNil(t, out.Reason)
	assert.Equal(t, ReasonPullCapExceeded, *out.Reason)

	clock.advance(48 * time.Hour)
	later, err := svc.Submit(ctx, fundingParams())
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, later.Status)
}

func TestSubmit_InFlightHardPullsCountAgainstCap(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	svc.WithFactors(hardPullFactors())

	// No executor: both steps stay executing without an outcome.
	inflight := make([]Record, 0, 2)
	for i := 0; i < 2; i++ {
		rec, err := svc.Submit(ctx, fundingParams())
		require.NoError(t, err)
		require.Equal(t, StatusExecuting, rec.Status)
		inflight = append(inflight, rec)
	}
	reserved, err := svc.ReservedHardPulls(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, reserved)

	third, err := svc.Submit(ctx, fundingParams())
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, third.Status)
	assert.Contains(t, third.RiskReasons, risk.ReasonPullCapExceeded)

	// One in-flight step fails before reaching the bureau; the slot frees up.
	_, err = svc.RecordOutcome(ctx, inflight[0].ID, Result{Succeeded: false, Error: "declined"})
	require.NoError(t, err)
	approved, err := svc.Review(ctx, ReviewParams{ActionID: third.ID, Decision: DecisionApprove, ReviewerID: "rev-1", ReviewerRole: "reviewer"})
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, approved.Status)
}

func TestReview_ApprovalRechecksCapForAnyHardStep(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	svc.WithFactors(factorsStub{factors: risk.Factors{
		ElevatedScrutiny: true,
		ProductPullClass: map[string]risk.PullClass{"card-x": risk.PullClassHard},
	}})

	// Under the cap at submission, held for review by scrutiny alone.
	pending, err := svc.Submit(ctx, fundingParams())
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, pending.Status)
	assert.NotContains(t, pending.RiskReasons, risk.ReasonPullCapExceeded)

	svc.WithFactors(hardPullFactors())
	done, err := svc.Submit(ctx, fundingParams())
	require.NoError(t, err)
	require.Equal(t, StatusExecuting, done.Status)
	_, err = svc.RecordOutcome(ctx, done.ID, Result{Succeeded: true, TriggeredHardPull: true})
	require.NoError(t, err)

	// One pull on record plus the pending step itself fill the cap.
	queued, err := svc.Submit(ctx, fundingParams())
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, queued.Status)

	out, err := svc.Review(ctx, ReviewParams{ActionID: pending.ID, Decision: DecisionApprove, ReviewerID: "rev-1", ReviewerRole: "reviewer"})
	require.ErrorIs(t, err, ErrPolicyViolation)
	assert.Equal(t, StatusRejected, out.Status)
}

func TestSubmit_ExecutorFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	svc.WithExecutor(&recordingExecutor{err: errors.New("bureau timeout")})

	rec, err := svc.Submit(ctx, disputeParams("c1"))
	require.ErrorIs(t, err, ErrExecutorFailure)
	assert.Equal(t, StatusFailed, rec.Status)
	require.NotNil(t, rec.Reason)
	assert.Equal(t, ReasonExecutorFailure, *rec.Reason)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, "bureau timeout", rec.Outcome.Error)
}

func TestSubmit_SynchronousExecutorOutcomeIsVisible(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	exec := &recordingExecutor{}
	exec.onStart = func(rec Record) {
		if _, err := svc.RecordOutcome(ctx, rec.ID, Result{Succeeded: true, Result: "filed"}); err != nil {
			t.Errorf("record outcome: %v", err)
		}
	}
	svc.WithExecutor(exec)

	rec, err := svc.Submit(ctx, disputeParams("c1"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestTerminalRecordRejectsEveryOperation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryRepository(), consentStub{"c1": true})

	rec, err := svc.Submit(ctx, disputeParams("c1"))
	require.NoError(t, err)
	rec, err = svc.RecordOutcome(ctx, rec.ID, Result{Succeeded: false, Error: "rejected by bureau"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)
	before, err := svc.Events(ctx, rec.ID)
	require.NoError(t, err)

	_, err = svc.RecordOutcome(ctx, rec.ID, Result{Succeeded: true})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Cancel(ctx, rec.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Review(ctx, ReviewParams{ActionID: rec.ID, Decision: DecisionApprove, ReviewerID: "rev-1", ReviewerRole: "reviewer"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Review(ctx, ReviewParams{ActionID: rec.ID, Decision: DecisionReject, ReviewerID: "rev-1", ReviewerRole: "reviewer", Reason: "late"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	after, err := svc.Events(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	stored, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)
}

func TestReview_OnlyDecidesPendingApproval(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	svc, clock := newTestService(repo, consentStub{"c1": true})

	at := clock.now()
	for _, status := range []Status{StatusProposed, StatusAdmitted, StatusExecuting} {
		id := "seed-" + string(status)
		_, err := repo.Create(ctx, Request{ID: "req-" + id, UserID: "user-1", Kind: kinds.Dispute, TargetRef: "tradeline-1", ConsentID: "c1", SubmittedAt: at},
			Record{ID: id, RequestID: "req-" + id, UserID: "user-1", Kind: kinds.Dispute, TargetRef: "tradeline-1", ConsentID: "c1",
				Status: status, RiskLevel: risk.LevelLow, SubmittedAt: at, CreatedAt: at, UpdatedAt: at})
		require.NoError(t, err)
		before, err := svc.Get(ctx, id)
		require.NoError(t, err)

		_, err = svc.Review(ctx, ReviewParams{ActionID: id, Decision: DecisionReject, ReviewerID: "rev-1", ReviewerRole: "reviewer", Reason: "not needed"})
		assert.ErrorIs(t, err, ErrInvalidTransition, status)
		_, err = svc.Review(ctx, ReviewParams{ActionID: id, Decision: DecisionApprove, ReviewerID: "rev-1", ReviewerRole: "reviewer"})
		assert.ErrorIs(t, err, ErrInvalidTransition, status)

		after, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, before, after, status)
	}
}

func TestCancel_PendingBecomesRejected(t *testing.T) {
	svc, _ := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	rec := pendingAction(t, svc)

	out, err := svc.Cancel(context.Background(), rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	require.NotNil(t, out.Reason)
	assert.Equal(t, ReasonUserCancelled, *out.Reason)
}

func TestListPending_OldestFirst(t *testing.T) {
	svc, clock := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	first := pendingAction(t, svc)
	clock.advance(time.Minute)
	second := pendingAction(t, svc)

	queue, err := svc.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, first.ID, queue[0].ID)
	assert.Equal(t, second.ID, queue[1].ID)
}

func TestListByUser_NewestFirstAndScopedToKind(t *testing.T) {
	svc, clock := newTestService(NewMemoryRepository(), consentStub{"c1": true})
	first := pendingAction(t, svc)
	clock.advance(time.Minute)
	second := pendingAction(t, svc)

	mine, err := svc.ListByUser(context.Background(), first.UserID, kinds.Dispute, 10)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID)
	assert.Equal(t, first.ID, mine[1].ID)

	steps, err := svc.ListByUser(context.Background(), first.UserID, kinds.FundingStep, 10)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestCountsAsRejectedDispute(t *testing.T) {
	reason := func(s string) *string { return &s }
	cases := []struct {
		name string
		rec  Record
		want bool
	}{
		{"reviewer rejected", Record{Kind: kinds.Dispute, Status: StatusRejected, Reason: reason(ReasonReviewerRejected)}, true},
		{"user cancelled", Record{Kind: kinds.Dispute, Status: StatusRejected, Reason: reason(ReasonUserCancelled)}, false},
		{"bureau rejected", Record{Kind: kinds.Dispute, Status: StatusCompleted, Outcome: &Outcome{Result: OutcomeBureauRejected}}, true},
		{"filed", Record{Kind: kinds.Dispute, Status: StatusCompleted, Outcome: &Outcome{Result: "filed"}}, false},
		{"funding step", Record{Kind: kinds.FundingStep, Status: StatusRejected, Reason: reason(ReasonReviewerRejected)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.rec.CountsAsRejectedDispute())
		})
	}
}
