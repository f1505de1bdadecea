package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditgate/kinds"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func hardCard() Factors {
	return Factors{ProductPullClass: map[string]PullClass{"card-gold": PullClassHard, "secured-1": PullClassSoft}}
}

func TestEvaluate_SequenceActivationAlwaysHigh(t *testing.T) {
	e := NewEvaluator(DefaultPolicy())
	got := e.Evaluate(Request{Kind: kinds.SequenceActivation, SubmittedAt: t0}, History{})

	assert.Equal(t, LevelHigh, got.Level)
	assert.True(t, got.HumanRequired)
	assert.Equal(t, []string{ReasonSequenceActivation}, got.Reasons)
}

func TestEvaluate_PullCap(t *testing.T) {
	e := NewEvaluator(DefaultPolicy())
	req := Request{Kind: kinds.FundingStep, TargetRef: "card-gold", SubmittedAt: t0.Add(time.Hour)}

	under := e.Evaluate(req, History{HardPulls: []time.Time{t0}, Factors: hardCard()})
	assert.Equal(t, LevelLow, under.Level)
	assert.False(t, under.HumanRequired)

	atCap := e.Evaluate(req, History{HardPulls: []time.Time{t0, t0}, Factors: hardCard()})
	assert.Equal(t, LevelHigh, atCap.Level)
	assert.True(t, atCap.HumanRequired)
	assert.Contains(t, atCap.Reasons, ReasonPullCapExceeded)

	soft := e.Evaluate(Request{Kind: kinds.FundingStep, TargetRef: "secured-1", SubmittedAt: req.SubmittedAt},
		History{HardPulls: []time.Time{t0, t0, t0}, Factors: hardCard()})
	assert.Equal(t, LevelLow, soft.Level, "soft-pull products ignore the cap")

	expired := e.Evaluate(Request{Kind: kinds.FundingStep, TargetRef: "card-gold", SubmittedAt: t0.Add(48 * time.Hour)},
		History{HardPulls: []time.Time{t0, t0}, Factors: hardCard()})
	assert.Equal(t, LevelLow, expired.Level, "pulls leave the window after 48h")
}

func TestEvaluate_RepeatDispute(t *testing.T) {
	e := NewEvaluator(DefaultPolicy())
	req := Request{Kind: kinds.Dispute, TargetRef: "tl-1", SubmittedAt: t0}

	recent := e.Evaluate(req, History{RejectedDisputes: []DisputeRejection{{TargetRef: "tl-1", At: t0.Add(-29 * 24 * time.Hour)}}})
	assert.Equal(t, LevelMedium, recent.Level)
	assert.True(t, recent.HumanRequired)
	assert.Equal(t, []string{ReasonRepeatDispute}, recent.Reasons)

	old := e.Evaluate(req, History{RejectedDisputes: []DisputeRejection{{TargetRef: "tl-1", At: t0.Add(-31 * 24 * time.Hour)}}})
	assert.Equal(t, LevelLow, old.Level)

	other := e.Evaluate(req, History{RejectedDisputes: []DisputeRejection{{TargetRef: "tl-2", At: t0.Add(-time.Hour)}}})
	assert.Equal(t, LevelLow, other.Level)
}

func TestEvaluate_ElevatedScrutinyForcesHumanWithoutLoweringLevel(t *testing.T) {
	e := NewEvaluator(DefaultPolicy())

	low := e.Evaluate(Request{Kind: kinds.Dispute, TargetRef: "tl-1", SubmittedAt: t0}, History{Factors: Factors{ElevatedScrutiny: true}})
	assert.Equal(t, LevelLow, low.Level)
	assert.True(t, low.HumanRequired)
	assert.Equal(t, []string{ReasonElevatedScrutiny}, low.Reasons)

	high := e.Evaluate(Request{Kind: kinds.SequenceActivation, SubmittedAt: t0}, History{Factors: Factors{ElevatedScrutiny: true}})
	assert.Equal(t, LevelHigh, high.Level)
	assert.Equal(t, []string{ReasonSequenceActivation, ReasonElevatedScrutiny}, high.Reasons)
}

func TestEvaluate_Deterministic(t *testing.T) {
	e := NewEvaluator(DefaultPolicy())
	req := Request{Kind: kinds.FundingStep, TargetRef: "card-gold", SubmittedAt: t0}
	h := History{HardPulls: []time.Time{t0.Add(-time.Hour), t0.Add(-2 * time.Hour)}, Factors: hardCard()}

	first := e.Evaluate(req, h)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, e.Evaluate(req, h))
	}
}

func TestEvaluate_HumanRequiredMonotonicAcrossRuleOrders(t *testing.T) {
	always := func(human bool, level Level, reason string) rule {
		return func(Policy, Request, History) (bool, Level, bool, string) {
			return true, level, human, reason
		}
	}
	on := always(true, LevelMedium, "on")
	off := always(false, LevelLow, "off")

	orders := [][]rule{
		{on, off, off},
		{off, on, off},
		{off, off, on},
	}
	for i, order := range orders {
		e := &Evaluator{policy: DefaultPolicy(), rules: order}
		got := e.Evaluate(Request{Kind: kinds.Dispute, SubmittedAt: t0}, History{})
		assert.Truef(t, got.HumanRequired, "order %d cleared human_required", i)
		assert.Len(t, got.Reasons, 3)
	}
}

func TestAdmissibleAt(t *testing.T) {
	pulls := []time.Time{t0, t0.Add(30 * time.Minute)}
	window := 48 * time.Hour

	at := t0.Add(time.Hour)
	assert.True(t, CapReached(pulls, at, window, 2))
	assert.Equal(t, t0.Add(window), AdmissibleAt(pulls, at, window, 2))
	assert.Equal(t, at, AdmissibleAt(pulls, at, window, 3))
	assert.False(t, CapReached(pulls, t0.Add(window), window, 2))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte("policy:\n  max_pulls_48h: 3\n  pull_window: 24h\n"), DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, 3, p.MaxPulls48h)
	assert.Equal(t, 24*time.Hour, p.PullWindow)
	assert.Equal(t, DefaultRepeatDisputeWindow, p.RepeatDisputeWindow)

	_, err = ParsePolicy([]byte("policy:\n  max_pulls_48h: -1\n"), DefaultPolicy())
	assert.Error(t, err)
}

func TestParsePolicy_DocumentedShape(t *testing.T) {
	doc := "policy:\n  max_pulls_48h: 4\n  pull_window: 72h\n  repeat_dispute_window: 720h\n"
	p, err := ParsePolicy([]byte(doc), DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, Policy{MaxPulls48h: 4, PullWindow: 72 * time.Hour, RepeatDisputeWindow: 720 * time.Hour}, p)

	// Keys outside the policy block would otherwise be dropped silently.
	_, err = ParsePolicy([]byte("max_pulls_48h: 4\npull_window: 72h\n"), DefaultPolicy())
	assert.Error(t, err)

	p, err = ParsePolicy(nil, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)
}

func TestEvaluate_UnclassedProductCountsAsHardPull(t *testing.T) {
	e := NewEvaluator(DefaultPolicy())
	req := Request{Kind: kinds.FundingStep, TargetRef: "card-new", SubmittedAt: t0.Add(time.Hour)}

	assert.Equal(t, PullClassHard, Factors{}.PullClassFor("card-new"))
	assert.Equal(t, PullClassSoft, hardCard().PullClassFor("secured-1"))

	got := e.Evaluate(req, History{HardPulls: []time.Time{t0, t0}, Factors: hardCard()})
	assert.Equal(t, LevelHigh, got.Level)
	assert.Contains(t, got.Reasons, ReasonPullCapExceeded)
}
