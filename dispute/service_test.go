package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditgate/action"
	"creditgate/kinds"
	"creditgate/risk"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	recs []action.Record
	err  error
}

func (f fakeSource) ListByUser(_ context.Context, userID string, kind kinds.Kind, _ int) ([]action.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []action.Record
	for _, r := range f.recs {
		if r.UserID == userID && r.Kind == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

func (fakeSource) Policy() risk.Policy { return risk.DefaultPolicy() }

func ptr(s string) *string { return &s }

func disputeRec(id, tradeline string, status action.Status, updated time.Time) action.Record {
	return action.Record{
		ID:          id,
		UserID:      "user-1",
		Kind:        kinds.Dispute,
		TargetRef:   tradeline,
		Status:      status,
		SubmittedAt: updated.Add(-time.Hour),
		UpdatedAt:   updated,
	}
}

func TestHistory_FoldsStatuses(t *testing.T) {
	filed := disputeRec("a1", "tl-1", action.StatusCompleted, t0)
	filed.Outcome = &action.Outcome{Result: "filed", At: t0}

	bureau := disputeRec("a2", "tl-2", action.StatusCompleted, t0)
	bureau.Outcome = &action.Outcome{Result: action.OutcomeBureauRejected, At: t0}

	declined := disputeRec("a3", "tl-3", action.StatusRejected, t0)
	declined.Reason = ptr(action.ReasonReviewerRejected)

	withdrawn := disputeRec("a4", "tl-4", action.StatusRejected, t0)
	withdrawn.Reason = ptr(action.ReasonUserCancelled)

	blocked := disputeRec("a5", "tl-5", action.StatusRejected, t0)
	blocked.Reason = ptr(action.ReasonConsentMissingOrInvalid)

	failed := disputeRec("a6", "tl-6", action.StatusFailed, t0)
	failed.Reason = ptr(action.ReasonExecutionFailed)

	open := disputeRec("a7", "tl-7", action.StatusPendingApproval, t0)

	other := disputeRec("a8", "tl-8", action.StatusCompleted, t0)
	other.UserID = "user-2"

	svc := NewService(fakeSource{recs: []action.Record{filed, bureau, declined, withdrawn, blocked, failed, open, other}}).
		WithClock(func() time.Time { return t0.Add(24 * time.Hour) })

	got, err := svc.History(context.Background(), "user-1", "", 0)
	require.NoError(t, err)
	require.Len(t, got, 7)

	want := []Status{StatusFiled, StatusBureauRejected, StatusDeclined, StatusWithdrawn, StatusBlocked, StatusFailed, StatusUnderReview}
	for i, d := range got {
		assert.Equal(t, want[i], d.Status, d.ActionID)
	}
	assert.Equal(t, "filed", got[0].Result)
	assert.Equal(t, action.ReasonExecutionFailed, got[5].Reason)
	assert.Nil(t, got[6].SettledAt)
	require.NotNil(t, got[0].SettledAt)
	assert.True(t, got[0].SettledAt.Equal(t0))
}

func TestHistory_RedisputeWindow(t *testing.T) {
	declined := disputeRec("a1", "tl-1", action.StatusRejected, t0)
	declined.Reason = ptr(action.ReasonReviewerRejected)
	withdrawn := disputeRec("a2", "tl-2", action.StatusRejected, t0)
	withdrawn.Reason = ptr(action.ReasonUserCancelled)
	src := fakeSource{recs: []action.Record{declined, withdrawn}}

	soon := NewService(src).WithClock(func() time.Time { return t0.Add(24 * time.Hour) })
	got, err := soon.History(context.Background(), "user-1", "", 0)
	require.NoError(t, err)
	require.NotNil(t, got[0].RedisputeAfter)
	assert.True(t, got[0].RedisputeAfter.Equal(t0.Add(risk.DefaultRepeatDisputeWindow)))
	assert.Nil(t, got[1].RedisputeAfter, "cancellations do not count against the tradeline")

	later := NewService(src).WithClock(func() time.Time { return t0.Add(risk.DefaultRepeatDisputeWindow + time.Minute) })
	got, err = later.History(context.Background(), "user-1", "", 0)
	require.NoError(t, err)
	assert.Nil(t, got[0].RedisputeAfter)
}

func TestHistory_FiltersByTradeline(t *testing.T) {
	src := fakeSource{recs: []action.Record{
		disputeRec("a1", "tl-1", action.StatusExecuting, t0),
		disputeRec("a2", "tl-2", action.StatusExecuting, t0),
	}}
	got, err := NewService(src).History(context.Background(), "user-1", "tl-2", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a2", got[0].ActionID)
}

func TestHistory_SourceError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewService(fakeSource{err: boom}).History(context.Background(), "user-1", "", 0)
	assert.ErrorIs(t, err, boom)
}
