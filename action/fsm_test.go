package action

import (
	"errors"
	"testing"
)

var allTriggers = []Trigger{
	TriggerAdmit, TriggerReject, TriggerRequireReview, TriggerExecute,
	TriggerApprove, TriggerComplete, TriggerFail, TriggerCancel,
}

func TestTransition_TerminalStatesAcceptNothing(t *testing.T) {
	for _, status := range []Status{StatusRejected, StatusCompleted, StatusFailed} {
		if !status.Terminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
		for _, trig := range allTriggers {
			next, err := Transition(status, trig)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s on %s: expected ErrInvalidTransition, got next=%q err=%v", trig, status, next, err)
			}
		}
	}
}

func TestTransition_Table(t *testing.T) {
	cases := []struct {
		from Status
		trig Trigger
		want Status
	}{
		{StatusProposed, TriggerAdmit, StatusAdmitted},
		{StatusProposed, TriggerReject, StatusRejected},
		{StatusAdmitted, TriggerRequireReview, StatusPendingApproval},
		{StatusAdmitted, TriggerExecute, StatusExecuting},
		{StatusAdmitted, TriggerCancel, StatusRejected},
		{StatusPendingApproval, TriggerApprove, StatusApproved},
		{StatusPendingApproval, TriggerReject, StatusRejected},
		{StatusPendingApproval, TriggerCancel, StatusRejected},
		{StatusApproved, TriggerExecute, StatusExecuting},
		{StatusExecuting, TriggerComplete, StatusCompleted},
		{StatusExecuting, TriggerFail, StatusFailed},
	}
	for _, tc := range cases {
		got, err := Transition(tc.from, tc.trig)
		if err != nil {
			t.Fatalf("%s on %s: unexpected error %v", tc.trig, tc.from, err)
		}
		if got != tc.want {
			t.Errorf("%s on %s: got %s want %s", tc.trig, tc.from, got, tc.want)
		}
	}
}

func TestTransition_NoSkippingReview(t *testing.T) {
	if _, err := Transition(StatusPendingApproval, TriggerExecute); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending actions must not execute without approval, got %v", err)
	}
	if _, err := Transition(StatusExecuting, TriggerCancel); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("executing actions must not be cancellable, got %v", err)
	}
	if _, err := Transition(StatusProposed, TriggerExecute); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("proposed actions must be admitted first, got %v", err)
	}
}
