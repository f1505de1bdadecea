package action

import "fmt"

// Trigger is an input to the lifecycle state machine.
type Trigger string

const (
	TriggerAdmit         Trigger = "admit"
	TriggerReject        Trigger = "reject"
	TriggerRequireReview Trigger = "require_review"
	TriggerExecute       Trigger = "execute"
	TriggerApprove       Trigger = "approve"
	TriggerComplete      Trigger = "complete"
	TriggerFail          Trigger = "fail"
	TriggerCancel        Trigger = "cancel"
)

var transitions = map[Status]map[Trigger]Status{
	StatusProposed: {
		TriggerAdmit:  StatusAdmitted,
		TriggerReject: StatusRejected,
	},
	StatusAdmitted: {
		TriggerRequireReview: StatusPendingApproval,
		TriggerExecute:       StatusExecuting,
		TriggerCancel:        StatusRejected,
	},
	StatusPendingApproval: {
		TriggerApprove: StatusApproved,
		TriggerReject:  StatusRejected,
		TriggerCancel:  StatusRejected,
	},
	StatusApproved: {
		TriggerExecute: StatusExecuting,
		TriggerCancel:  StatusRejected,
	},
	StatusExecuting: {
		TriggerComplete: StatusCompleted,
		TriggerFail:     StatusFailed,
	},
}

// Transition returns the status reached by applying t in current. It has no
// side effects; terminal statuses accept no trigger.
func Transition(current Status, t Trigger) (Status, error) {
	next, ok := transitions[current][t]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, current)
	}
	return next, nil
}
