package risk

import "creditgate/kinds"

// rule inspects a request and reports whether it matched, the level it
// proposes, whether it forces human review and the reason code.
type rule func(p Policy, req Request, h History) (matched bool, level Level, human bool, reason string)

// Evaluator applies the ordered risk rules. It holds no mutable state and
// is safe for concurrent use.
type Evaluator struct {
	policy Policy
	rules  []rule
}

// NewEvaluator builds an evaluator for policy; zero fields take defaults.
func NewEvaluator(policy Policy) *Evaluator {
	return &Evaluator{
		policy: policy.Normalize(),
		rules: []rule{
			sequenceActivationRule,
			pullCapRule,
			repeatDisputeRule,
		},
	}
}

// Policy returns the normalized policy in force.
func (e *Evaluator) Policy() Policy {
	return e.policy
}

// Evaluate classifies req. The first matching rule sets the level, every
// matching rule adds its reason, and HumanRequired is only ever switched on.
// The request's SubmittedAt is the reference time, so identical inputs
// always give identical output.
func (e *Evaluator) Evaluate(req Request, h History) Assessment {
	out := Assessment{Level: LevelLow, Reasons: []string{}}
	leveled := false

	for _, r := range e.rules {
		matched, level, human, reason := r(e.policy, req, h)
		if !matched {
			continue
		}
		if !leveled {
			out.Level = level
			leveled = true
		}
		out.HumanRequired = out.HumanRequired || human
		if reason != "" {
			out.Reasons = append(out.Reasons, reason)
		}
	}

	if h.Factors.ElevatedScrutiny {
		out.HumanRequired = true
		out.Reasons = append(out.Reasons, ReasonElevatedScrutiny)
	}
	return out
}

func sequenceActivationRule(_ Policy, req Request, _ History) (bool, Level, bool, string) {
	if req.Kind != kinds.SequenceActivation {
		return false, "", false, ""
	}
	return true, LevelHigh, true, ReasonSequenceActivation
}

func pullCapRule(p Policy, req Request, h History) (bool, Level, bool, string) {
	if req.Kind != kinds.FundingStep {
		return false, "", false, ""
	}
	if h.Factors.PullClassFor(req.TargetRef) != PullClassHard {
		return false, "", false, ""
	}
	if !CapReached(h.HardPulls, req.SubmittedAt, p.PullWindow, p.MaxPulls48h) {
		return false, "", false, ""
	}
	return true, LevelHigh, true, ReasonPullCapExceeded
}

func repeatDisputeRule(p Policy, req Request, h History) (bool, Level, bool, string) {
	if req.Kind != kinds.Dispute {
		return false, "", false, ""
	}
	cutoff := req.SubmittedAt.Add(-p.RepeatDisputeWindow)
	for _, rej := range h.RejectedDisputes {
		if rej.TargetRef == req.TargetRef && rej.At.After(cutoff) && !rej.At.After(req.SubmittedAt) {
			return true, LevelMedium, true, ReasonRepeatDispute
		}
	}
	return false, "", false, ""
}
