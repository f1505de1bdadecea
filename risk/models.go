package risk

import (
	"time"

	"creditgate/kinds"
)

// Level classifies how risky a proposed action is.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Reason codes attached to an Assessment.
const (
	ReasonSequenceActivation = "sequence-activation"
	ReasonPullCapExceeded    = "pull-cap-exceeded"
	ReasonRepeatDispute      = "repeat-dispute"
	ReasonElevatedScrutiny   = "elevated-scrutiny"
)

// PullClass describes whether applying for a product triggers a hard inquiry.
type PullClass string

const (
	PullClassHard PullClass = "hard"
	PullClassSoft PullClass = "soft"
)

// Request is the slice of an action request the policy looks at.
type Request struct {
	UserID      string
	Kind        kinds.Kind
	TargetRef   string
	SubmittedAt time.Time
}

// Factors are the scoring service's opinion of the user.
type Factors struct {
	ElevatedScrutiny bool
	ProductPullClass map[string]PullClass
}

// PullClassFor returns the pull class of a product. Products the scoring
// service has not classed are treated as hard pulls.
func (f Factors) PullClassFor(product string) PullClass {
	if c, ok := f.ProductPullClass[product]; ok {
		return c
	}
	return PullClassHard
}

// DisputeRejection records one rejected dispute of a target.
type DisputeRejection struct {
	TargetRef string
	At        time.Time
}

// History is the user's recent-action context, computed by the caller from
// the append-only outcome log and action records.
type History struct {
	// HardPulls are the timestamps of hard-pull outcomes. Only those inside
	// the policy window relative to the request count.
	HardPulls        []time.Time
	RejectedDisputes []DisputeRejection
	Factors          Factors
}

// Assessment is the derived risk classification of one request.
type Assessment struct {
	Level         Level
	HumanRequired bool
	Reasons       []string
}

// Policy parameterizes the rules.
type Policy struct {
	MaxPulls48h         int           `yaml:"max_pulls_48h"`
	PullWindow          time.Duration `yaml:"pull_window"`
	RepeatDisputeWindow time.Duration `yaml:"repeat_dispute_window"`
}

const (
	DefaultMaxPulls            = 2
	DefaultPullWindow          = 48 * time.Hour
	DefaultRepeatDisputeWindow = 30 * 24 * time.Hour
)

// DefaultPolicy returns the stock policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxPulls48h:         DefaultMaxPulls,
		PullWindow:          DefaultPullWindow,
		RepeatDisputeWindow: DefaultRepeatDisputeWindow,
	}
}

// Normalize fills zero fields with defaults.
func (p Policy) Normalize() Policy {
	if p.MaxPulls48h <= 0 {
		p.MaxPulls48h = DefaultMaxPulls
	}
	if p.PullWindow <= 0 {
		p.PullWindow = DefaultPullWindow
	}
	if p.RepeatDisputeWindow <= 0 {
		p.RepeatDisputeWindow = DefaultRepeatDisputeWindow
	}
	return p
}
