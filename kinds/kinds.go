// Package kinds names the gated action kinds shared by the consent ledger,
// the risk policy and the action state machine.
package kinds

import "fmt"

// Kind identifies a discrete credit/financial operation subject to gating.
type Kind string

const (
	Dispute            Kind = "dispute"
	FundingStep        Kind = "funding_step"
	SequenceActivation Kind = "sequence_activation"
)

// Valid reports whether k is one of the known action kinds.
func (k Kind) Valid() bool {
	switch k {
	case Dispute, FundingStep, SequenceActivation:
		return true
	default:
		return false
	}
}

// RequiresScope reports whether consent for k must name a specific entity.
// Disputes always target one tradeline.
func (k Kind) RequiresScope() bool {
	return k == Dispute
}

// Parse converts raw input into a Kind.
func Parse(raw string) (Kind, error) {
	k := Kind(raw)
	if !k.Valid() {
		return "", fmt.Errorf("kinds: unknown action kind %q", raw)
	}
	return k, nil
}
