package consent

import (
	"time"

	"creditgate/kinds"
)

// Record mirrors the consents table. Rows are never updated or deleted.
type Record struct {
	ID         string
	UserID     string
	ActionKind kinds.Kind
	Scope      string
	GrantedAt  time.Time
	ExpiresAt  *time.Time
	// Revokes is set on revocation rows and names the consent they withdraw.
	Revokes *string
}

// IsRevocation reports whether the record withdraws an earlier grant.
func (r Record) IsRevocation() bool {
	return r.Revokes != nil
}

// expiredAt reports whether the record is no longer in force at t.
func (r Record) expiredAt(t time.Time) bool {
	return r.ExpiresAt != nil && !t.Before(*r.ExpiresAt)
}

// covers reports whether a consent granted for r.ActionKind authorizes an
// action of kind k. Plan-level sequence consent is referenced by each
// funding step without a separate grant.
func (r Record) covers(k kinds.Kind) bool {
	if r.ActionKind == k {
		return true
	}
	return r.ActionKind == kinds.SequenceActivation && k == kinds.FundingStep
}

// Check enumerates what a caller wants a consent to authorize.
type Check struct {
	ConsentID string
	UserID    string
	Kind      kinds.Kind
	Scope     string
	At        time.Time
}

// GrantParams captures a new grant.
type GrantParams struct {
	UserID    string
	Kind      kinds.Kind
	Scope     string
	ExpiresAt *time.Time
}
