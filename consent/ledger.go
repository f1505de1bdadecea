package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidScope signals a grant without an entity scope for a kind that needs one.
	ErrInvalidScope = errors.New("consent: scope required for action kind")
	// ErrAlreadyRevoked signals a second revocation of the same consent.
	ErrAlreadyRevoked = errors.New("consent: already revoked")
	// ErrInvalidGrant wraps validation failures on grant and revoke input.
	ErrInvalidGrant = errors.New("consent: invalid grant")
)

// Ledger records user consent and answers whether a consent authorizes an action.
type Ledger struct {
	repo   Repository
	now    func() time.Time
	idGen  func() string
	logger *slog.Logger
}

// NewLedger wires a ledger over repo.
func NewLedger(repo Repository) *Ledger {
	return &Ledger{
		repo:   repo,
		now:    time.Now,
		idGen:  func() string { return uuid.NewString() },
		logger: slog.Default(),
	}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) WithIDGenerator(gen func() string) *Ledger {
	l.idGen = gen
	return l
}

func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// Grant records explicit consent by a user for one action kind and optional scope.
func (l *Ledger) Grant(ctx context.Context, params GrantParams) (Record, error) {
	if params.UserID == "" {
		return Record{}, fmt.Errorf("%w: missing user id", ErrInvalidGrant)
	}
	if !params.Kind.Valid() {
		return Record{}, fmt.Errorf("%w: unknown action kind %q", ErrInvalidGrant, params.Kind)
	}
	scope := strings.TrimSpace(params.Scope)
	if scope == "" && params.Kind.RequiresScope() {
		return Record{}, ErrInvalidScope
	}

	now := l.now().UTC()
	if params.ExpiresAt != nil && !params.ExpiresAt.After(now) {
		return Record{}, fmt.Errorf("%w: expiry must be in the future", ErrInvalidGrant)
	}

	rec, err := l.repo.Insert(ctx, Record{
		ID:         l.idGen(),
		UserID:     params.UserID,
		ActionKind: params.Kind,
		Scope:      scope,
		GrantedAt:  now,
		ExpiresAt:  params.ExpiresAt,
	})
	if err != nil {
		return Record{}, err
	}

	l.logger.InfoContext(ctx, "consent granted",
		slog.String("consent_id", rec.ID),
		slog.String("user_id", rec.UserID),
		slog.String("action_kind", string(rec.ActionKind)),
	)
	return rec, nil
}

// Revoke withdraws a consent by appending a revocation row whose expiry is
// the revocation instant. The original grant is kept for audit.
func (l *Ledger) Revoke(ctx context.Context, userID, consentID string) (Record, error) {
	orig, err := l.repo.Get(ctx, consentID)
	if err != nil {
		return Record{}, err
	}
	// Another user's consent is reported as missing.
	if orig.UserID != userID {
		return Record{}, ErrNotFound
	}
	if orig.IsRevocation() {
		return Record{}, fmt.Errorf("%w: %s is itself a revocation", ErrInvalidGrant, consentID)
	}
	existing, err := l.repo.FindRevocation(ctx, consentID)
	if err != nil {
		return Record{}, err
	}
	if existing != nil {
		return Record{}, ErrAlreadyRevoked
	}

	now := l.now().UTC()
	rec, err := l.repo.Insert(ctx, Record{
		ID:         l.idGen(),
		UserID:     orig.UserID,
		ActionKind: orig.ActionKind,
		Scope:      orig.Scope,
		GrantedAt:  now,
		ExpiresAt:  &now,
		Revokes:    &orig.ID,
	})
	if err != nil {
		return Record{}, err
	}

	l.logger.InfoContext(ctx, "consent revoked",
		slog.String("consent_id", orig.ID),
		slog.String("revocation_id", rec.ID),
	)
	return rec, nil
}

// Get returns the stored consent record.
func (l *Ledger) Get(ctx context.Context, id string) (Record, error) {
	return l.repo.Get(ctx, id)
}

// IsValid reports whether the consent authorizes the check. Unknown,
// expired, revoked, foreign and mismatched consents all report false; the
// caller cannot tell them apart.
func (l *Ledger) IsValid(ctx context.Context, check Check) bool {
	if check.ConsentID == "" {
		return false
	}
	at := check.At
	if at.IsZero() {
		at = l.now()
	}

	rec, err := l.repo.Get(ctx, check.ConsentID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			l.logger.WarnContext(ctx, "consent lookup failed", slog.String("consent_id", check.ConsentID), slog.Any("error", err))
		}
		return false
	}

	if rec.IsRevocation() {
		return false
	}
	if check.UserID != "" && rec.UserID != check.UserID {
		return false
	}
	if !rec.covers(check.Kind) {
		return false
	}
	if rec.Scope != "" && rec.Scope != strings.TrimSpace(check.Scope) {
		return false
	}
	if at.Before(rec.GrantedAt) || rec.expiredAt(at) {
		return false
	}

	revocation, err := l.repo.FindRevocation(ctx, rec.ID)
	if err != nil {
		l.logger.WarnContext(ctx, "consent revocation lookup failed", slog.String("consent_id", rec.ID), slog.Any("error", err))
		return false
	}
	if revocation != nil && !at.Before(revocation.GrantedAt) {
		return false
	}
	return true
}
