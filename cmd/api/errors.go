package main

import (
	"errors"
	"log/slog"
	"net/http"

	"creditgate/action"
	"creditgate/auth"
	"creditgate/consent"
	"creditgate/funding"
	"creditgate/httpx"
	"creditgate/scoring"
)

// writeServiceError maps domain errors to the HTTP error envelope. rec, when
// non-nil, is the record the failed operation left behind and is returned
// as details for 422 and 502 responses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error, rec *action.Record) {
	var details any
	if rec != nil && rec.ID != "" {
		details = toActionResponse(*rec)
	}

	switch {
	case errors.Is(err, action.ErrConsentMissingOrInvalid):
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, action.ReasonConsentMissingOrInvalid, "consent missing or invalid", details)
	case errors.Is(err, action.ErrPolicyViolation):
		code := "policy_violation"
		if rec != nil && rec.Reason != nil {
			code = *rec.Reason
		}
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, code, "risk policy forbids this action", details)
	case errors.Is(err, funding.ErrEmptyRoute):
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, "empty_route", "no funding route available", nil)
	case errors.Is(err, action.ErrReasonRequired):
		httpx.WriteError(w, r, http.StatusBadRequest, "REASON_REQUIRED", "a reason is required to reject", nil)
	case errors.Is(err, action.ErrInvalidRequest),
		errors.Is(err, consent.ErrInvalidGrant),
		errors.Is(err, consent.ErrInvalidScope),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidInput):
		httpx.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	case errors.Is(err, action.ErrInvalidTransition):
		httpx.WriteError(w, r, http.StatusConflict, "INVALID_TRANSITION", "action cannot make that transition", nil)
	case errors.Is(err, action.ErrConcurrentModification):
		httpx.WriteError(w, r, http.StatusConflict, "CONCURRENT_MODIFICATION", "record changed, re-read and retry", nil)
	case errors.Is(err, consent.ErrAlreadyRevoked):
		httpx.WriteError(w, r, http.StatusConflict, "ALREADY_REVOKED", "consent already revoked", nil)
	case errors.Is(err, auth.ErrDuplicateEmail):
		httpx.WriteError(w, r, http.StatusConflict, "DUPLICATE_EMAIL", "email already registered", nil)
	case errors.Is(err, action.ErrNotAuthorized):
		httpx.WriteError(w, r, http.StatusForbidden, "NOT_AUTHORIZED", "not authorized", nil)
	case errors.Is(err, auth.ErrInvalidCredentials):
		httpx.WriteError(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials", nil)
	case errors.Is(err, action.ErrNotFound),
		errors.Is(err, consent.ErrNotFound),
		errors.Is(err, funding.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "not found", nil)
	case errors.Is(err, action.ErrExecutorFailure):
		httpx.WriteError(w, r, http.StatusBadGateway, action.ReasonExecutorFailure, "executor failed to start the action", details)
	case errors.Is(err, scoring.ErrUnavailable):
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "SCORING_UNAVAILABLE", "projection service unavailable", nil)
	default:
		s.log().ErrorContext(r.Context(), "request failed",
			slog.String("request_id", httpx.RequestIDFrom(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
