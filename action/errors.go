package action

import "errors"

var (
	// ErrInvalidRequest wraps validation failures on caller input.
	ErrInvalidRequest = errors.New("action: invalid request")
	// ErrConsentMissingOrInvalid is returned when the referenced consent does
	// not authorize the request. The request is recorded as rejected.
	ErrConsentMissingOrInvalid = errors.New("action: consent missing or invalid")
	// ErrInvalidTransition is returned for a transition the lifecycle does not allow.
	ErrInvalidTransition = errors.New("action: invalid transition")
	// ErrConcurrentModification is returned when the record changed since it
	// was read. Callers may re-read and retry.
	ErrConcurrentModification = errors.New("action: concurrent modification")
	// ErrPolicyViolation is returned when the risk policy forbids the action.
	ErrPolicyViolation = errors.New("action: policy violation")
	// ErrExecutorFailure is returned when the executor could not run the action.
	ErrExecutorFailure = errors.New("action: executor failure")
	// ErrNotAuthorized is deliberately generic.
	ErrNotAuthorized = errors.New("action: not authorized")
	// ErrNotFound is returned when no action exists for the identifier.
	ErrNotFound = errors.New("action: not found")
	// ErrReasonRequired is returned when a rejection carries no reason.
	ErrReasonRequired = errors.New("action: reason required")
	// ErrDuplicateRequest signals the request id is already recorded.
	ErrDuplicateRequest = errors.New("action: duplicate request id")
)
