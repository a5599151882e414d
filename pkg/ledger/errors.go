package ledger

import "errors"

var (
	// ErrNotFound is returned when a user, link, purchase or payout
	// request does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyProcessed marks duplicate delivery of an event that was
	// already applied. Callers treat it as idempotent success.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrAlreadyAttributed guards attribution immutability: once a user's
	// referrer is set it can never change.
	ErrAlreadyAttributed = errors.New("user already attributed")

	// ErrInsufficientBalance is returned when an adjustment would drive
	// balance_minor or hold_minor below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTokenTaken signals a referral token collision on link creation.
	ErrTokenTaken = errors.New("referral token already taken")

	// ErrInvalidStatus is returned on a state-machine transition from the
	// wrong state (e.g. approving a non-REQUESTED payout).
	ErrInvalidStatus = errors.New("invalid status transition")

	// ErrInvalidPercent is returned when a partner link percent falls
	// outside the allowed 10..50 range.
	ErrInvalidPercent = errors.New("percent must be between 10 and 50")

	// ErrPermissionDenied is returned when a non-admin attempts an
	// admin-only operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConcurrencyConflict is a transient serialization/lock failure
	// that survived the store's internal retries.
	ErrConcurrencyConflict = errors.New("concurrency conflict, try again")
)
