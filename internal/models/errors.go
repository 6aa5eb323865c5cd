package models

import "errors"

// Outcome taxonomy shared by the registry, directory, ledger and dispatcher.
// Callers classify with errors.Is; every layer wraps with its own prefix.
var (
	// ErrNotFound: unknown ride, driver or offer. Surfaced, never retried.
	ErrNotFound = errors.New("not found")

	// ErrConflict: optimistic-concurrency loss, the stored state already moved on.
	ErrConflict = errors.New("conflict")

	// ErrRejected: the candidate cannot take an offer right now.
	ErrRejected = errors.New("rejected")

	// ErrExpired: the offer TTL elapsed before the decision arrived.
	ErrExpired = errors.New("offer expired")

	// ErrAlreadyResolved: the offer already reached a terminal status.
	ErrAlreadyResolved = errors.New("offer already resolved")

	// ErrUnavailable: the underlying store could not be reached.
	ErrUnavailable = errors.New("store unavailable")

	// ErrAlreadyBusy is returned by the directory's busy gate.
	ErrAlreadyBusy = errors.New("driver already busy")

	ErrValidation = errors.New("validation error")
)
