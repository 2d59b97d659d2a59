// Package errs contains sentinel errors and typed errors used across layers
// for stable error mapping.
package errs

import "errors"

// Common sentinels across client/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoSession indicates no persisted session is available.
	ErrNoSession = errors.New("no session")

	// ErrExpired indicates the invite is past its expiry.
	ErrExpired = errors.New("expired")

	// ErrInvalidCode indicates the invite code fails the 6-character format check.
	ErrInvalidCode = errors.New("invalid invite code")

	// ErrBusy indicates another mutating operation is already in flight for the step.
	ErrBusy = errors.New("operation in progress")

	// ErrTornDown indicates the component was shut down before the operation finished.
	ErrTornDown = errors.New("torn down")
)
