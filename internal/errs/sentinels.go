// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service/router layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrKeyUnavailable indicates no cached public key for the message recipient.
	// A send is refused before any network call is made.
	ErrKeyUnavailable = errors.New("recipient key unavailable")

	// ErrPersistence indicates the durable store rejected or lost a write.
	// Kept distinct from transport errors so callers never conflate the two.
	ErrPersistence = errors.New("persistence failure")

	// ErrNotConnected indicates the client transport is not established.
	ErrNotConnected = errors.New("not connected")
)
