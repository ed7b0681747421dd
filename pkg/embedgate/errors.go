package embedgate

import "errors"

var (
	// ErrEntitlementNotFound is returned when no entitlement exists for a
	// (user, app) pair. The gateway never assumes defaults.
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrLimitExceeded is returned by storage when a usage record would cross
	// the cap in force
	ErrLimitExceeded = errors.New("usage limit exceeded")

	// ErrInvalidPolicy is returned for a malformed fair-use policy (missing
	// frequency). Treated as a configuration error, never guessed around.
	ErrInvalidPolicy = errors.New("invalid fair-use policy")

	// ErrStateNotFound is returned when neither a chunk set nor a legacy
	// document exists for a (user, app) pair
	ErrStateNotFound = errors.New("no saved app state")

	// ErrChunkMissing is returned when a chunk named by the manifest cannot
	// be read back
	ErrChunkMissing = errors.New("chunk missing")

	// ErrStorageUnavailable is returned when a required storage backend is nil
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNoActiveFrame is returned when a frame operation is attempted while
	// the session has no launched app
	ErrNoActiveFrame = errors.New("no active frame")
)
