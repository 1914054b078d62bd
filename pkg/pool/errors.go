package pool

import "errors"

// Sentinel errors for pool operations.
var (
	// ErrNoCapacity is returned when no healthy credential has a free slot
	// for the requested capability. Callers treat it as retryable
	// exhaustion: the pool never queues.
	ErrNoCapacity = errors.New("pool: no capacity")

	// ErrUnknownCapability is returned when no credential is configured
	// for the requested capability.
	ErrUnknownCapability = errors.New("pool: unknown capability")

	// ErrNoCredentials is returned by New when the credential list is empty.
	ErrNoCredentials = errors.New("pool: no credentials configured")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool: closed")
)
