package models

import "errors"

// Common errors for run session operations. The gateway maps these onto
// wire-level error kinds; everything else compares with errors.Is.
var (
	// Session errors
	ErrSessionNotFound   = errors.New("session not found")
	ErrDuplicateSession  = errors.New("session already exists")
	ErrSessionTerminated = errors.New("session is terminated")
	ErrSessionNotRunning = errors.New("session is not running")

	// Adapter errors
	ErrUnknownKind           = errors.New("unknown session kind")
	ErrCapabilityUnsupported = errors.New("capability not supported by adapter")
	ErrDuplicateRegistration = errors.New("adapter kind already registered")

	// Client errors
	ErrUnauthenticated = errors.New("not authenticated")
	ErrInvalidInput    = errors.New("invalid input")
	ErrSubscriberSlow  = errors.New("subscriber too slow")
)
