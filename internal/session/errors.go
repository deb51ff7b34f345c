package session

import "errors"

// Sentinel errors for session operations.
var (
	// ErrSessionNotFound indicates no session exists with the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSequence indicates a turn would violate the strict role
	// alternation invariant.
	ErrSequence = errors.New("turn sequence violation")

	// ErrSessionBusy indicates the session already has an in-flight
	// operation; sessions are single-threaded actors.
	ErrSessionBusy = errors.New("session busy")

	// ErrValidation indicates malformed input rejected before any state
	// mutation.
	ErrValidation = errors.New("invalid input")

	// ErrStreamActive indicates a second stream was requested while one is
	// in flight for the session.
	ErrStreamActive = errors.New("stream already active for session")

	// ErrStreamNotFound indicates no in-flight stream matches the request.
	ErrStreamNotFound = errors.New("stream not found")
)
