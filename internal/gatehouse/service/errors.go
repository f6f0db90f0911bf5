package service

import "errors"

var (
	// ErrUnauthenticated reports that no valid identity could be resolved
	// for the caller. Callers treat this as signed-out.
	ErrUnauthenticated = errors.New("service: unauthenticated")

	// ErrForbidden reports that the caller's identity resolved but lacks the
	// required authorization. Distinct from an empty result: "no one online"
	// and "not allowed to ask" must never be confused.
	ErrForbidden = errors.New("service: forbidden")

	// ErrSessionNotFound reports an unknown or already-closed session id.
	ErrSessionNotFound = errors.New("service: session not found")
)
