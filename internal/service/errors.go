package service

import "errors"

// Sentinel errors returned by the business services. Handlers map these to
// HTTP status codes with errors.Is.
var (
	// ErrNotFound indicates the requested entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the request lost a concurrency race or would
	// violate the entity's state machine
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates the request payload is malformed or violates
	// an invariant
	ErrValidation = errors.New("validation failed")
)
