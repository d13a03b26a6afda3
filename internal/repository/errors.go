package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrQueueFull is returned when the owning team already has the maximum number of in-flight deployments.
	ErrQueueFull = errors.New("repository: deployment queue full")
	// ErrDuplicateInFlight is returned when a deployment for the same target and pull request is queued or running.
	ErrDuplicateInFlight = errors.New("repository: deployment already in flight")
	// ErrConflict indicates a conditional state transition did not apply.
	ErrConflict = errors.New("repository: state conflict")
)
