package registry

import "errors"

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("registry: record not found")

	// ErrConflict is returned when a CAS transition presents a stale
	// expected state. The caller must re-read and decide again; conflicts
	// are never retried silently.
	ErrConflict = errors.New("registry: state conflict")

	// ErrInvalidTransition is returned when the requested edge is not part
	// of the lifecycle state machine.
	ErrInvalidTransition = errors.New("registry: invalid state transition")
)
