package registry

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a model artifact record.
type State string

const (
	StateUploaded         State = "uploaded"
	StateValidating       State = "validating"
	StateValidated        State = "validated"
	StateValidationFailed State = "validation_failed"
	StateCanaryPending    State = "canary_pending"
	StateCanaryActive     State = "canary_active"
	StatePromoted         State = "promoted"
	StateRolledBack       State = "rolled_back"
	StateCanaryTimedOut   State = "canary_timed_out"
	StateRetired          State = "retired"
)

// Terminal reports whether no further CAS transition may leave s.
func (s State) Terminal() bool {
	switch s {
	case StateValidationFailed, StateRolledBack, StateCanaryTimedOut, StateRetired:
		return true
	default:
		return false
	}
}

// edges is the CAS-reachable state machine. Operator overrides to
// validation_failed or rolled_back bypass it via Override.
var edges = map[State][]State{
	StateUploaded:      {StateValidating},
	StateValidating:    {StateValidated, StateValidationFailed},
	StateValidated:     {StateCanaryPending},
	StateCanaryPending: {StateCanaryActive, StateValidated, StateRolledBack},
	StateCanaryActive:  {StatePromoted, StateRolledBack, StateCanaryTimedOut},
	StatePromoted:      {StateRetired},
}

// ValidEdge reports whether from -> to is a legal CAS transition.
func ValidEdge(from, to State) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is a model artifact tracked by the registry. The ID and Digest are
// immutable once assigned; changing artifact content requires a new record.
type Record struct {
	ID        uuid.UUID      `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	Framework string         `json:"framework"`
	Type      string         `json:"type"`
	Tags      map[string]any `json:"tags"`
	Digest    string         `json:"digest"`
	State     State          `json:"state"`
	Revision  int64          `json:"revision"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Draft carries the caller-supplied fields for a new record.
type Draft struct {
	TenantID  string
	Name      string
	Version   string
	Framework string
	Type      string
	Tags      map[string]any
	Digest    string
}

// Transition is one entry in the append-only audit log of state changes.
type Transition struct {
	ID         int64     `json:"id"`
	ArtifactID uuid.UUID `json:"artifact_id"`
	FromState  State     `json:"from_state"`
	ToState    State     `json:"to_state"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}
