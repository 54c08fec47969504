// Package instance defines the rollup instance entity and its lifecycle
// status. Status semantics are shared across the pipeline; only the
// lifecycle machine may write an instance's status.
package instance

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle status of a rollup instance.
type Status int32

const (
	// StatusUnknown indicates an uninitialized or unknown state.
	StatusUnknown Status = iota

	// StatusProvisioning indicates infrastructure for the instance is being set up.
	StatusProvisioning

	// StatusActive indicates the instance is executing and accepting events.
	StatusActive

	// StatusSettling indicates a settlement batch is in flight to the base chain.
	StatusSettling

	// StatusTerminated indicates the instance was torn down. Terminal.
	StatusTerminated

	// StatusFailed indicates provisioning or settlement failed permanently.
	// Terminal unless an operator retries back to provisioning.
	StatusFailed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusProvisioning:
		return "provisioning"
	case StatusActive:
		return "active"
	case StatusSettling:
		return "settling"
	case StatusTerminated:
		return "terminated"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// ParseStatus converts a string to Status.
func ParseStatus(s string) Status {
	switch s {
	case "provisioning":
		return StatusProvisioning
	case "active", "running": // Accept legacy alias
		return StatusActive
	case "settling", "committing":
		return StatusSettling
	case "terminated":
		return StatusTerminated
	case "failed":
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// IsTerminal returns true if this status represents a terminal state.
// Failed is terminal absent an explicit operator retry.
func (s Status) IsTerminal() bool {
	return s == StatusTerminated || s == StatusFailed
}

// AcceptsEvents returns true if the ingestion gateway may accept events
// from an instance in this status.
func (s Status) AcceptsEvents() bool {
	return s == StatusActive || s == StatusSettling
}

// ValidTransitions defines the allowed lifecycle edges.
var ValidTransitions = map[Status][]Status{
	StatusProvisioning: {StatusActive, StatusFailed},
	StatusActive:       {StatusSettling, StatusTerminated},
	StatusSettling:     {StatusActive, StatusTerminated, StatusFailed},
	// Operator retry after a permanent failure.
	StatusFailed: {StatusProvisioning},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to Status) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid lifecycle transition.
type TransitionError struct {
	InstanceID string
	From       Status
	To         Status
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid lifecycle transition for %s: %s -> %s", e.InstanceID, e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(id string, from, to Status) TransitionError {
	return TransitionError{InstanceID: id, From: from, To: to}
}

// Instance is an ephemeral rollup execution context belonging to a project.
type Instance struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Status    Status `json:"status"`

	// Endpoint references to the external runtimes this instance talks to.
	BaseChainRPC string `json:"base_chain_rpc"`
	RollupRPC    string `json:"rollup_rpc"`

	// PendingTeardown is set when teardown was requested while a settlement
	// still had to flush; the instance terminates once that batch confirms.
	PendingTeardown bool `json:"pending_teardown"`

	CreatedAt     time.Time `json:"created_at"`
	LastSettledAt time.Time `json:"last_settled_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}
