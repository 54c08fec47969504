// Package event defines the durable transaction event record emitted by a
// running rollup instance. Events are append-only: once stored, a
// (rollup, sequence) pair never changes.
package event

import "time"

// Event is one transaction event pushed by a rollup instance.
type Event struct {
	RollupID string `json:"rollup_id"`

	// Epoch distinguishes successive ingestion connections from the same
	// instance; it disambiguates reconnect-induced replays.
	Epoch uint64 `json:"epoch"`

	// Sequence is monotonically increasing per rollup instance and gapless
	// within a connection epoch.
	Sequence uint64 `json:"sequence"`

	// Type tags the opaque payload so consumers can dispatch without
	// understanding the rollup's execution model.
	Type    string `json:"type"`
	Payload []byte `json:"payload"`

	ReceivedAt time.Time `json:"received_at"`
}

// EpochStatus is the audit record for one ingestion connection epoch.
type EpochStatus struct {
	RollupID     string    `json:"rollup_id"`
	Epoch        uint64    `json:"epoch"`
	LastSequence uint64    `json:"last_sequence"`
	GapDetected  bool      `json:"gap_detected"`
	GapAt        time.Time `json:"gap_at,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
