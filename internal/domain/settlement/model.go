// Package settlement defines settlement batches: the unit of state committed
// from a rollup instance back to the base chain, retained permanently for audit.
package settlement

import (
	"encoding/json"
	"fmt"
	"time"
)

// BatchStatus represents the submission state of a settlement batch.
type BatchStatus int32

const (
	BatchUnknown BatchStatus = iota

	// BatchPending means the diff is computed but not yet sent.
	BatchPending

	// BatchSubmitted means the diff was handed to the base chain and the
	// coordinator is waiting for a confirmation callback.
	BatchSubmitted

	// BatchConfirmed means the base chain accepted the batch. Terminal.
	BatchConfirmed

	// BatchFailed means the base chain definitively rejected the batch or
	// retries were exhausted. Terminal.
	BatchFailed
)

// String returns the string representation of the status.
func (s BatchStatus) String() string {
	switch s {
	case BatchPending:
		return "pending"
	case BatchSubmitted:
		return "submitted"
	case BatchConfirmed:
		return "confirmed"
	case BatchFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s BatchStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *BatchStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseBatchStatus(str)
	return nil
}

// ParseBatchStatus converts a string to BatchStatus.
func ParseBatchStatus(s string) BatchStatus {
	switch s {
	case "pending":
		return BatchPending
	case "submitted":
		return BatchSubmitted
	case "confirmed":
		return BatchConfirmed
	case "failed":
		return BatchFailed
	default:
		return BatchUnknown
	}
}

// Terminal returns true once the batch can no longer change state.
func (s BatchStatus) Terminal() bool {
	return s == BatchConfirmed || s == BatchFailed
}

// Diff is the net state change accumulated on a rollup instance over a range
// of ledger events. Its exact semantics belong to the rollup's execution
// model; the coordinator treats it as opaque output of a diff strategy.
type Diff struct {
	// WriteSet maps account references to their net serialized state.
	WriteSet map[string][]byte `json:"write_set"`

	// Undelegations lists accounts whose delegation ends with this batch.
	Undelegations []string `json:"undelegations,omitempty"`

	// EventCount records how many ledger events produced this diff.
	EventCount int `json:"event_count"`
}

// Batch is one settlement commit of rollup state to the base chain.
// The batch ID doubles as the idempotency key for base-chain submission.
type Batch struct {
	ID       string `json:"id"`
	RollupID string `json:"rollup_id"`

	// Covered ledger sequence range, inclusive.
	FromSeq uint64 `json:"from_seq"`
	ToSeq   uint64 `json:"to_seq"`

	Diff   Diff        `json:"diff"`
	Status BatchStatus `json:"status"`

	// TxRef is the base-chain transaction reference once submitted.
	TxRef    string `json:"tx_ref,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
