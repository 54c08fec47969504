// Package delegation defines delegation records: the transfer of authority
// over a base-chain account to a rollup instance for the lifetime of the
// delegation.
package delegation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the state of a delegation record.
type Status int32

const (
	StatusUnknown Status = iota

	// StatusDelegated means the account is under rollup control.
	StatusDelegated

	// StatusUndelegating means a settlement batch releasing the account is in flight.
	StatusUndelegating

	// StatusReleased means control returned to the base chain. Soft-deleted.
	StatusReleased
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusDelegated:
		return "delegated"
	case StatusUndelegating:
		return "undelegating"
	case StatusReleased:
		return "released"
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
	case "delegated":
		return StatusDelegated
	case "undelegating":
		return StatusUndelegating
	case "released":
		return StatusReleased
	default:
		return StatusUnknown
	}
}

// Active returns true while the rollup still holds authority over the account.
func (s Status) Active() bool {
	return s == StatusDelegated || s == StatusUndelegating
}

// Record ties a base-chain account to the rollup instance it is delegated to.
// At most one record per account may be in delegated status at any time.
type Record struct {
	ID          string    `json:"id"`
	RollupID    string    `json:"rollup_id"`
	AccountRef  string    `json:"account_ref"`
	Status      Status    `json:"status"`
	DelegatedAt time.Time `json:"delegated_at"`
	ReleasedAt  time.Time `json:"released_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}
