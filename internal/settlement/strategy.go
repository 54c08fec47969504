// Package settlement computes state diffs from ledger events and drives
// batches through submission, confirmation, and the follow-on lifecycle and
// delegation updates.
package settlement

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/Ephemera-Network/rollup_console/internal/domain/event"
	"github.com/Ephemera-Network/rollup_console/internal/domain/settlement"
)

// DiffStrategy folds one ledger event into an accumulating settlement diff.
// The coordinator applies it over the unsettled window in sequence order.
type DiffStrategy interface {
	Name() string
	Fold(diff *settlement.Diff, ev event.Event) error
}

// Event types the built-in strategy understands. Other types still count
// toward the batch but carry no settlement effect.
const (
	EventStateWrite = "state_write"
	EventUndelegate = "undelegate"
)

// JSONStrategy interprets event payloads as JSON documents: state_write
// events carry an account and its new data, undelegate events schedule the
// account for release once the covering batch confirms. Later writes to the
// same account supersede earlier ones.
type JSONStrategy struct{}

var _ DiffStrategy = JSONStrategy{}

// Name implements DiffStrategy.
func (JSONStrategy) Name() string { return "json" }

// Fold implements DiffStrategy.
func (JSONStrategy) Fold(diff *settlement.Diff, ev event.Event) error {
	diff.EventCount++

	switch ev.Type {
	case EventStateWrite:
		account := gjson.GetBytes(ev.Payload, "account")
		data := gjson.GetBytes(ev.Payload, "data")
		if !account.Exists() || !data.Exists() {
			return fmt.Errorf("state_write seq %d: account and data required", ev.Sequence)
		}
		if diff.WriteSet == nil {
			diff.WriteSet = make(map[string][]byte)
		}
		diff.WriteSet[account.String()] = []byte(data.Raw)

	case EventUndelegate:
		account := gjson.GetBytes(ev.Payload, "account")
		if !account.Exists() {
			return fmt.Errorf("undelegate seq %d: account required", ev.Sequence)
		}
		ref := account.String()
		for _, existing := range diff.Undelegations {
			if existing == ref {
				return nil
			}
		}
		diff.Undelegations = append(diff.Undelegations, ref)
	}
	return nil
}
