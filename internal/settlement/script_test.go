package settlement

import (
	"testing"

	"github.com/Ephemera-Network/rollup_console/internal/domain/event"
	"github.com/Ephemera-Network/rollup_console/internal/domain/settlement"
)

const transferReducer = `
function reduce(event) {
	if (event.type === "transfer") {
		var out = {writes: {}};
		out.writes[event.payload.to] = {balance: event.payload.amount};
		return out;
	}
	if (event.type === "exit") {
		return {undelegate: [event.payload.account]};
	}
	return null;
}
`

func TestScriptStrategy(t *testing.T) {
	s, err := NewScriptStrategy("transfers", transferReducer)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if s.Name() != "transfers" {
		t.Fatalf("name = %s", s.Name())
	}

	var diff settlement.Diff
	events := []event.Event{
		{Sequence: 1, Type: "transfer", Payload: []byte(`{"to":"acc1","amount":7}`)},
		{Sequence: 2, Type: "noise", Payload: []byte(`{}`)},
		{Sequence: 3, Type: "exit", Payload: []byte(`{"account":"acc2"}`)},
	}
	for _, ev := range events {
		if err := s.Fold(&diff, ev); err != nil {
			t.Fatalf("fold seq %d: %v", ev.Sequence, err)
		}
	}

	if diff.EventCount != 3 {
		t.Fatalf("event count = %d", diff.EventCount)
	}
	if string(diff.WriteSet["acc1"]) != `{"balance":7}` {
		t.Fatalf("acc1 = %s", diff.WriteSet["acc1"])
	}
	if len(diff.Undelegations) != 1 || diff.Undelegations[0] != "acc2" {
		t.Fatalf("undelegations = %v", diff.Undelegations)
	}
}

func TestScriptStrategyRequiresReduce(t *testing.T) {
	if _, err := NewScriptStrategy("", `var x = 1;`); err == nil {
		t.Fatal("expected error without reduce()")
	}
	if _, err := NewScriptStrategy("", `function reduce(`); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestScriptStrategyRuntimeError(t *testing.T) {
	s, err := NewScriptStrategy("", `function reduce(event) { throw new Error("boom"); }`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	var diff settlement.Diff
	if err := s.Fold(&diff, event.Event{Sequence: 1, Type: "x"}); err == nil {
		t.Fatal("expected runtime error to surface")
	}
}
