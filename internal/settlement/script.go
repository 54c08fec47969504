package settlement

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/Ephemera-Network/rollup_console/internal/domain/event"
	"github.com/Ephemera-Network/rollup_console/internal/domain/settlement"
)

// ScriptStrategy evaluates a project-supplied JavaScript reducer over the
// event window. The script must define
//
//	function reduce(event) { ... }
//
// where event is {type, sequence, payload} with payload parsed as JSON.
// The return value is either null/undefined (no settlement effect) or an
// object {writes: {account: value, ...}, undelegate: [account, ...]}.
type ScriptStrategy struct {
	name string

	mu     sync.Mutex
	vm     *goja.Runtime
	reduce goja.Callable
}

var _ DiffStrategy = (*ScriptStrategy)(nil)

// NewScriptStrategy compiles and loads the reducer source.
func NewScriptStrategy(name, source string) (*ScriptStrategy, error) {
	vm := goja.New()
	if _, err := vm.RunString(source); err != nil {
		return nil, fmt.Errorf("load reducer script: %w", err)
	}

	reduce, ok := goja.AssertFunction(vm.Get("reduce"))
	if !ok {
		return nil, errors.New("reducer script must define reduce(event)")
	}

	if name == "" {
		name = "script"
	}
	return &ScriptStrategy{name: name, vm: vm, reduce: reduce}, nil
}

// Name implements DiffStrategy.
func (s *ScriptStrategy) Name() string { return s.name }

// Fold implements DiffStrategy. The runtime is single-threaded; folds are
// serialized under the strategy's own lock.
func (s *ScriptStrategy) Fold(diff *settlement.Diff, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	diff.EventCount++

	var payload interface{}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			payload = string(ev.Payload)
		}
	}

	arg := s.vm.ToValue(map[string]interface{}{
		"type":     ev.Type,
		"sequence": ev.Sequence,
		"payload":  payload,
	})

	res, err := s.reduce(goja.Undefined(), arg)
	if err != nil {
		return fmt.Errorf("reduce seq %d: %w", ev.Sequence, err)
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil
	}

	raw, err := json.Marshal(res.Export())
	if err != nil {
		return fmt.Errorf("reduce seq %d: encode result: %w", ev.Sequence, err)
	}

	var out struct {
		Writes     map[string]json.RawMessage `json:"writes"`
		Undelegate []string                   `json:"undelegate"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("reduce seq %d: decode result: %w", ev.Sequence, err)
	}

	for account, value := range out.Writes {
		if diff.WriteSet == nil {
			diff.WriteSet = make(map[string][]byte)
		}
		diff.WriteSet[account] = []byte(value)
	}
outer:
	for _, account := range out.Undelegate {
		for _, existing := range diff.Undelegations {
			if existing == account {
				continue outer
			}
		}
		diff.Undelegations = append(diff.Undelegations, account)
	}
	return nil
}
