package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ephemera-Network/rollup_console/internal/domain/delegation"
	"github.com/Ephemera-Network/rollup_console/internal/domain/event"
	"github.com/Ephemera-Network/rollup_console/internal/domain/instance"
	"github.com/Ephemera-Network/rollup_console/internal/domain/settlement"
)

// Memory is a thread-safe in-memory persistence layer implementing the
// storage interfaces in this package. It is intended for tests and
// prototyping and deliberately keeps the implementation simple.
type Memory struct {
	mu          sync.RWMutex
	instances   map[string]instance.Instance
	delegations map[string]delegation.Record // keyed rollupID/accountRef
	events      map[string][]event.Event    // keyed rollupID, sorted by sequence
	eventSeqs   map[string]map[uint64]struct{}
	epochs      map[string]uint64 // last allocated epoch per rollup
	epochStatus map[string]map[uint64]event.EpochStatus
	batches     map[string]settlement.Batch
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		instances:   make(map[string]instance.Instance),
		delegations: make(map[string]delegation.Record),
		events:      make(map[string][]event.Event),
		eventSeqs:   make(map[string]map[uint64]struct{}),
		epochs:      make(map[string]uint64),
		epochStatus: make(map[string]map[uint64]event.EpochStatus),
		batches:     make(map[string]settlement.Batch),
	}
}

func delegationKey(rollupID, accountRef string) string {
	return rollupID + "/" + accountRef
}

// InstanceStore implementation -------------------------------------------------

func (m *Memory) CreateInstance(_ context.Context, inst instance.Instance) (instance.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst.ID == "" {
		inst.ID = uuid.NewString()
	} else if _, exists := m.instances[inst.ID]; exists {
		return instance.Instance{}, fmt.Errorf("instance %s already exists", inst.ID)
	}

	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	m.instances[inst.ID] = inst
	return inst, nil
}

func (m *Memory) UpdateInstance(_ context.Context, inst instance.Instance) (instance.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.instances[inst.ID]
	if !ok {
		return instance.Instance{}, ErrNotFound
	}

	inst.CreatedAt = original.CreatedAt
	inst.UpdatedAt = time.Now().UTC()

	m.instances[inst.ID] = inst
	return inst, nil
}

func (m *Memory) GetInstance(_ context.Context, id string) (instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return instance.Instance{}, ErrNotFound
	}
	return inst, nil
}

func (m *Memory) ListInstances(_ context.Context, projectID string) ([]instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]instance.Instance, 0)
	for _, inst := range m.instances {
		if projectID == "" || inst.ProjectID == projectID {
			result = append(result, inst)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// DelegationStore implementation ------------------------------------------------

func (m *Memory) UpsertDelegation(_ context.Context, rec delegation.Record) (delegation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.UpdatedAt = time.Now().UTC()

	m.delegations[delegationKey(rec.RollupID, rec.AccountRef)] = rec
	return rec, nil
}

func (m *Memory) GetDelegation(_ context.Context, rollupID, accountRef string) (delegation.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.delegations[delegationKey(rollupID, accountRef)]
	if !ok {
		return delegation.Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) GetActiveByAccount(_ context.Context, accountRef string) (delegation.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.delegations {
		if rec.AccountRef == accountRef && rec.Status.Active() {
			return rec, nil
		}
	}
	return delegation.Record{}, ErrNotFound
}

func (m *Memory) ListDelegations(_ context.Context, rollupID string) ([]delegation.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]delegation.Record, 0)
	for _, rec := range m.delegations {
		if rec.RollupID == rollupID {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DelegatedAt.Before(result[j].DelegatedAt) })
	return result, nil
}

// EventStore implementation -----------------------------------------------------

func (m *Memory) InsertEvent(_ context.Context, ev event.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seqs, ok := m.eventSeqs[ev.RollupID]
	if !ok {
		seqs = make(map[uint64]struct{})
		m.eventSeqs[ev.RollupID] = seqs
	}
	if _, dup := seqs[ev.Sequence]; dup {
		return false, nil
	}

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	seqs[ev.Sequence] = struct{}{}

	events := m.events[ev.RollupID]
	// Events almost always arrive in order; fall back to a sort when not.
	if n := len(events); n > 0 && events[n-1].Sequence > ev.Sequence {
		events = append(events, ev)
		sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	} else {
		events = append(events, ev)
	}
	m.events[ev.RollupID] = events
	return true, nil
}

func (m *Memory) ListEventsSince(_ context.Context, rollupID string, fromSeq uint64, limit int) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[rollupID]
	idx := sort.Search(len(events), func(i int) bool { return events[i].Sequence > fromSeq })

	result := make([]event.Event, 0, len(events)-idx)
	for _, ev := range events[idx:] {
		result = append(result, ev)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) LastSequence(_ context.Context, rollupID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[rollupID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Sequence, nil
}

// EpochStore implementation -----------------------------------------------------

func (m *Memory) NextEpoch(_ context.Context, rollupID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.epochs[rollupID]++
	return m.epochs[rollupID], nil
}

func (m *Memory) UpsertEpochStatus(_ context.Context, es event.EpochStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses, ok := m.epochStatus[es.RollupID]
	if !ok {
		statuses = make(map[uint64]event.EpochStatus)
		m.epochStatus[es.RollupID] = statuses
	}
	es.UpdatedAt = time.Now().UTC()
	statuses[es.Epoch] = es
	return nil
}

func (m *Memory) ListEpochs(_ context.Context, rollupID string) ([]event.EpochStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]event.EpochStatus, 0, len(m.epochStatus[rollupID]))
	for _, es := range m.epochStatus[rollupID] {
		result = append(result, es)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Epoch < result[j].Epoch })
	return result, nil
}

// BatchStore implementation -----------------------------------------------------

func (m *Memory) CreateBatch(_ context.Context, b settlement.Batch) (settlement.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.ID == "" {
		b.ID = uuid.NewString()
	} else if _, exists := m.batches[b.ID]; exists {
		return settlement.Batch{}, fmt.Errorf("batch %s already exists", b.ID)
	}

	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	m.batches[b.ID] = cloneBatch(b)
	return b, nil
}

func (m *Memory) UpdateBatch(_ context.Context, b settlement.Batch) (settlement.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.batches[b.ID]
	if !ok {
		return settlement.Batch{}, ErrNotFound
	}

	b.CreatedAt = original.CreatedAt
	b.UpdatedAt = time.Now().UTC()

	m.batches[b.ID] = cloneBatch(b)
	return b, nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (settlement.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.batches[id]
	if !ok {
		return settlement.Batch{}, ErrNotFound
	}
	return cloneBatch(b), nil
}

func (m *Memory) LatestConfirmed(_ context.Context, rollupID string) (settlement.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		found  bool
		latest settlement.Batch
	)
	for _, b := range m.batches {
		if b.RollupID != rollupID || b.Status != settlement.BatchConfirmed {
			continue
		}
		if !found || b.ToSeq > latest.ToSeq {
			latest = b
			found = true
		}
	}
	if !found {
		return settlement.Batch{}, ErrNotFound
	}
	return cloneBatch(latest), nil
}

func (m *Memory) ListUnresolved(_ context.Context) ([]settlement.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]settlement.Batch, 0)
	for _, b := range m.batches {
		if b.Status == settlement.BatchPending || b.Status == settlement.BatchSubmitted {
			result = append(result, cloneBatch(b))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *Memory) ListBatches(_ context.Context, rollupID string) ([]settlement.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]settlement.Batch, 0)
	for _, b := range m.batches {
		if b.RollupID == rollupID {
			result = append(result, cloneBatch(b))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Helpers ---------------------------------------------------------------------

func cloneBatch(b settlement.Batch) settlement.Batch {
	if b.Diff.WriteSet != nil {
		ws := make(map[string][]byte, len(b.Diff.WriteSet))
		for k, v := range b.Diff.WriteSet {
			ws[k] = append([]byte(nil), v...)
		}
		b.Diff.WriteSet = ws
	}
	b.Diff.Undelegations = append([]string(nil), b.Diff.Undelegations...)
	return b
}
