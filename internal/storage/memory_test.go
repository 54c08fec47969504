package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/Ephemera-Network/rollup_console/internal/domain/delegation"
	"github.com/Ephemera-Network/rollup_console/internal/domain/event"
	"github.com/Ephemera-Network/rollup_console/internal/domain/instance"
	"github.com/Ephemera-Network/rollup_console/internal/domain/settlement"
)

func TestMemoryInstanceCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	inst, err := m.CreateInstance(ctx, instance.Instance{ProjectID: "p1", Status: instance.StatusProvisioning})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.ID == "" {
		t.Fatal("expected generated id")
	}

	inst.Status = instance.StatusActive
	if _, err := m.UpdateInstance(ctx, inst); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := m.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != instance.StatusActive {
		t.Fatalf("status = %v, want active", got.Status)
	}

	if _, err := m.GetInstance(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := m.CreateInstance(ctx, instance.Instance{ID: inst.ID}); err == nil {
		t.Fatal("expected duplicate id error")
	}

	other, _ := m.CreateInstance(ctx, instance.Instance{ProjectID: "p2"})
	_ = other
	byProject, err := m.ListInstances(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byProject) != 1 || byProject[0].ID != inst.ID {
		t.Fatalf("expected only p1 instance, got %v", byProject)
	}
}

func TestMemoryEventDedup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ev := event.Event{RollupID: "r1", Epoch: 1, Sequence: 1, Type: "state_write"}
	inserted, err := m.InsertEvent(ctx, ev)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	// Same sequence under a later epoch is still a replay.
	ev.Epoch = 2
	inserted, err = m.InsertEvent(ctx, ev)
	if err != nil {
		t.Fatalf("replay insert: %v", err)
	}
	if inserted {
		t.Fatal("replayed sequence must dedupe")
	}

	last, err := m.LastSequence(ctx, "r1")
	if err != nil || last != 1 {
		t.Fatalf("last sequence = %d, %v", last, err)
	}
}

func TestMemoryListEventsSince(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, seq := range []uint64{1, 3, 2, 5, 4} {
		if _, err := m.InsertEvent(ctx, event.Event{RollupID: "r1", Epoch: 1, Sequence: seq}); err != nil {
			t.Fatalf("insert %d: %v", seq, err)
		}
	}

	events, err := m.ListEventsSince(ctx, "r1", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []uint64{3, 4, 5}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Sequence != want[i] {
			t.Fatalf("events[%d].Sequence = %d, want %d", i, ev.Sequence, want[i])
		}
	}

	limited, err := m.ListEventsSince(ctx, "r1", 0, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limited list: %d events, %v", len(limited), err)
	}
}

func TestMemoryDelegations(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rec, err := m.UpsertDelegation(ctx, delegation.Record{RollupID: "r1", AccountRef: "acc1", Status: delegation.StatusDelegated})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	active, err := m.GetActiveByAccount(ctx, "acc1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.RollupID != "r1" {
		t.Fatalf("active rollup = %s", active.RollupID)
	}

	rec.Status = delegation.StatusReleased
	if _, err := m.UpsertDelegation(ctx, rec); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.GetActiveByAccount(ctx, "acc1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("released account must not be active, got %v", err)
	}

	history, err := m.ListDelegations(ctx, "r1")
	if err != nil || len(history) != 1 {
		t.Fatalf("history: %d records, %v", len(history), err)
	}
}

func TestMemoryEpochs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for want := uint64(1); want <= 3; want++ {
		got, err := m.NextEpoch(ctx, "r1")
		if err != nil || got != want {
			t.Fatalf("NextEpoch = %d, %v; want %d", got, err, want)
		}
	}

	if err := m.UpsertEpochStatus(ctx, event.EpochStatus{RollupID: "r1", Epoch: 1, LastSequence: 10}); err != nil {
		t.Fatalf("upsert epoch: %v", err)
	}
	if err := m.UpsertEpochStatus(ctx, event.EpochStatus{RollupID: "r1", Epoch: 2, GapDetected: true}); err != nil {
		t.Fatalf("upsert epoch: %v", err)
	}

	epochs, err := m.ListEpochs(ctx, "r1")
	if err != nil || len(epochs) != 2 {
		t.Fatalf("epochs: %d, %v", len(epochs), err)
	}
	if !epochs[1].GapDetected {
		t.Fatal("gap flag lost")
	}
}

func TestMemoryBatches(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	b, err := m.CreateBatch(ctx, settlement.Batch{
		RollupID: "r1",
		FromSeq:  0,
		ToSeq:    10,
		Status:   settlement.BatchPending,
		Diff:     settlement.Diff{WriteSet: map[string][]byte{"acc1": []byte(`{"v":1}`)}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.LatestConfirmed(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no confirmed batch yet, got %v", err)
	}

	b.Status = settlement.BatchConfirmed
	if _, err := m.UpdateBatch(ctx, b); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	b2, _ := m.CreateBatch(ctx, settlement.Batch{RollupID: "r1", FromSeq: 10, ToSeq: 20, Status: settlement.BatchConfirmed})

	latest, err := m.LatestConfirmed(ctx, "r1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != b2.ID {
		t.Fatalf("latest = %s, want %s", latest.ID, b2.ID)
	}

	// Stored batches are isolated from caller mutation.
	latest.Diff.WriteSet = map[string][]byte{"poison": nil}
	again, _ := m.GetBatch(ctx, latest.ID)
	if _, ok := again.Diff.WriteSet["poison"]; ok {
		t.Fatal("stored batch shares memory with caller")
	}
}
