// Package storage defines the persistence interfaces for the settlement
// pipeline and an in-memory implementation. The event ledger, delegation
// registry, and settlement batch history must survive process restarts;
// implementations backed by PostgreSQL live in the postgres subpackage.
package storage

import (
	"context"
	"errors"

	"github.com/Ephemera-Network/rollup_console/internal/domain/delegation"
	"github.com/Ephemera-Network/rollup_console/internal/domain/event"
	"github.com/Ephemera-Network/rollup_console/internal/domain/instance"
	"github.com/Ephemera-Network/rollup_console/internal/domain/settlement"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// InstanceStore persists rollup instances.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst instance.Instance) (instance.Instance, error)
	UpdateInstance(ctx context.Context, inst instance.Instance) (instance.Instance, error)
	GetInstance(ctx context.Context, id string) (instance.Instance, error)
	ListInstances(ctx context.Context, projectID string) ([]instance.Instance, error)
}

// DelegationStore persists delegation records.
type DelegationStore interface {
	UpsertDelegation(ctx context.Context, rec delegation.Record) (delegation.Record, error)
	GetDelegation(ctx context.Context, rollupID, accountRef string) (delegation.Record, error)

	// GetActiveByAccount returns the record holding the account in delegated
	// or undelegating status, if any.
	GetActiveByAccount(ctx context.Context, accountRef string) (delegation.Record, error)

	// ListDelegations returns records for a rollup; released records are
	// included so the audit interface can show full history.
	ListDelegations(ctx context.Context, rollupID string) ([]delegation.Record, error)
}

// EventStore persists the append-only event ledger. An event is identified
// by (rollup id, sequence); replays after reconnect carry a new epoch but
// the same sequence and must not produce a second row.
type EventStore interface {
	// InsertEvent appends the event unless one with the same
	// (rollup, sequence) already exists. Reports whether a row was written.
	InsertEvent(ctx context.Context, ev event.Event) (bool, error)

	// ListEventsSince returns events with sequence > fromSeq in ascending
	// sequence order, at most limit rows (0 means no limit).
	ListEventsSince(ctx context.Context, rollupID string, fromSeq uint64, limit int) ([]event.Event, error)

	// LastSequence returns the highest stored sequence for the rollup,
	// zero when no events exist.
	LastSequence(ctx context.Context, rollupID string) (uint64, error)
}

// EpochStore persists per-instance ingestion epoch counters and audit state.
type EpochStore interface {
	// NextEpoch allocates the next ingestion epoch for the rollup.
	NextEpoch(ctx context.Context, rollupID string) (uint64, error)

	UpsertEpochStatus(ctx context.Context, es event.EpochStatus) error
	ListEpochs(ctx context.Context, rollupID string) ([]event.EpochStatus, error)
}

// BatchStore persists settlement batches.
type BatchStore interface {
	CreateBatch(ctx context.Context, b settlement.Batch) (settlement.Batch, error)
	UpdateBatch(ctx context.Context, b settlement.Batch) (settlement.Batch, error)
	GetBatch(ctx context.Context, id string) (settlement.Batch, error)

	// LatestConfirmed returns the most recently confirmed batch for the
	// rollup, or ErrNotFound when nothing has settled yet.
	LatestConfirmed(ctx context.Context, rollupID string) (settlement.Batch, error)

	// ListUnresolved returns batches still pending or submitted, across all
	// rollups, oldest first. Used to rebuild in-flight state on startup.
	ListUnresolved(ctx context.Context) ([]settlement.Batch, error)

	ListBatches(ctx context.Context, rollupID string) ([]settlement.Batch, error)
}

// Store bundles every persistence interface the pipeline needs.
type Store interface {
	InstanceStore
	DelegationStore
	EventStore
	EpochStore
	BatchStore
}
