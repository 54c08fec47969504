// Package ledger implements the event ledger: the append-only, deduplicated
// source of truth for everything a rollup instance has emitted. The append
// path is serialized per instance so sequence bookkeeping stays consistent;
// appends for different instances proceed in parallel.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ephemera-Network/rollup_console/internal/domain/event"
	"github.com/Ephemera-Network/rollup_console/internal/keylock"
	"github.com/Ephemera-Network/rollup_console/internal/metrics"
	"github.com/Ephemera-Network/rollup_console/internal/storage"
	"github.com/Ephemera-Network/rollup_console/pkg/logger"
)

// Ledger provides the durable event history for rollup instances.
type Ledger struct {
	events  storage.EventStore
	epochs  storage.EpochStore
	metrics *metrics.Collector
	locks   *keylock.KeyedMutex
	log     zerolog.Logger
}

// New creates a ledger over the given stores. collector may be nil.
func New(events storage.EventStore, epochs storage.EpochStore, collector *metrics.Collector) *Ledger {
	return &Ledger{
		events:  events,
		epochs:  epochs,
		metrics: collector,
		locks:   keylock.New(),
		log:     logger.Named("ledger"),
	}
}

// Append durably writes the event unless its sequence is already stored for
// the rollup. Reports whether a new entry was written; false means the event
// was a replay and was deduplicated.
func (l *Ledger) Append(ctx context.Context, ev event.Event) (bool, error) {
	if ev.RollupID == "" {
		return false, fmt.Errorf("rollup id required")
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	l.locks.Lock(ev.RollupID)
	defer l.locks.Unlock(ev.RollupID)

	start := time.Now()
	inserted, err := l.events.InsertEvent(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("append event %d: %w", ev.Sequence, err)
	}

	if l.metrics != nil {
		if inserted {
			l.metrics.RecordIngest(ev.RollupID, time.Since(start))
		} else {
			l.metrics.RecordDuplicate(ev.RollupID)
		}
	}
	return inserted, nil
}

// ListSince returns events with sequence greater than fromSeq in ascending
// order, up to limit (0 means no limit). Used for viewer replay and for
// settlement diff computation.
func (l *Ledger) ListSince(ctx context.Context, rollupID string, fromSeq uint64, limit int) ([]event.Event, error) {
	return l.events.ListEventsSince(ctx, rollupID, fromSeq, limit)
}

// LastSequence returns the highest stored sequence for the rollup, zero when
// the ledger holds no events for it.
func (l *Ledger) LastSequence(ctx context.Context, rollupID string) (uint64, error) {
	return l.events.LastSequence(ctx, rollupID)
}

// NextEpoch allocates the next ingestion epoch for the rollup and opens its
// audit record.
func (l *Ledger) NextEpoch(ctx context.Context, rollupID string) (uint64, error) {
	epoch, err := l.epochs.NextEpoch(ctx, rollupID)
	if err != nil {
		return 0, fmt.Errorf("allocate epoch: %w", err)
	}
	if err := l.epochs.UpsertEpochStatus(ctx, event.EpochStatus{
		RollupID:  rollupID,
		Epoch:     epoch,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		return 0, fmt.Errorf("open epoch %d: %w", epoch, err)
	}
	return epoch, nil
}

// RecordEpochProgress updates the epoch's last accepted sequence.
func (l *Ledger) RecordEpochProgress(ctx context.Context, es event.EpochStatus) error {
	return l.epochs.UpsertEpochStatus(ctx, es)
}

// FlagGap marks the epoch as having a detected sequence gap. Non-fatal:
// ingestion continues, the flag is surfaced through the audit interface so
// viewers can request a replay.
func (l *Ledger) FlagGap(ctx context.Context, es event.EpochStatus) error {
	es.GapDetected = true
	if es.GapAt.IsZero() {
		es.GapAt = time.Now().UTC()
	}
	if l.metrics != nil {
		l.metrics.RecordSequenceGap(es.RollupID)
	}
	l.log.Warn().
		Str("rollup", es.RollupID).
		Uint64("epoch", es.Epoch).
		Uint64("last_sequence", es.LastSequence).
		Msg("sequence gap detected")
	return l.epochs.UpsertEpochStatus(ctx, es)
}

// Epochs returns the audit history of ingestion epochs for a rollup.
func (l *Ledger) Epochs(ctx context.Context, rollupID string) ([]event.EpochStatus, error) {
	return l.epochs.ListEpochs(ctx, rollupID)
}
