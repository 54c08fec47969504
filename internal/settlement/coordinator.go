package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ephemera-Network/rollup_console/internal/chain"
	"github.com/Ephemera-Network/rollup_console/internal/domain/instance"
	"github.com/Ephemera-Network/rollup_console/internal/domain/settlement"
	"github.com/Ephemera-Network/rollup_console/internal/ledger"
	"github.com/Ephemera-Network/rollup_console/internal/lifecycle"
	"github.com/Ephemera-Network/rollup_console/internal/metrics"
	"github.com/Ephemera-Network/rollup_console/internal/registry"
	"github.com/Ephemera-Network/rollup_console/internal/storage"
	"github.com/Ephemera-Network/rollup_console/pkg/logger"
)

// Coordinator errors.
var (
	// ErrSettlementInFlight is returned when a settlement for the instance
	// is already running.
	ErrSettlementInFlight = errors.New("settlement already in flight")

	// ErrNothingToSettle is returned by an explicit trigger when the ledger
	// holds no events past the last confirmed batch.
	ErrNothingToSettle = errors.New("nothing to settle")
)

// Config tunes the coordinator's submission retry policy.
type Config struct {
	// MaxAttempts bounds resubmissions of one batch when the outcome of a
	// submission is ambiguous. Zero selects 3.
	MaxAttempts int
	// RetryBackoff is the wait between ambiguous attempts. Zero selects 2s.
	RetryBackoff time.Duration
}

// Coordinator cuts settlement batches from the unsettled ledger window,
// submits them to the base chain, and applies the downstream effects of
// confirmation or rejection. At most one batch per instance is in flight.
type Coordinator struct {
	batches   storage.BatchStore
	ledger    *ledger.Ledger
	machine   *lifecycle.Machine
	registry  *registry.Registry
	submitter chain.Submitter
	poller    *chain.Poller
	strategy  DiffStrategy
	metrics   *metrics.Collector
	log       zerolog.Logger

	maxAttempts int
	backoff     time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a coordinator and registers itself as the lifecycle machine's
// forced-flush hook. strategy defaults to JSONStrategy; collector may be nil.
func New(batches storage.BatchStore, lg *ledger.Ledger, machine *lifecycle.Machine, reg *registry.Registry, submitter chain.Submitter, strategy DiffStrategy, collector *metrics.Collector, cfg Config) *Coordinator {
	if strategy == nil {
		strategy = JSONStrategy{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}

	c := &Coordinator{
		batches:     batches,
		ledger:      lg,
		machine:     machine,
		registry:    reg,
		submitter:   submitter,
		strategy:    strategy,
		metrics:     collector,
		log:         logger.Named("settlement"),
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.RetryBackoff,
		inflight:    make(map[string]struct{}),
	}
	machine.SetFlusher(c)
	return c
}

// AttachPoller wires the confirmation poller. Submitted batches are watched
// on it; its outcomes must be routed back through HandleOutcome.
func (c *Coordinator) AttachPoller(p *chain.Poller) { c.poller = p }

var _ lifecycle.Flusher = (*Coordinator)(nil)

// Settle runs one settlement cycle for the instance: explicit operator
// trigger or periodic schedule. Returns ErrNothingToSettle when the window is
// empty and ErrSettlementInFlight when a cycle is already running.
func (c *Coordinator) Settle(ctx context.Context, rollupID string) (settlement.Batch, error) {
	batch, settled, err := c.settle(ctx, rollupID)
	if err != nil {
		return settlement.Batch{}, err
	}
	if !settled {
		return settlement.Batch{}, ErrNothingToSettle
	}
	return batch, nil
}

// ForceFlush implements lifecycle.Flusher: the implicit settlement before a
// teardown. Reports false when there was nothing to settle.
func (c *Coordinator) ForceFlush(ctx context.Context, rollupID string) (bool, error) {
	_, settled, err := c.settle(ctx, rollupID)
	return settled, err
}

func (c *Coordinator) settle(ctx context.Context, rollupID string) (settlement.Batch, bool, error) {
	c.mu.Lock()
	if _, busy := c.inflight[rollupID]; busy {
		c.mu.Unlock()
		return settlement.Batch{}, false, ErrSettlementInFlight
	}
	c.inflight[rollupID] = struct{}{}
	c.mu.Unlock()

	batch, settled, err := c.run(ctx, rollupID)
	if err != nil || !settled {
		// The slot frees on confirmation for a submitted batch; an empty
		// or failed cycle frees it immediately.
		c.clearInflight(rollupID)
	}
	return batch, settled, err
}

func (c *Coordinator) clearInflight(rollupID string) {
	c.mu.Lock()
	delete(c.inflight, rollupID)
	c.mu.Unlock()
}

func (c *Coordinator) run(ctx context.Context, rollupID string) (settlement.Batch, bool, error) {
	fromSeq := uint64(0)
	last, err := c.batches.LatestConfirmed(ctx, rollupID)
	switch {
	case err == nil:
		fromSeq = last.ToSeq
	case !errors.Is(err, storage.ErrNotFound):
		return settlement.Batch{}, false, fmt.Errorf("latest confirmed batch: %w", err)
	}

	events, err := c.ledger.ListSince(ctx, rollupID, fromSeq, 0)
	if err != nil {
		return settlement.Batch{}, false, fmt.Errorf("list unsettled events: %w", err)
	}
	if len(events) == 0 {
		return settlement.Batch{}, false, nil
	}

	// A restart loses the in-memory slot while a batch may still be out on
	// the chain; an instance stuck in Settling must never yield a second
	// batch over the same window.
	inst, err := c.machine.Get(ctx, rollupID)
	if err != nil {
		return settlement.Batch{}, false, err
	}
	if inst.Status == instance.StatusSettling {
		return settlement.Batch{}, false, ErrSettlementInFlight
	}

	// The instance holds Settling for the whole cycle; the transition also
	// rejects settles on instances that are not Active.
	if err := c.machine.Transition(ctx, rollupID, instance.StatusSettling); err != nil {
		return settlement.Batch{}, false, err
	}

	var diff settlement.Diff
	for _, ev := range events {
		if err := c.strategy.Fold(&diff, ev); err != nil {
			c.failCycle(ctx, rollupID, settlement.Batch{}, fmt.Sprintf("fold: %v", err))
			return settlement.Batch{}, false, fmt.Errorf("compute diff: %w", err)
		}
	}
	toSeq := events[len(events)-1].Sequence

	batch, err := c.batches.CreateBatch(ctx, settlement.Batch{
		RollupID: rollupID,
		FromSeq:  fromSeq,
		ToSeq:    toSeq,
		Diff:     diff,
		Status:   settlement.BatchPending,
	})
	if err != nil {
		c.failCycle(ctx, rollupID, settlement.Batch{}, fmt.Sprintf("create batch: %v", err))
		return settlement.Batch{}, false, fmt.Errorf("create batch: %w", err)
	}

	// Accounts scheduled for release hold Undelegating until the batch
	// confirms; their release is part of the confirmation effects.
	for _, accountRef := range diff.Undelegations {
		if err := c.registry.BeginRelease(ctx, rollupID, accountRef); err != nil {
			c.log.Warn().Err(err).Str("rollup", rollupID).Str("account", accountRef).Msg("begin release failed")
		}
	}

	if err := c.submit(ctx, &batch); err != nil {
		return batch, false, err
	}

	c.log.Info().
		Str("rollup", rollupID).
		Str("batch", batch.ID).
		Uint64("from_seq", batch.FromSeq).
		Uint64("to_seq", batch.ToSeq).
		Int("events", diff.EventCount).
		Msg("batch submitted")
	return batch, true, nil
}

// Recover rebuilds in-flight settlement state after a restart. Submitted
// batches resume confirmation polling under their original batch id and tx
// ref; pending batches were interrupted before submission and are failed so
// the operator can retry. Call after AttachPoller, before serving traffic.
func (c *Coordinator) Recover(ctx context.Context) error {
	unresolved, err := c.batches.ListUnresolved(ctx)
	if err != nil {
		return fmt.Errorf("list unresolved batches: %w", err)
	}

	for _, batch := range unresolved {
		switch batch.Status {
		case settlement.BatchSubmitted:
			c.mu.Lock()
			c.inflight[batch.RollupID] = struct{}{}
			c.mu.Unlock()
			if c.poller != nil {
				c.poller.Watch(batch.ID, batch.TxRef)
			}
			c.log.Info().
				Str("rollup", batch.RollupID).
				Str("batch", batch.ID).
				Str("tx_ref", batch.TxRef).
				Msg("resuming confirmation watch")

		case settlement.BatchPending:
			c.failCycle(ctx, batch.RollupID, batch, "interrupted by restart")
		}
	}
	return nil
}

// submit pushes the batch to the base chain, retrying with the same batch id
// while the outcome is ambiguous. The chain deduplicates on batch id, so a
// retry can never double-apply.
func (c *Coordinator) submit(ctx context.Context, batch *settlement.Batch) error {
	sub := chain.Submission{
		BatchID:       batch.ID,
		RollupID:      batch.RollupID,
		FromSeq:       batch.FromSeq,
		ToSeq:         batch.ToSeq,
		WriteSet:      batch.Diff.WriteSet,
		Undelegations: batch.Diff.Undelegations,
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		batch.Attempts = attempt
		if c.metrics != nil {
			c.metrics.RecordSubmitAttempt(batch.RollupID)
		}

		txRef, err := c.submitter.SubmitBatch(ctx, sub)
		if err == nil {
			batch.Status = settlement.BatchSubmitted
			batch.TxRef = txRef
			if updated, uerr := c.batches.UpdateBatch(ctx, *batch); uerr == nil {
				*batch = updated
			}
			if c.metrics != nil {
				c.metrics.RecordBatchSubmitted(batch.RollupID)
			}
			if c.poller != nil {
				c.poller.Watch(batch.ID, txRef)
			}
			return nil
		}

		if chain.IsRejection(err) {
			c.failCycle(ctx, batch.RollupID, *batch, err.Error())
			return err
		}

		lastErr = err
		c.log.Warn().Err(err).Str("batch", batch.ID).Int("attempt", attempt).Msg("ambiguous submission, retrying")
		select {
		case <-ctx.Done():
			c.failCycle(ctx, batch.RollupID, *batch, ctx.Err().Error())
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}

	c.failCycle(ctx, batch.RollupID, *batch, fmt.Sprintf("submission retries exhausted: %v", lastErr))
	return fmt.Errorf("submit batch %s: retries exhausted: %w", batch.ID, lastErr)
}

// HandleOutcome routes a final poller outcome to the matching handler.
func (c *Coordinator) HandleOutcome(ctx context.Context, out chain.Outcome) {
	var err error
	switch out.Status {
	case chain.StatusConfirmed:
		err = c.Confirm(ctx, out.BatchID, out.TxRef)
	case chain.StatusRejected:
		err = c.Reject(ctx, out.BatchID, out.Reason)
	}
	if err != nil {
		c.log.Error().Err(err).Str("batch", out.BatchID).Str("status", string(out.Status)).Msg("apply outcome failed")
	}
}

// Confirm applies a base chain confirmation: the batch becomes Confirmed,
// scheduled undelegations are released, and the instance leaves Settling.
// Idempotent: a batch already in a terminal state is left untouched.
func (c *Coordinator) Confirm(ctx context.Context, batchID, txRef string) error {
	batch, err := c.batches.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if batch.Status.Terminal() {
		return nil
	}
	start := batch.CreatedAt

	batch.Status = settlement.BatchConfirmed
	if txRef != "" {
		batch.TxRef = txRef
	}
	if batch, err = c.batches.UpdateBatch(ctx, batch); err != nil {
		return fmt.Errorf("persist confirmation: %w", err)
	}
	defer c.clearInflight(batch.RollupID)

	for _, accountRef := range batch.Diff.Undelegations {
		if err := c.registry.FinishRelease(ctx, batch.RollupID, accountRef); err != nil {
			c.log.Warn().Err(err).Str("rollup", batch.RollupID).Str("account", accountRef).Msg("finish release failed")
		}
	}

	terminated, err := c.machine.CompleteSettlement(ctx, batch.RollupID)
	if err != nil {
		return fmt.Errorf("complete settlement: %w", err)
	}

	if c.metrics != nil {
		c.metrics.RecordBatchConfirmed(batch.RollupID, time.Since(start))
	}
	c.log.Info().
		Str("rollup", batch.RollupID).
		Str("batch", batch.ID).
		Bool("terminated", terminated).
		Msg("batch confirmed")
	return nil
}

// Reject applies a definitive base chain rejection: the batch becomes Failed
// and the instance moves to Failed pending operator intervention. Idempotent
// for batches already terminal.
func (c *Coordinator) Reject(ctx context.Context, batchID, reason string) error {
	batch, err := c.batches.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if batch.Status.Terminal() {
		return nil
	}

	c.failCycle(ctx, batch.RollupID, batch, reason)
	return nil
}

// failCycle records the failed batch (when one was created), moves the
// instance to Failed, and frees the settlement slot.
func (c *Coordinator) failCycle(ctx context.Context, rollupID string, batch settlement.Batch, reason string) {
	defer c.clearInflight(rollupID)

	if batch.ID != "" {
		batch.Status = settlement.BatchFailed
		batch.Error = reason
		if _, err := c.batches.UpdateBatch(ctx, batch); err != nil {
			c.log.Error().Err(err).Str("batch", batch.ID).Msg("persist batch failure")
		}
	}
	if c.metrics != nil {
		c.metrics.RecordBatchFailed(rollupID)
	}

	if err := c.machine.FailSettlement(ctx, rollupID); err != nil {
		c.log.Error().Err(err).Str("rollup", rollupID).Msg("mark settlement failed")
	}
	c.log.Warn().Str("rollup", rollupID).Str("batch", batch.ID).Str("reason", reason).Msg("settlement failed")
}
