// Package lifecycle owns the authoritative status of every rollup instance.
// All status writes go through the Machine; other components read status from
// the store but never mutate it. Transitions for one instance are serialized,
// transitions for different instances proceed independently.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ephemera-Network/rollup_console/internal/domain/instance"
	"github.com/Ephemera-Network/rollup_console/internal/keylock"
	"github.com/Ephemera-Network/rollup_console/internal/metrics"
	"github.com/Ephemera-Network/rollup_console/internal/notify"
	"github.com/Ephemera-Network/rollup_console/internal/storage"
	"github.com/Ephemera-Network/rollup_console/pkg/logger"
)

// Flusher triggers an implicit settlement before a teardown proceeds.
// Implemented by the settlement coordinator; injected after construction to
// break the mutual dependency between the two components.
type Flusher interface {
	// ForceFlush settles all unsettled state for the rollup. It reports
	// false when there was nothing to settle.
	ForceFlush(ctx context.Context, rollupID string) (bool, error)
}

// Releaser force-releases delegations when an instance terminates.
type Releaser interface {
	ReleaseAll(ctx context.Context, rollupID string) error
}

// Machine validates and executes lifecycle transitions.
type Machine struct {
	store    storage.InstanceStore
	releaser Releaser
	notifier notify.Publisher
	metrics  *metrics.Collector
	locks    *keylock.KeyedMutex
	log      zerolog.Logger

	flusher     Flusher
	terminators []func(rollupID string)
}

// New creates a lifecycle machine. notifier may be nil (no notifications),
// releaser may be nil (no delegation cleanup), collector may be nil.
func New(store storage.InstanceStore, releaser Releaser, notifier notify.Publisher, collector *metrics.Collector) *Machine {
	if notifier == nil {
		notifier = notify.NoOp{}
	}
	return &Machine{
		store:    store,
		releaser: releaser,
		notifier: notifier,
		metrics:  collector,
		locks:    keylock.New(),
		log:      logger.Named("lifecycle"),
	}
}

// SetFlusher injects the settlement coordinator's forced-flush entry point.
func (m *Machine) SetFlusher(f Flusher) { m.flusher = f }

// OnTerminated registers a hook invoked after an instance reaches Terminated.
// The ingestion gateway and fan-out broker register here to cancel the
// instance's connection and deliveries.
func (m *Machine) OnTerminated(fn func(rollupID string)) {
	m.terminators = append(m.terminators, fn)
}

// Create provisions a new instance record in the Provisioning state. Called
// by the provisioning collaborator when a project requests a rollup.
func (m *Machine) Create(ctx context.Context, projectID, baseChainRPC, rollupRPC string) (instance.Instance, error) {
	if projectID == "" {
		return instance.Instance{}, errors.New("project id required")
	}

	inst, err := m.store.CreateInstance(ctx, instance.Instance{
		ProjectID:    projectID,
		Status:       instance.StatusProvisioning,
		BaseChainRPC: baseChainRPC,
		RollupRPC:    rollupRPC,
	})
	if err != nil {
		return instance.Instance{}, fmt.Errorf("create instance: %w", err)
	}

	m.recordStatus(inst)
	m.log.Info().Str("instance", inst.ID).Str("project", projectID).Msg("instance provisioning")
	return inst, nil
}

// Get returns the current instance record.
func (m *Machine) Get(ctx context.Context, id string) (instance.Instance, error) {
	return m.store.GetInstance(ctx, id)
}

// Transition validates and applies a lifecycle transition, emitting a
// lifecycle-changed notification on success. The state is unchanged when the
// requested edge is not in the transition table.
func (m *Machine) Transition(ctx context.Context, id string, to instance.Status) error {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)
	return m.transitionLocked(ctx, id, to)
}

func (m *Machine) transitionLocked(ctx context.Context, id string, to instance.Status) error {
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status == to {
		return nil
	}
	if !instance.CanTransition(inst.Status, to) {
		return instance.NewTransitionError(id, inst.Status, to)
	}

	from := inst.Status
	inst.Status = to
	if to == instance.StatusProvisioning {
		// Operator retry clears the teardown intent from the failed attempt.
		inst.PendingTeardown = false
	}

	if inst, err = m.store.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("persist transition %s -> %s: %w", from, to, err)
	}

	m.recordStatus(inst)
	if m.metrics != nil {
		m.metrics.RecordTransition(from.String(), to.String())
	}
	m.log.Info().Str("instance", id).Stringer("from", from).Stringer("to", to).Msg("lifecycle transition")

	if err := m.notifier.PublishLifecycle(ctx, notify.LifecycleChange{
		InstanceID: id,
		ProjectID:  inst.ProjectID,
		From:       from,
		To:         to,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		// Notification delivery is best-effort relative to the transition.
		m.log.Warn().Err(err).Str("instance", id).Msg("lifecycle notification failed")
	}

	if to == instance.StatusTerminated {
		m.finalizeTermination(ctx, id)
	}
	return nil
}

// MarkReady signals that provisioning finished and the instance is serving.
func (m *Machine) MarkReady(ctx context.Context, id string) error {
	return m.Transition(ctx, id, instance.StatusActive)
}

// MarkProvisionFailed signals that infrastructure setup failed.
func (m *Machine) MarkProvisionFailed(ctx context.Context, id string) error {
	return m.Transition(ctx, id, instance.StatusFailed)
}

// Retry is the operator action that moves a failed instance back to
// provisioning for another attempt.
func (m *Machine) Retry(ctx context.Context, id string) error {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != instance.StatusFailed {
		return instance.NewTransitionError(id, inst.Status, instance.StatusProvisioning)
	}
	return m.transitionLocked(ctx, id, instance.StatusProvisioning)
}

// RequestTeardown initiates teardown of an instance. An active instance with
// unsettled state is force-flushed first: the implicit settlement runs and
// the instance terminates once the batch confirms. When a settlement is
// already in flight the teardown completes on its confirmation.
func (m *Machine) RequestTeardown(ctx context.Context, id string) error {
	m.locks.Lock(id)
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		m.locks.Unlock(id)
		return err
	}

	switch inst.Status {
	case instance.StatusSettling:
		inst.PendingTeardown = true
		_, err = m.store.UpdateInstance(ctx, inst)
		m.locks.Unlock(id)
		return err

	case instance.StatusActive:
		inst.PendingTeardown = true
		if _, err = m.store.UpdateInstance(ctx, inst); err != nil {
			m.locks.Unlock(id)
			return err
		}
		m.locks.Unlock(id)

	default:
		m.locks.Unlock(id)
		return instance.NewTransitionError(id, inst.Status, instance.StatusTerminated)
	}

	// Forced flush runs outside the instance lock: the coordinator drives
	// its own transitions (Active -> Settling, then onward on confirm).
	if m.flusher != nil {
		flushed, err := m.flusher.ForceFlush(ctx, id)
		if err != nil {
			return fmt.Errorf("forced flush: %w", err)
		}
		if flushed {
			// Termination completes via CompleteSettlement on confirmation.
			return nil
		}
	}

	// Nothing left to settle: terminate directly.
	return m.Transition(ctx, id, instance.StatusTerminated)
}

// CompleteSettlement is called by the settlement coordinator when a batch
// confirms. The instance returns to Active, or proceeds to Terminated when a
// teardown is pending. Reports whether the instance terminated.
func (m *Machine) CompleteSettlement(ctx context.Context, id string) (bool, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return false, err
	}
	if inst.Status != instance.StatusSettling {
		return false, instance.NewTransitionError(id, inst.Status, instance.StatusActive)
	}

	inst.LastSettledAt = time.Now().UTC()
	if _, err := m.store.UpdateInstance(ctx, inst); err != nil {
		return false, err
	}

	target := instance.StatusActive
	if inst.PendingTeardown {
		target = instance.StatusTerminated
	}
	if err := m.transitionLocked(ctx, id, target); err != nil {
		return false, err
	}
	return target == instance.StatusTerminated, nil
}

// FailSettlement is called by the settlement coordinator when a batch is
// definitively rejected or retries are exhausted.
func (m *Machine) FailSettlement(ctx context.Context, id string) error {
	return m.Transition(ctx, id, instance.StatusFailed)
}

// finalizeTermination force-releases delegations and cancels the instance's
// ingestion connection and subscriber deliveries. Runs with the instance
// lock held, after the terminal status is durably recorded.
func (m *Machine) finalizeTermination(ctx context.Context, id string) {
	if m.releaser != nil {
		if err := m.releaser.ReleaseAll(ctx, id); err != nil {
			// Best-effort: individual failures are reported, not fatal.
			m.log.Warn().Err(err).Str("instance", id).Msg("forced delegation release incomplete")
		}
	}
	for _, fn := range m.terminators {
		fn(id)
	}
}

func (m *Machine) recordStatus(inst instance.Instance) {
	if m.metrics != nil {
		m.metrics.RecordInstanceStatus(inst.ID, inst.ProjectID, int(inst.Status))
	}
}
