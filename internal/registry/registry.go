// Package registry implements the delegation registry: it tracks which
// base-chain accounts are delegated to which rollup instance and enforces
// that no account is delegated to two instances at once. The per-account
// invariant check is serialized per account reference, never globally.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ephemera-Network/rollup_console/internal/domain/delegation"
	"github.com/Ephemera-Network/rollup_console/internal/keylock"
	"github.com/Ephemera-Network/rollup_console/internal/storage"
	"github.com/Ephemera-Network/rollup_console/pkg/logger"
)

// Registry errors.
var (
	// ErrAlreadyDelegated is returned when the account has an active
	// delegation to a different rollup instance.
	ErrAlreadyDelegated = errors.New("account already delegated")

	// ErrNotDelegated is returned when the account is not currently
	// delegated to the given rollup instance.
	ErrNotDelegated = errors.New("account not delegated")
)

// Registry manages delegation records.
type Registry struct {
	store storage.DelegationStore
	locks *keylock.KeyedMutex
	log   zerolog.Logger
}

// New creates a delegation registry over the given store.
func New(store storage.DelegationStore) *Registry {
	return &Registry{
		store: store,
		locks: keylock.New(),
		log:   logger.Named("registry"),
	}
}

// Delegate transfers authority over the account to the rollup instance.
// Idempotent for a pair that is already delegated; fails with
// ErrAlreadyDelegated when another instance holds the account.
func (r *Registry) Delegate(ctx context.Context, rollupID, accountRef string) (delegation.Record, error) {
	if rollupID == "" || accountRef == "" {
		return delegation.Record{}, errors.New("rollup id and account ref required")
	}

	r.locks.Lock(accountRef)
	defer r.locks.Unlock(accountRef)

	active, err := r.store.GetActiveByAccount(ctx, accountRef)
	switch {
	case err == nil:
		if active.RollupID != rollupID {
			return delegation.Record{}, fmt.Errorf("%w: account %s held by rollup %s", ErrAlreadyDelegated, accountRef, active.RollupID)
		}
		// Already delegated to this rollup: idempotent success.
		return active, nil
	case !errors.Is(err, storage.ErrNotFound):
		return delegation.Record{}, err
	}

	now := time.Now().UTC()
	rec, err := r.store.UpsertDelegation(ctx, delegation.Record{
		RollupID:    rollupID,
		AccountRef:  accountRef,
		Status:      delegation.StatusDelegated,
		DelegatedAt: now,
	})
	if err != nil {
		return delegation.Record{}, fmt.Errorf("persist delegation: %w", err)
	}

	r.log.Info().Str("rollup", rollupID).Str("account", accountRef).Msg("account delegated")
	return rec, nil
}

// BeginRelease marks the delegation as undelegating. Used by the settlement
// coordinator when a diff schedules the account for release.
func (r *Registry) BeginRelease(ctx context.Context, rollupID, accountRef string) error {
	r.locks.Lock(accountRef)
	defer r.locks.Unlock(accountRef)
	return r.setStatusLocked(ctx, rollupID, accountRef, delegation.StatusUndelegating)
}

// FinishRelease completes a release once the covering settlement confirmed.
func (r *Registry) FinishRelease(ctx context.Context, rollupID, accountRef string) error {
	r.locks.Lock(accountRef)
	defer r.locks.Unlock(accountRef)
	return r.setStatusLocked(ctx, rollupID, accountRef, delegation.StatusReleased)
}

// Release returns the account to base-chain control, passing through the
// undelegating state. Fails with ErrNotDelegated when the account is not
// currently delegated to this rollup.
func (r *Registry) Release(ctx context.Context, rollupID, accountRef string) error {
	r.locks.Lock(accountRef)
	defer r.locks.Unlock(accountRef)

	if err := r.setStatusLocked(ctx, rollupID, accountRef, delegation.StatusUndelegating); err != nil {
		return err
	}
	return r.setStatusLocked(ctx, rollupID, accountRef, delegation.StatusReleased)
}

// ReleaseAll force-releases every account delegated to the rollup. Used on
// forced teardown. Best-effort: individual failures are collected and
// reported together rather than aborting the batch.
func (r *Registry) ReleaseAll(ctx context.Context, rollupID string) error {
	records, err := r.store.ListDelegations(ctx, rollupID)
	if err != nil {
		return fmt.Errorf("list delegations: %w", err)
	}

	var errs []error
	for _, rec := range records {
		if !rec.Status.Active() {
			continue
		}
		r.locks.Lock(rec.AccountRef)
		err := r.setStatusLocked(ctx, rollupID, rec.AccountRef, delegation.StatusReleased)
		r.locks.Unlock(rec.AccountRef)
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", rec.AccountRef, err))
		}
	}
	return errors.Join(errs...)
}

// List returns the full delegation history for a rollup instance, released
// records included, for the audit interface.
func (r *Registry) List(ctx context.Context, rollupID string) ([]delegation.Record, error) {
	return r.store.ListDelegations(ctx, rollupID)
}

// setStatusLocked advances the record's status. Callers hold the account lock.
func (r *Registry) setStatusLocked(ctx context.Context, rollupID, accountRef string, to delegation.Status) error {
	rec, err := r.store.GetDelegation(ctx, rollupID, accountRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: account %s, rollup %s", ErrNotDelegated, accountRef, rollupID)
		}
		return err
	}
	if !rec.Status.Active() {
		return fmt.Errorf("%w: account %s, rollup %s", ErrNotDelegated, accountRef, rollupID)
	}
	if rec.Status == to {
		return nil
	}

	rec.Status = to
	if to == delegation.StatusReleased {
		rec.ReleasedAt = time.Now().UTC()
	}
	if _, err := r.store.UpsertDelegation(ctx, rec); err != nil {
		return fmt.Errorf("persist delegation status: %w", err)
	}

	r.log.Info().Str("rollup", rollupID).Str("account", accountRef).Stringer("status", to).Msg("delegation updated")
	return nil
}
