// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Ephemera-Network/rollup_console/internal/domain/delegation"
	"github.com/Ephemera-Network/rollup_console/internal/domain/event"
	"github.com/Ephemera-Network/rollup_console/internal/domain/instance"
	"github.com/Ephemera-Network/rollup_console/internal/domain/settlement"
	"github.com/Ephemera-Network/rollup_console/internal/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}

// --- InstanceStore ----------------------------------------------------------

type instanceRow struct {
	ID              string       `db:"id"`
	ProjectID       string       `db:"project_id"`
	Status          string       `db:"status"`
	BaseChainRPC    string       `db:"base_chain_rpc"`
	RollupRPC       string       `db:"rollup_rpc"`
	PendingTeardown bool         `db:"pending_teardown"`
	CreatedAt       time.Time    `db:"created_at"`
	LastSettledAt   sql.NullTime `db:"last_settled_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

func (r instanceRow) toDomain() instance.Instance {
	return instance.Instance{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		Status:          instance.ParseStatus(r.Status),
		BaseChainRPC:    r.BaseChainRPC,
		RollupRPC:       r.RollupRPC,
		PendingTeardown: r.PendingTeardown,
		CreatedAt:       r.CreatedAt,
		LastSettledAt:   fromNullTime(r.LastSettledAt),
		UpdatedAt:       r.UpdatedAt,
	}
}

func (s *Store) CreateInstance(ctx context.Context, inst instance.Instance) (instance.Instance, error) {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollup_instances (id, project_id, status, base_chain_rpc, rollup_rpc, pending_teardown, created_at, last_settled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, inst.ID, inst.ProjectID, inst.Status.String(), inst.BaseChainRPC, inst.RollupRPC, inst.PendingTeardown, inst.CreatedAt, toNullTime(inst.LastSettledAt), inst.UpdatedAt)
	if err != nil {
		return instance.Instance{}, err
	}
	return inst, nil
}

func (s *Store) UpdateInstance(ctx context.Context, inst instance.Instance) (instance.Instance, error) {
	existing, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		return instance.Instance{}, err
	}

	inst.CreatedAt = existing.CreatedAt
	inst.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE rollup_instances
		SET status = $2, base_chain_rpc = $3, rollup_rpc = $4, pending_teardown = $5, last_settled_at = $6, updated_at = $7
		WHERE id = $1
	`, inst.ID, inst.Status.String(), inst.BaseChainRPC, inst.RollupRPC, inst.PendingTeardown, toNullTime(inst.LastSettledAt), inst.UpdatedAt)
	if err != nil {
		return instance.Instance{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return instance.Instance{}, storage.ErrNotFound
	}
	return inst, nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (instance.Instance, error) {
	var row instanceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, project_id, status, base_chain_rpc, rollup_rpc, pending_teardown, created_at, last_settled_at, updated_at
		FROM rollup_instances
		WHERE id = $1
	`, id)
	if err != nil {
		return instance.Instance{}, mapNotFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListInstances(ctx context.Context, projectID string) ([]instance.Instance, error) {
	query := `
		SELECT id, project_id, status, base_chain_rpc, rollup_rpc, pending_teardown, created_at, last_settled_at, updated_at
		FROM rollup_instances
	`
	args := []interface{}{}
	if projectID != "" {
		query += ` WHERE project_id = $1`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at`

	var rows []instanceRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	result := make([]instance.Instance, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

// --- DelegationStore --------------------------------------------------------

type delegationRow struct {
	ID          string       `db:"id"`
	RollupID    string       `db:"rollup_id"`
	AccountRef  string       `db:"account_ref"`
	Status      string       `db:"status"`
	DelegatedAt time.Time    `db:"delegated_at"`
	ReleasedAt  sql.NullTime `db:"released_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

func (r delegationRow) toDomain() delegation.Record {
	return delegation.Record{
		ID:          r.ID,
		RollupID:    r.RollupID,
		AccountRef:  r.AccountRef,
		Status:      delegation.ParseStatus(r.Status),
		DelegatedAt: r.DelegatedAt,
		ReleasedAt:  fromNullTime(r.ReleasedAt),
		UpdatedAt:   r.UpdatedAt,
	}
}

func (s *Store) UpsertDelegation(ctx context.Context, rec delegation.Record) (delegation.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delegations (id, rollup_id, account_ref, status, delegated_at, released_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (rollup_id, account_ref) DO UPDATE
		SET status = EXCLUDED.status,
		    delegated_at = EXCLUDED.delegated_at,
		    released_at = EXCLUDED.released_at,
		    updated_at = EXCLUDED.updated_at
	`, rec.ID, rec.RollupID, rec.AccountRef, rec.Status.String(), rec.DelegatedAt, toNullTime(rec.ReleasedAt), rec.UpdatedAt)
	if err != nil {
		return delegation.Record{}, err
	}
	return rec, nil
}

func (s *Store) GetDelegation(ctx context.Context, rollupID, accountRef string) (delegation.Record, error) {
	var row delegationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, rollup_id, account_ref, status, delegated_at, released_at, updated_at
		FROM delegations
		WHERE rollup_id = $1 AND account_ref = $2
	`, rollupID, accountRef)
	if err != nil {
		return delegation.Record{}, mapNotFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetActiveByAccount(ctx context.Context, accountRef string) (delegation.Record, error) {
	var row delegationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, rollup_id, account_ref, status, delegated_at, released_at, updated_at
		FROM delegations
		WHERE account_ref = $1 AND status IN ('delegated', 'undelegating')
	`, accountRef)
	if err != nil {
		return delegation.Record{}, mapNotFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListDelegations(ctx context.Context, rollupID string) ([]delegation.Record, error) {
	var rows []delegationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, rollup_id, account_ref, status, delegated_at, released_at, updated_at
		FROM delegations
		WHERE rollup_id = $1
		ORDER BY delegated_at
	`, rollupID)
	if err != nil {
		return nil, err
	}

	result := make([]delegation.Record, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

// --- EventStore -------------------------------------------------------------

type eventRow struct {
	RollupID   string    `db:"rollup_id"`
	Epoch      uint64    `db:"epoch"`
	Sequence   uint64    `db:"sequence"`
	Type       string    `db:"event_type"`
	Payload    []byte    `db:"payload"`
	ReceivedAt time.Time `db:"received_at"`
}

func (r eventRow) toDomain() event.Event {
	return event.Event{
		RollupID:   r.RollupID,
		Epoch:      r.Epoch,
		Sequence:   r.Sequence,
		Type:       r.Type,
		Payload:    r.Payload,
		ReceivedAt: r.ReceivedAt,
	}
}

func (s *Store) InsertEvent(ctx context.Context, ev event.Event) (bool, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	// The primary key on (rollup_id, sequence) is the dedup: a replayed
	// sequence hits the conflict and affects zero rows.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO rollup_events (rollup_id, epoch, sequence, event_type, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (rollup_id, sequence) DO NOTHING
	`, ev.RollupID, ev.Epoch, ev.Sequence, ev.Type, ev.Payload, ev.ReceivedAt)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *Store) ListEventsSince(ctx context.Context, rollupID string, fromSeq uint64, limit int) ([]event.Event, error) {
	query := `
		SELECT rollup_id, epoch, sequence, event_type, payload, received_at
		FROM rollup_events
		WHERE rollup_id = $1 AND sequence > $2
		ORDER BY sequence
	`
	args := []interface{}{rollupID, fromSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	result := make([]event.Event, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (s *Store) LastSequence(ctx context.Context, rollupID string) (uint64, error) {
	var seq uint64
	err := s.db.GetContext(ctx, &seq, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM rollup_events
		WHERE rollup_id = $1
	`, rollupID)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// --- EpochStore -------------------------------------------------------------

type epochRow struct {
	RollupID     string       `db:"rollup_id"`
	Epoch        uint64       `db:"epoch"`
	LastSequence uint64       `db:"last_sequence"`
	GapDetected  bool         `db:"gap_detected"`
	GapAt        sql.NullTime `db:"gap_at"`
	StartedAt    time.Time    `db:"started_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

func (r epochRow) toDomain() event.EpochStatus {
	return event.EpochStatus{
		RollupID:     r.RollupID,
		Epoch:        r.Epoch,
		LastSequence: r.LastSequence,
		GapDetected:  r.GapDetected,
		GapAt:        fromNullTime(r.GapAt),
		StartedAt:    r.StartedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (s *Store) NextEpoch(ctx context.Context, rollupID string) (uint64, error) {
	var epoch uint64
	err := s.db.GetContext(ctx, &epoch, `
		INSERT INTO epoch_counters (rollup_id, last_epoch)
		VALUES ($1, 1)
		ON CONFLICT (rollup_id) DO UPDATE
		SET last_epoch = epoch_counters.last_epoch + 1
		RETURNING last_epoch
	`, rollupID)
	if err != nil {
		return 0, err
	}
	return epoch, nil
}

func (s *Store) UpsertEpochStatus(ctx context.Context, es event.EpochStatus) error {
	es.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO epoch_status (rollup_id, epoch, last_sequence, gap_detected, gap_at, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (rollup_id, epoch) DO UPDATE
		SET last_sequence = GREATEST(epoch_status.last_sequence, EXCLUDED.last_sequence),
		    gap_detected = epoch_status.gap_detected OR EXCLUDED.gap_detected,
		    gap_at = COALESCE(epoch_status.gap_at, EXCLUDED.gap_at),
		    updated_at = EXCLUDED.updated_at
	`, es.RollupID, es.Epoch, es.LastSequence, es.GapDetected, toNullTime(es.GapAt), es.StartedAt, es.UpdatedAt)
	return err
}

func (s *Store) ListEpochs(ctx context.Context, rollupID string) ([]event.EpochStatus, error) {
	var rows []epochRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT rollup_id, epoch, last_sequence, gap_detected, gap_at, started_at, updated_at
		FROM epoch_status
		WHERE rollup_id = $1
		ORDER BY epoch
	`, rollupID)
	if err != nil {
		return nil, err
	}

	result := make([]event.EpochStatus, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

// --- BatchStore -------------------------------------------------------------

type batchRow struct {
	ID        string    `db:"id"`
	RollupID  string    `db:"rollup_id"`
	FromSeq   uint64    `db:"from_seq"`
	ToSeq     uint64    `db:"to_seq"`
	Diff      []byte    `db:"diff"`
	Status    string    `db:"status"`
	TxRef     string    `db:"tx_ref"`
	Attempts  int       `db:"attempts"`
	Error     string    `db:"error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r batchRow) toDomain() (settlement.Batch, error) {
	b := settlement.Batch{
		ID:        r.ID,
		RollupID:  r.RollupID,
		FromSeq:   r.FromSeq,
		ToSeq:     r.ToSeq,
		Status:    settlement.ParseBatchStatus(r.Status),
		TxRef:     r.TxRef,
		Attempts:  r.Attempts,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Diff) > 0 {
		if err := json.Unmarshal(r.Diff, &b.Diff); err != nil {
			return settlement.Batch{}, err
		}
	}
	return b, nil
}

func (s *Store) CreateBatch(ctx context.Context, b settlement.Batch) (settlement.Batch, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	diffJSON, err := json.Marshal(b.Diff)
	if err != nil {
		return settlement.Batch{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement_batches (id, rollup_id, from_seq, to_seq, diff, status, tx_ref, attempts, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, b.ID, b.RollupID, b.FromSeq, b.ToSeq, diffJSON, b.Status.String(), b.TxRef, b.Attempts, b.Error, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return settlement.Batch{}, err
	}
	return b, nil
}

func (s *Store) UpdateBatch(ctx context.Context, b settlement.Batch) (settlement.Batch, error) {
	existing, err := s.GetBatch(ctx, b.ID)
	if err != nil {
		return settlement.Batch{}, err
	}

	b.CreatedAt = existing.CreatedAt
	b.UpdatedAt = time.Now().UTC()

	diffJSON, err := json.Marshal(b.Diff)
	if err != nil {
		return settlement.Batch{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE settlement_batches
		SET diff = $2, status = $3, tx_ref = $4, attempts = $5, error = $6, updated_at = $7
		WHERE id = $1
	`, b.ID, diffJSON, b.Status.String(), b.TxRef, b.Attempts, b.Error, b.UpdatedAt)
	if err != nil {
		return settlement.Batch{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return settlement.Batch{}, storage.ErrNotFound
	}
	return b, nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (settlement.Batch, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, rollup_id, from_seq, to_seq, diff, status, tx_ref, attempts, error, created_at, updated_at
		FROM settlement_batches
		WHERE id = $1
	`, id)
	if err != nil {
		return settlement.Batch{}, mapNotFound(err)
	}
	return row.toDomain()
}

func (s *Store) LatestConfirmed(ctx context.Context, rollupID string) (settlement.Batch, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, rollup_id, from_seq, to_seq, diff, status, tx_ref, attempts, error, created_at, updated_at
		FROM settlement_batches
		WHERE rollup_id = $1 AND status = 'confirmed'
		ORDER BY to_seq DESC
		LIMIT 1
	`, rollupID)
	if err != nil {
		return settlement.Batch{}, mapNotFound(err)
	}
	return row.toDomain()
}

func (s *Store) ListUnresolved(ctx context.Context) ([]settlement.Batch, error) {
	var rows []batchRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, rollup_id, from_seq, to_seq, diff, status, tx_ref, attempts, error, created_at, updated_at
		FROM settlement_batches
		WHERE status IN ('pending', 'submitted')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}

	result := make([]settlement.Batch, 0, len(rows))
	for _, row := range rows {
		b, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, nil
}

func (s *Store) ListBatches(ctx context.Context, rollupID string) ([]settlement.Batch, error) {
	var rows []batchRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, rollup_id, from_seq, to_seq, diff, status, tx_ref, attempts, error, created_at, updated_at
		FROM settlement_batches
		WHERE rollup_id = $1
		ORDER BY created_at
	`, rollupID)
	if err != nil {
		return nil, err
	}

	result := make([]settlement.Batch, 0, len(rows))
	for _, row := range rows {
		b, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, nil
}
