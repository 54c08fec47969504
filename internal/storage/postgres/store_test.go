package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/Ephemera-Network/rollup_console/internal/domain/event"
	"github.com/Ephemera-Network/rollup_console/internal/domain/instance"
	"github.com/Ephemera-Network/rollup_console/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestInsertEventDeduplicates(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	insert := regexp.QuoteMeta(`ON CONFLICT (rollup_id, sequence) DO NOTHING`)

	mock.ExpectExec(insert).
		WithArgs("r1", uint64(1), uint64(7), "state_write", []byte(`{}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := store.InsertEvent(ctx, event.Event{RollupID: "r1", Epoch: 1, Sequence: 7, Type: "state_write", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.True(t, inserted)

	// The conflict path affects zero rows.
	mock.ExpectExec(insert).
		WithArgs("r1", uint64(2), uint64(7), "state_write", []byte(`{}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err = store.InsertEvent(ctx, event.Event{RollupID: "r1", Epoch: 2, Sequence: 7, Type: "state_write", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.False(t, inserted, "conflicting sequence must report deduplicated")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetInstanceMapsNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, project_id, status").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetInstance(context.Background(), "ghost")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetInstanceScansRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "project_id", "status", "base_chain_rpc", "rollup_rpc", "pending_teardown", "created_at", "last_settled_at", "updated_at",
	}).AddRow("i1", "p1", "settling", "http://base", "http://rollup", true, now, nil, now)

	mock.ExpectQuery("SELECT id, project_id, status").WithArgs("i1").WillReturnRows(rows)

	inst, err := store.GetInstance(context.Background(), "i1")
	require.NoError(t, err)
	require.Equal(t, instance.StatusSettling, inst.Status)
	require.True(t, inst.PendingTeardown)
	require.True(t, inst.LastSettledAt.IsZero(), "null last_settled_at must map to zero time")
}

func TestNextEpochReturnsAllocatedValue(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO epoch_counters").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"last_epoch"}).AddRow(int64(3)))

	epoch, err := store.NextEpoch(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), epoch)
}
