package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryRowColumns = []string{"id", "occurred_at", "action", "actor_user_id", "subject_user_id", "actor_role", "payload", "application"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_Append(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO audit_entries .* RETURNING id`).
		WithArgs(now, ActionLogin, int64(7), int64(7), "internal_hr", []byte(`{"method":"password"}`), nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	e := &Entry{
		Timestamp: now, Action: ActionLogin, ActorUserID: int64Ptr(7), SubjectUserID: int64Ptr(7),
		ActorRole: "internal_hr", Payload: map[string]interface{}{"method": "password"},
	}
	require.NoError(t, store.Append(context.Background(), e))
	assert.Equal(t, int64(42), e.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListBySubjectKeyset(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM audit_entries WHERE subject_user_id = \$1 AND id < \$2 ORDER BY id DESC LIMIT \$3`).
		WithArgs(int64(7), int64(100), 21).
		WillReturnRows(sqlmock.NewRows(entryRowColumns).
			AddRow(99, now, ActionLogin, 7, 7, nil, []byte(`{"method":"password"}`), nil).
			AddRow(98, now, ActionLogout, nil, 7, "client_admin", nil, "hris"))

	entries, err := store.ListBySubject(context.Background(), 7, 100, 21)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "password", entries[0].Payload["method"])
	assert.Nil(t, entries[1].ActorUserID)
	assert.Equal(t, "hris", entries[1].Application)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListBySubjectFirstPage(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`WHERE subject_user_id = \$1 ORDER BY id DESC LIMIT \$2`).
		WithArgs(int64(7), 21).
		WillReturnRows(sqlmock.NewRows(entryRowColumns))

	entries, err := store.ListBySubject(context.Background(), 7, 0, 21)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPostgresStore_Checkpoint(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT last_id FROM audit_checkpoints`).
		WithArgs("s3-archive").
		WillReturnRows(sqlmock.NewRows([]string{"last_id"}))
	mock.ExpectExec(`INSERT INTO audit_checkpoints .* ON CONFLICT \(name\) DO UPDATE`).
		WithArgs("s3-archive", int64(55)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cp, err := store.GetCheckpoint(context.Background(), "s3-archive")
	require.NoError(t, err)
	assert.Zero(t, cp)
	require.NoError(t, store.SetCheckpoint(context.Background(), "s3-archive", 55))
	assert.NoError(t, mock.ExpectationsWereMet())
}
