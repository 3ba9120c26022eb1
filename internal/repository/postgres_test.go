package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/agentloop/internal/domain"
)

func newMockPostgres(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store, err := newStore(db, postgresDialect{}, false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store, mock
}

func TestPostgresRebind(t *testing.T) {
	got := postgresDialect{}.rebind(`SELECT a FROM t WHERE x = ? AND y = ? LIMIT ?`)
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y = $2 LIMIT $3`, got)
}

func TestPostgresAppendLocksSession(t *testing.T) {
	store, mock := newMockPostgres(t)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = $1`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(7))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO messages`)).
		WithArgs("m1", "s1", "t1", int64(7), "user", "hello", nil, nil, nil, nil, nil, created).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	msg := &domain.Message{ID: "m1", SessionID: "s1", TeamID: "t1", Role: domain.RoleUser, Content: "hello", CreatedAt: created}
	require.NoError(t, store.Append(context.Background(), msg))
	assert.EqualValues(t, 7, msg.Sequence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExplicitSequenceConflict(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO messages`)).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	err := store.Append(context.Background(), &domain.Message{SessionID: "s1", TeamID: "t1", Sequence: 3, Role: domain.RoleTool})
	assert.ErrorIs(t, err, domain.ErrSequenceConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLeaseBusy(t *testing.T) {
	store, mock := newMockPostgres(t)
	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO session_leases (session_id, owner, expires_at) VALUES ($1, $2, $3)`)).
		WithArgs("s1", "run-b", now.Add(time.Minute).UnixMilli(), now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.AcquireLease(context.Background(), "s1", "run-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetSessionNotFound(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM sessions`)).
		WithArgs("s1", "t1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "team_id", "user_id", "title", "model_id", "created_at", "updated_at"}))

	got, err := store.GetSession(context.Background(), "t1", "u1", "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}
