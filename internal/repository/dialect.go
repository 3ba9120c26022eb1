package repository

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// dialect captures the few places where SQLite and Postgres differ.
type dialect interface {
	name() string
	rebind(query string) string
	// lockSession serializes sequence assignment for one session inside tx.
	lockSession(ctx context.Context, tx *sql.Tx, sessionID string) error
	isUniqueViolation(err error) bool
	migrations() []string
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) rebind(query string) string { return query }

// Every SQLite transaction begins IMMEDIATE (see sqliteDSN), so the
// MAX(sequence) read and the INSERT in Append run under the database write lock.
func (sqliteDialect) lockSession(context.Context, *sql.Tx, string) error { return nil }

func (sqliteDialect) isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (sqliteDialect) migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			title TEXT,
			model_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(team_id, user_id, is_deleted, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			team_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT,
			tool_name TEXT,
			tool_input TEXT,
			tool_output TEXT,
			model_id TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_sequence ON messages(session_id, sequence)`,
		`CREATE TABLE IF NOT EXISTS session_leases (
			session_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS media_files (
			id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL,
			type TEXT NOT NULL,
			storage_key TEXT,
			url TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL,
			name TEXT NOT NULL,
			display_name TEXT,
			description TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_team ON workflows(team_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS canvas_bindings (
			board_id TEXT NOT NULL,
			team_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (board_id, team_id)
		)`,
	}
}

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

// rebind rewrites ? placeholders into $1, $2, ...
func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) lockSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID)
	return err
}

func (postgresDialect) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (postgresDialect) migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(128) PRIMARY KEY,
			team_id VARCHAR(128) NOT NULL,
			user_id VARCHAR(128) NOT NULL,
			title VARCHAR(500),
			model_id VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(team_id, user_id, is_deleted, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(128) PRIMARY KEY,
			session_id VARCHAR(128) NOT NULL,
			team_id VARCHAR(128) NOT NULL,
			sequence BIGINT NOT NULL,
			role VARCHAR(20) NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_call_id VARCHAR(128),
			tool_name VARCHAR(255),
			tool_input TEXT,
			tool_output TEXT,
			model_id VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_sequence ON messages(session_id, sequence)`,
		`CREATE TABLE IF NOT EXISTS session_leases (
			session_id VARCHAR(128) PRIMARY KEY,
			owner VARCHAR(128) NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS media_files (
			id VARCHAR(128) PRIMARY KEY,
			team_id VARCHAR(128) NOT NULL,
			type VARCHAR(20) NOT NULL,
			storage_key TEXT,
			url TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(128) PRIMARY KEY,
			team_id VARCHAR(128) NOT NULL,
			name VARCHAR(255) NOT NULL,
			display_name VARCHAR(255),
			description TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_team ON workflows(team_id, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS canvas_bindings (
			board_id VARCHAR(128) NOT NULL,
			team_id VARCHAR(128) NOT NULL,
			user_id VARCHAR(128) NOT NULL,
			session_id VARCHAR(128) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (board_id, team_id)
		)`,
	}
}
