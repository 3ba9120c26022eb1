package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/xiaot623/agentloop/internal/domain"
)

const sessionColumns = `id, team_id, user_id, title, model_id, created_at, updated_at`

// CreateSession creates a new session. ID and timestamps are filled when empty.
func (s *Store) CreateSession(ctx context.Context, session *domain.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	_, err := s.exec(ctx,
		`INSERT INTO sessions (id, team_id, user_id, title, model_id, created_at, updated_at, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, FALSE)`,
		session.ID, session.TeamID, session.UserID, nullString(session.Title), nullString(session.ModelID),
		session.CreatedAt, session.UpdatedAt)
	return err
}

// GetSession retrieves a live session owned by team and user. It returns nil when
// the session is missing, deleted, or owned by someone else.
func (s *Store) GetSession(ctx context.Context, teamID, userID, sessionID string) (*domain.Session, error) {
	row := s.queryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE id = ? AND team_id = ? AND user_id = ? AND is_deleted = FALSE`,
		sessionID, teamID, userID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return session, err
}

// ListSessions lists live sessions for team and user, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, teamID, userID string) ([]domain.Session, error) {
	rows, err := s.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE team_id = ? AND user_id = ? AND is_deleted = FALSE
		 ORDER BY updated_at DESC, id`,
		teamID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []domain.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// UpdateSession applies the non-nil fields of update and returns the updated session.
func (s *Store) UpdateSession(ctx context.Context, teamID, userID, sessionID string, update domain.SessionUpdate) (*domain.Session, error) {
	session, err := s.GetSession(ctx, teamID, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrNotFound
	}
	if update.Title != nil {
		session.Title = *update.Title
	}
	if update.ModelID != nil {
		session.ModelID = *update.ModelID
	}
	session.UpdatedAt = s.now().UTC()

	res, err := s.exec(ctx,
		`UPDATE sessions SET title = ?, model_id = ?, updated_at = ?
		 WHERE id = ? AND team_id = ? AND user_id = ? AND is_deleted = FALSE`,
		nullString(session.Title), nullString(session.ModelID), session.UpdatedAt,
		sessionID, teamID, userID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrNotFound
	}
	return session, nil
}

// TouchSession bumps updated_at so the session sorts first in listings.
func (s *Store) TouchSession(ctx context.Context, teamID, sessionID string) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ? AND team_id = ? AND is_deleted = FALSE`,
		s.now().UTC(), sessionID, teamID)
	return err
}

// SoftDeleteSession hides a session from every read. Rows are never hard-deleted.
func (s *Store) SoftDeleteSession(ctx context.Context, teamID, userID, sessionID string) error {
	res, err := s.exec(ctx,
		`UPDATE sessions SET is_deleted = TRUE, updated_at = ?
		 WHERE id = ? AND team_id = ? AND user_id = ? AND is_deleted = FALSE`,
		s.now().UTC(), sessionID, teamID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var title, modelID sql.NullString
	if err := row.Scan(&session.ID, &session.TeamID, &session.UserID, &title, &modelID,
		&session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	session.Title = title.String
	session.ModelID = modelID.String
	return &session, nil
}
