package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/xiaot623/agentloop/internal/domain"
)

const messageColumns = `id, session_id, team_id, sequence, role, content, tool_call_id, tool_name, tool_input, tool_output, model_id, created_at`

// appendAttempts bounds the retries of an auto-sequenced append that lost a race.
const appendAttempts = 3

// NextSequence returns the sequence the next appended row would receive.
func (s *Store) NextSequence(ctx context.Context, sessionID, teamID string) (int64, error) {
	var next int64
	err := s.queryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = ? AND team_id = ?`,
		sessionID, teamID).Scan(&next)
	return next, err
}

// Append persists msg. A zero Sequence is assigned as MAX(sequence)+1 inside the
// write transaction; an explicit Sequence that is already taken fails with
// domain.ErrSequenceConflict.
func (s *Store) Append(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	if msg.Sequence != 0 {
		err := s.insertMessage(ctx, msg, false)
		if err != nil && s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("session %s sequence %d: %w", msg.SessionID, msg.Sequence, domain.ErrSequenceConflict)
		}
		return err
	}

	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		err = s.insertMessage(ctx, msg, true)
		if err == nil || !s.dialect.isUniqueViolation(err) {
			break
		}
		msg.Sequence = 0
	}
	return err
}

func (s *Store) insertMessage(ctx context.Context, msg *domain.Message, assign bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if assign {
		if err := s.dialect.lockSession(ctx, tx, msg.SessionID); err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if err := tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = ?`),
			msg.SessionID).Scan(&msg.Sequence); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.SessionID, msg.TeamID, msg.Sequence, string(msg.Role), msg.Content,
		nullString(msg.ToolCallID), nullString(msg.ToolName), nullString(msg.ToolInput),
		nullString(msg.ToolOutput), nullString(msg.ModelID), msg.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// ListAll returns every row of a session in ascending sequence order.
func (s *Store) ListAll(ctx context.Context, sessionID, teamID string) ([]domain.Message, error) {
	rows, err := s.query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND team_id = ? ORDER BY sequence ASC`,
		sessionID, teamID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ListPage returns one 1-based page of rows in ascending sequence order and the total row count.
func (s *Store) ListPage(ctx context.Context, sessionID, teamID string, page, limit int) ([]domain.Message, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	var total int
	if err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND team_id = ?`,
		sessionID, teamID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND team_id = ?
		 ORDER BY sequence ASC LIMIT ? OFFSET ?`,
		sessionID, teamID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	messages, err := scanMessages(rows)
	return messages, total, err
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var role string
		var toolCallID, toolName, toolInput, toolOutput, modelID sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.TeamID, &msg.Sequence, &role, &msg.Content,
			&toolCallID, &toolName, &toolInput, &toolOutput, &modelID, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = domain.Role(role)
		msg.ToolCallID = toolCallID.String
		msg.ToolName = toolName.String
		msg.ToolInput = toolInput.String
		msg.ToolOutput = toolOutput.String
		msg.ModelID = modelID.String
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
