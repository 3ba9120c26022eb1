package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/xiaot623/agentloop/internal/domain"
)

// CreateMedia records an uploaded media file.
func (s *Store) CreateMedia(ctx context.Context, media *domain.Media) error {
	if media.ID == "" {
		media.ID = uuid.NewString()
	}
	if media.CreatedAt.IsZero() {
		media.CreatedAt = s.now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO media_files (id, team_id, type, storage_key, url, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		media.ID, media.TeamID, string(media.Type), nullString(media.StorageKey), nullString(media.URL), media.CreatedAt)
	return err
}

// GetMedia looks up a media file visible to team. It returns nil when not found.
func (s *Store) GetMedia(ctx context.Context, teamID, mediaID string) (*domain.Media, error) {
	var media domain.Media
	var mediaType string
	var storageKey, url sql.NullString
	err := s.queryRow(ctx,
		`SELECT id, team_id, type, storage_key, url, created_at FROM media_files WHERE id = ? AND team_id = ?`,
		mediaID, teamID).Scan(&media.ID, &media.TeamID, &mediaType, &storageKey, &url, &media.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	media.Type = domain.MediaType(mediaType)
	media.StorageKey = storageKey.String
	media.URL = url.String
	return &media, nil
}

// UpsertWorkflow creates or replaces a team workflow.
func (s *Store) UpsertWorkflow(ctx context.Context, wf *domain.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = s.now().UTC()
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	_, err := s.exec(ctx,
		`INSERT INTO workflows (id, team_id, name, display_name, description, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, display_name = excluded.display_name,
		   description = excluded.description, version = excluded.version, updated_at = excluded.updated_at`,
		wf.ID, wf.TeamID, wf.Name, nullString(wf.DisplayName), nullString(wf.Description), wf.Version, wf.UpdatedAt)
	return err
}

// ListWorkflows returns every workflow of a team, most recently updated first.
func (s *Store) ListWorkflows(ctx context.Context, teamID string) ([]domain.Workflow, error) {
	rows, err := s.query(ctx,
		`SELECT id, team_id, name, display_name, description, version, updated_at
		 FROM workflows WHERE team_id = ? ORDER BY updated_at DESC, id`,
		teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workflows := []domain.Workflow{}
	for rows.Next() {
		var wf domain.Workflow
		var displayName, description sql.NullString
		if err := rows.Scan(&wf.ID, &wf.TeamID, &wf.Name, &displayName, &description, &wf.Version, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.DisplayName = displayName.String
		wf.Description = description.String
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// GetCanvasBinding returns the session bound to a board, or nil.
func (s *Store) GetCanvasBinding(ctx context.Context, teamID, boardID string) (*domain.CanvasBinding, error) {
	var b domain.CanvasBinding
	err := s.queryRow(ctx,
		`SELECT board_id, team_id, user_id, session_id, created_at FROM canvas_bindings WHERE board_id = ? AND team_id = ?`,
		boardID, teamID).Scan(&b.BoardID, &b.TeamID, &b.UserID, &b.SessionID, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// BindCanvas records the board to session binding. An existing binding for the
// board is kept and returned unchanged.
func (s *Store) BindCanvas(ctx context.Context, binding *domain.CanvasBinding) (*domain.CanvasBinding, error) {
	if binding.CreatedAt.IsZero() {
		binding.CreatedAt = s.now().UTC()
	}
	if _, err := s.exec(ctx,
		`INSERT INTO canvas_bindings (board_id, team_id, user_id, session_id, created_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (board_id, team_id) DO NOTHING`,
		binding.BoardID, binding.TeamID, binding.UserID, binding.SessionID, binding.CreatedAt); err != nil {
		return nil, err
	}
	return s.GetCanvasBinding(ctx, binding.TeamID, binding.BoardID)
}
