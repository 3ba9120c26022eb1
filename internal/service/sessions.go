package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/agentloop/internal/adapter/llm"
	"github.com/xiaot623/agentloop/internal/domain"
)

func (s *Service) CreateSession(ctx context.Context, teamID, userID, title, modelID string) (*domain.Session, error) {
	if err := s.checkModel(teamID, modelID); err != nil {
		return nil, err
	}
	session := &domain.Session{TeamID: teamID, UserID: userID, Title: title, ModelID: modelID}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

func (s *Service) ListSessions(ctx context.Context, teamID, userID string) ([]domain.Session, error) {
	sessions, err := s.store.ListSessions(ctx, teamID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// GetSession returns domain.ErrNotFound for unknown or deleted sessions.
func (s *Service) GetSession(ctx context.Context, teamID, userID, sessionID string) (*domain.Session, error) {
	session, err := s.store.GetSession(ctx, teamID, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, domain.ErrNotFound
	}
	return session, nil
}

func (s *Service) UpdateSession(ctx context.Context, teamID, userID, sessionID string, update domain.SessionUpdate) (*domain.Session, error) {
	if update.ModelID != nil {
		if err := s.checkModel(teamID, *update.ModelID); err != nil {
			return nil, err
		}
	}
	session, err := s.store.UpdateSession(ctx, teamID, userID, sessionID, update)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return session, nil
}

func (s *Service) DeleteSession(ctx context.Context, teamID, userID, sessionID string) error {
	if err := s.store.SoftDeleteSession(ctx, teamID, userID, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *Service) ListModels(teamID string) []llm.ModelInfo {
	return s.models.Models(teamID)
}

// checkModel rejects model ids the router cannot resolve. Empty ids are
// allowed; they defer to the default model at run time.
func (s *Service) checkModel(teamID, modelID string) error {
	if modelID == "" {
		return nil
	}
	_, err := s.models.Resolve(teamID, modelID)
	return err
}
