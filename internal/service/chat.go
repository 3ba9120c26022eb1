package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/xiaot623/agentloop/internal/agent"
	"github.com/xiaot623/agentloop/internal/canvas"
	"github.com/xiaot623/agentloop/internal/protocol"
	"go.uber.org/zap"
)

const touchTimeout = 5 * time.Second

// ErrCanvasDisabled is returned when no canvas assistant is configured.
var ErrCanvasDisabled = errors.New("canvas assistant is not configured")

// ChatRequest is one user turn in a session.
type ChatRequest struct {
	SessionID     string
	TeamID        string
	UserID        string
	ModelID       string
	Message       string
	ImageMediaIDs []string
}

// StartChat starts a run in an existing session. The request's model wins
// over the session default.
func (s *Service) StartChat(ctx context.Context, req ChatRequest) (*agent.Run, error) {
	session, err := s.GetSession(ctx, req.TeamID, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	modelID := req.ModelID
	if modelID == "" {
		modelID = session.ModelID
	}
	return s.runner.Run(ctx, agent.Options{
		SessionID:     session.ID,
		TeamID:        req.TeamID,
		UserID:        req.UserID,
		ModelID:       modelID,
		UserMessage:   req.Message,
		ImageMediaIDs: req.ImageMediaIDs,
	}), nil
}

// StartCanvasChat starts a run for a canvas board and returns its session id.
func (s *Service) StartCanvasChat(ctx context.Context, req canvas.StreamRequest) (*agent.Run, string, error) {
	if s.canvas == nil {
		return nil, "", ErrCanvasDisabled
	}
	return s.canvas.Stream(ctx, req)
}

// Stream drains run, handing each encoded frame to write and mirroring it to
// the session's watchers. The run is closed on return; a write failure ends
// the run.
func (s *Service) Stream(ctx context.Context, run *agent.Run, teamID, sessionID string, write func(frame []byte) error) error {
	defer run.Close()
	defer s.touch(ctx, teamID, sessionID)

	for {
		evt, err := run.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		frame, err := protocol.Encode(evt)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", evt.EventType(), err)
		}
		if s.hub != nil {
			s.hub.Broadcast(sessionID, frame)
		}
		if err := write(frame); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
}

func (s *Service) touch(ctx context.Context, teamID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()
	if err := s.store.TouchSession(ctx, teamID, sessionID); err != nil {
		s.logger.Warn("failed to touch session", zap.String("session_id", sessionID), zap.Error(err))
	}
}
