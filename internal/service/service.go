// Package service is the application layer behind the HTTP API: session
// management, message views, model listing, and chat streams.
package service

import (
	"context"
	"time"

	"github.com/xiaot623/agentloop/internal/adapter/llm"
	"github.com/xiaot623/agentloop/internal/agent"
	"github.com/xiaot623/agentloop/internal/canvas"
	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/media"
	"go.uber.org/zap"
)

// Store is the persistence the service needs.
type Store interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, teamID, userID, sessionID string) (*domain.Session, error)
	ListSessions(ctx context.Context, teamID, userID string) ([]domain.Session, error)
	UpdateSession(ctx context.Context, teamID, userID, sessionID string, update domain.SessionUpdate) (*domain.Session, error)
	TouchSession(ctx context.Context, teamID, sessionID string) error
	SoftDeleteSession(ctx context.Context, teamID, userID, sessionID string) error
	ListPage(ctx context.Context, sessionID, teamID string, page, limit int) ([]domain.Message, int, error)
}

// Models lists and resolves models.
type Models interface {
	Models(teamID string) []llm.ModelInfo
	Resolve(teamID, modelID string) (*llm.Handle, error)
}

// Runner starts agent runs.
type Runner interface {
	Run(ctx context.Context, opts agent.Options) *agent.Run
}

// MediaResolver turns media ids into URLs.
type MediaResolver interface {
	Resolve(ctx context.Context, mediaID, teamID string) (*media.Resolved, error)
}

// Broadcaster mirrors frames to session watchers.
type Broadcaster interface {
	Broadcast(sessionID string, data []byte) bool
}

type Service struct {
	store  Store
	models Models
	runner Runner
	canvas *canvas.Assistant
	media  MediaResolver
	hub    Broadcaster
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Service. canvas, media and hub may be nil.
func New(store Store, models Models, runner Runner, assistant *canvas.Assistant, resolver MediaResolver, hub Broadcaster, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		models: models,
		runner: runner,
		canvas: assistant,
		media:  resolver,
		hub:    hub,
		logger: logger,
		now:    time.Now,
	}
}
