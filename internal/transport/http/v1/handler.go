// Package v1 provides the agent HTTP API.
package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/hub"
	"github.com/xiaot623/agentloop/internal/service"
	"go.uber.org/zap"
)

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	watch   *hub.Server
	db      Pinger
	logger  *zap.Logger
}

// NewHandler creates a new handler. watch and db may be nil.
func NewHandler(svc *service.Service, watch *hub.Server, db Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service: svc,
		watch:   watch,
		db:      db,
		logger:  logger,
	}
}

// RegisterRoutes registers the API routes. auth guards everything except /health.
func (h *Handler) RegisterRoutes(e *echo.Echo, auth echo.MiddlewareFunc) {
	api := e.Group("/api/agent-v3", auth)
	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions", h.ListSessions)
	api.GET("/sessions/:id", h.GetSession)
	api.PATCH("/sessions/:id", h.UpdateSession)
	api.DELETE("/sessions/:id", h.DeleteSession)
	api.GET("/sessions/:id/messages", h.ListMessages)
	api.GET("/sessions/:id/watch", h.WatchSession)
	api.GET("/models", h.ListModels)
	api.POST("/chat/stream", h.ChatStream)

	canvas := e.Group("/api/canvas-agent", auth)
	canvas.POST("/stream", h.CanvasStream)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	if h.db != nil {
		if err := h.db.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// fail maps service errors onto status codes.
func (h *Handler) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidModel), errors.Is(err, domain.ErrNoModel):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrCanvasDisabled):
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
