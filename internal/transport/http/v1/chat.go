package v1

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/agentloop/internal/agent"
	"github.com/xiaot623/agentloop/internal/canvas"
	"github.com/xiaot623/agentloop/internal/protocol"
	"github.com/xiaot623/agentloop/internal/service"
	"go.uber.org/zap"
)

// HeaderSessionID carries the session a canvas stream was bound to.
const HeaderSessionID = "X-Session-Id"

type chatStreamRequest struct {
	SessionID     string   `json:"sessionId"`
	ModelID       string   `json:"modelId"`
	Message       string   `json:"message"`
	ImageMediaIDs []string `json:"imageMediaIds"`
}

type canvasStreamRequest struct {
	BoardID   string           `json:"boardId"`
	SessionID string           `json:"sessionId"`
	ModelID   string           `json:"modelId"`
	Message   string           `json:"message"`
	Snapshot  *canvas.Snapshot `json:"snapshot"`
}

// ChatStream runs one user turn and streams its events as SSE frames.
// POST /api/agent-v3/chat/stream
func (h *Handler) ChatStream(c echo.Context) error {
	var req chatStreamRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.SessionID == "" {
		return badRequest(c, "sessionId is required")
	}
	if strings.TrimSpace(req.Message) == "" && len(req.ImageMediaIDs) == 0 {
		return badRequest(c, "message is required")
	}
	teamID, userID := identity(c)

	run, err := h.service.StartChat(c.Request().Context(), service.ChatRequest{
		SessionID:     req.SessionID,
		TeamID:        teamID,
		UserID:        userID,
		ModelID:       req.ModelID,
		Message:       req.Message,
		ImageMediaIDs: req.ImageMediaIDs,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return h.stream(c, run, teamID, req.SessionID)
}

// CanvasStream runs one canvas assistant turn for a board.
// POST /api/canvas-agent/stream
func (h *Handler) CanvasStream(c echo.Context) error {
	var req canvasStreamRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.BoardID == "" {
		return badRequest(c, "boardId is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return badRequest(c, "message is required")
	}
	teamID, userID := identity(c)

	run, sessionID, err := h.service.StartCanvasChat(c.Request().Context(), canvas.StreamRequest{
		BoardID:   req.BoardID,
		TeamID:    teamID,
		UserID:    userID,
		SessionID: req.SessionID,
		ModelID:   req.ModelID,
		Message:   req.Message,
		Snapshot:  req.Snapshot,
	})
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set(HeaderSessionID, sessionID)
	return h.stream(c, run, teamID, sessionID)
}

// stream writes the run as an event stream. Failures after the headers are
// sent become a final INTERNAL_ERROR frame unless the client went away.
func (h *Handler) stream(c echo.Context, run *agent.Run, teamID, sessionID string) error {
	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	w := protocol.NewWriter(c.Response())

	err := h.service.Stream(ctx, run, teamID, sessionID, w.WriteFrame)
	if err != nil && ctx.Err() == nil {
		h.logger.Error("chat stream failed", zap.String("session_id", sessionID), zap.Error(err))
		_ = w.WriteEvent(protocol.Error(agent.CodeInternal, err.Error()))
	}
	return nil
}

// WatchSession upgrades to a websocket that mirrors the session's frames.
// GET /api/agent-v3/sessions/:id/watch
func (h *Handler) WatchSession(c echo.Context) error {
	if h.watch == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "watch is not enabled"})
	}
	teamID, userID := identity(c)
	session, err := h.service.GetSession(c.Request().Context(), teamID, userID, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	// on failure the upgrader has already written the response
	_ = h.watch.ServeSession(c.Response(), c.Request(), session.ID)
	return nil
}
