package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/agentloop/internal/domain"
)

type createSessionRequest struct {
	Title   string `json:"title"`
	ModelID string `json:"modelId"`
}

// CreateSession creates a session for the caller.
// POST /api/agent-v3/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	teamID, userID := identity(c)

	session, err := h.service.CreateSession(c.Request().Context(), teamID, userID, req.Title, req.ModelID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// ListSessions lists the caller's sessions, most recently updated first.
// GET /api/agent-v3/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	teamID, userID := identity(c)
	sessions, err := h.service.ListSessions(c.Request().Context(), teamID, userID)
	if err != nil {
		return h.fail(c, err)
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// GetSession returns one session.
// GET /api/agent-v3/sessions/:id
func (h *Handler) GetSession(c echo.Context) error {
	teamID, userID := identity(c)
	session, err := h.service.GetSession(c.Request().Context(), teamID, userID, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// UpdateSession changes a session's title or default model.
// PATCH /api/agent-v3/sessions/:id
func (h *Handler) UpdateSession(c echo.Context) error {
	var update domain.SessionUpdate
	if err := c.Bind(&update); err != nil {
		return badRequest(c, "invalid request body")
	}
	teamID, userID := identity(c)

	session, err := h.service.UpdateSession(c.Request().Context(), teamID, userID, c.Param("id"), update)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// DeleteSession soft-deletes a session.
// DELETE /api/agent-v3/sessions/:id
func (h *Handler) DeleteSession(c echo.Context) error {
	teamID, userID := identity(c)
	if err := h.service.DeleteSession(c.Request().Context(), teamID, userID, c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// ListMessages returns one page of a session's display projection.
// GET /api/agent-v3/sessions/:id/messages?page=1&limit=20
func (h *Handler) ListMessages(c echo.Context) error {
	page := 1
	if p := c.QueryParam("page"); p != "" {
		if val, err := strconv.Atoi(p); err == nil {
			page = val
		}
	}
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	teamID, userID := identity(c)

	result, err := h.service.ListMessages(c.Request().Context(), teamID, userID, c.Param("id"), page, limit)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ListModels lists the models available to the caller's team.
// GET /api/agent-v3/models
func (h *Handler) ListModels(c echo.Context) error {
	teamID, _ := identity(c)
	return c.JSON(http.StatusOK, h.service.ListModels(teamID))
}
