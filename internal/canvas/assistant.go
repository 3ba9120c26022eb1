// Package canvas is the board assistant: it binds canvas boards to sessions
// and runs the agent loop with canvas editing tools.
package canvas

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaot623/agentloop/internal/agent"
	"github.com/xiaot623/agentloop/internal/domain"
	"go.uber.org/zap"
)

// SystemPromptSuffix steers the model toward the canvas tools.
var SystemPromptSuffix = strings.Join([]string{
	"You are a canvas workflow assistant. You create, update and delete workflow nodes on a tldraw board.",
	"Every canvas change must go through the provided tools; never describe manual steps instead.",
	"",
	"When creating a workflow node, props is a JSON string with these fields:",
	"- workflowId: workflow id (required)",
	"- name or workflowName: workflow name",
	"- description or workflowDescription: workflow description (optional)",
	"- w: node width, default 280 (optional)",
	"- h: node height, default 120 (optional)",
	`Example: {"workflowId":"workflow-123","name":"Text generation","description":"Generate text with an LLM","w":300,"h":150}`,
	"",
	"Call get_canvas_state before create, update or delete so positions and node ids are current.",
	"When a specific workflow is needed, call list_available_workflows first and pick from its result.",
	"After each tool call, briefly state the outcome in the user's language.",
	"Once reasoning and tool calls are done, always answer with readable text, even if only a confirmation or a question.",
}, "\n")

// Store is the persistence the assistant needs.
type Store interface {
	WorkflowLister
	GetSession(ctx context.Context, teamID, userID, sessionID string) (*domain.Session, error)
	CreateSession(ctx context.Context, session *domain.Session) error
	GetCanvasBinding(ctx context.Context, teamID, boardID string) (*domain.CanvasBinding, error)
	BindCanvas(ctx context.Context, binding *domain.CanvasBinding) (*domain.CanvasBinding, error)
}

// Runner starts agent runs.
type Runner interface {
	Run(ctx context.Context, opts agent.Options) *agent.Run
}

// StreamRequest is one user turn on a board.
type StreamRequest struct {
	BoardID   string
	TeamID    string
	UserID    string
	SessionID string
	ModelID   string
	Message   string
	Snapshot  *Snapshot
}

// Assistant drives the board assistant.
type Assistant struct {
	store     Store
	runner    Runner
	snapshots *SnapshotCache
	logger    *zap.Logger
}

// NewAssistant creates an Assistant.
func NewAssistant(store Store, runner Runner, logger *zap.Logger) *Assistant {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assistant{
		store:     store,
		runner:    runner,
		snapshots: NewSnapshotCache(),
		logger:    logger,
	}
}

// Snapshots exposes the snapshot cache.
func (a *Assistant) Snapshots() *SnapshotCache {
	return a.snapshots
}

// ResolveSession returns the session bound to the board. An unbound board is
// bound to req.SessionID when that session exists, otherwise to a new session.
func (a *Assistant) ResolveSession(ctx context.Context, req StreamRequest) (string, error) {
	binding, err := a.store.GetCanvasBinding(ctx, req.TeamID, req.BoardID)
	if err != nil {
		return "", fmt.Errorf("get canvas binding: %w", err)
	}
	if binding != nil {
		return binding.SessionID, nil
	}

	sessionID := ""
	if req.SessionID != "" {
		session, err := a.store.GetSession(ctx, req.TeamID, req.UserID, req.SessionID)
		if err != nil {
			return "", fmt.Errorf("get session: %w", err)
		}
		if session != nil {
			sessionID = session.ID
		}
	}
	if sessionID == "" {
		session := &domain.Session{
			TeamID:  req.TeamID,
			UserID:  req.UserID,
			Title:   "Tldraw " + req.BoardID,
			ModelID: req.ModelID,
		}
		if err := a.store.CreateSession(ctx, session); err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		sessionID = session.ID
	}

	// A concurrent request may have bound the board first; its binding wins.
	bound, err := a.store.BindCanvas(ctx, &domain.CanvasBinding{
		BoardID:   req.BoardID,
		TeamID:    req.TeamID,
		UserID:    req.UserID,
		SessionID: sessionID,
	})
	if err != nil {
		return "", fmt.Errorf("bind canvas: %w", err)
	}
	return bound.SessionID, nil
}

// Stream resolves the board's session, caches the pushed snapshot, and starts
// a run with the canvas tools. It returns the run and its session id.
func (a *Assistant) Stream(ctx context.Context, req StreamRequest) (*agent.Run, string, error) {
	sessionID, err := a.ResolveSession(ctx, req)
	if err != nil {
		return nil, "", err
	}
	a.snapshots.Put(sessionID, req.Snapshot)

	logger := a.logger.With(zap.String("session_id", sessionID), zap.String("board_id", req.BoardID))
	run := a.runner.Run(ctx, agent.Options{
		SessionID:          sessionID,
		TeamID:             req.TeamID,
		UserID:             req.UserID,
		ModelID:            req.ModelID,
		UserMessage:        req.Message,
		SystemPromptSuffix: SystemPromptSuffix,
		ExtraTools:         Tools(sessionID, req.TeamID, a.snapshots, a.store, logger),
	})
	return run, sessionID, nil
}
