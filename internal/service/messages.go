package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/agentloop/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// MessagePage is one page of the display projection of a session.
type MessagePage struct {
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
	Total int           `json:"total"`
	Data  []MessageView `json:"data"`
}

// MessageView is a message row shaped for display.
type MessageView struct {
	ID         string      `json:"id"`
	Role       domain.Role `json:"role"`
	CreatedAt  string      `json:"createdAt"`
	ModelID    string      `json:"modelId,omitempty"`
	Text       *string     `json:"text,omitempty"`
	Images     []ImageView `json:"images,omitempty"`
	ToolCall   *ToolView   `json:"toolCall,omitempty"`
	ToolResult *ToolView   `json:"toolResult,omitempty"`
}

type ImageView struct {
	MediaID string `json:"mediaId"`
	URL     string `json:"url"`
}

// ToolView carries either a tool call's input or a tool result's output.
type ToolView struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// ListMessages pages through a session's rows. An unknown session yields an
// empty page.
func (s *Service) ListMessages(ctx context.Context, teamID, userID, sessionID string, page, limit int) (*MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	result := &MessagePage{Page: page, Limit: limit, Data: []MessageView{}}

	session, err := s.store.GetSession(ctx, teamID, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return result, nil
	}

	rows, total, err := s.store.ListPage(ctx, sessionID, teamID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	result.Total = total
	for i := range rows {
		result.Data = append(result.Data, s.view(ctx, &rows[i]))
	}
	return result, nil
}

func (s *Service) view(ctx context.Context, row *domain.Message) MessageView {
	v := MessageView{
		ID:        row.ID,
		Role:      row.Role,
		CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339Nano),
		ModelID:   row.ModelID,
	}

	switch {
	case row.Role == domain.RoleUser && row.Content != "":
		parts, ok := domain.DecodeUserContent(row.Content)
		if !ok {
			v.Text = &row.Content
			break
		}
		text := domain.JoinText(parts)
		v.Text = &text
		if ids := domain.ImageMediaIDs(parts); len(ids) > 0 {
			v.Images = s.images(ctx, ids, row.TeamID)
		}
	case row.Role == domain.RoleAssistant && row.ToolCallID == "":
		v.Text = &row.Content
	}

	if row.ToolCallID != "" && row.ToolName != "" && row.ToolInput != "" {
		v.ToolCall = &ToolView{ToolCallID: row.ToolCallID, ToolName: row.ToolName, Input: jsonOrString(row.ToolInput)}
	}
	if row.ToolCallID != "" && row.ToolName != "" && row.ToolOutput != "" {
		v.ToolResult = &ToolView{ToolCallID: row.ToolCallID, ToolName: row.ToolName, Output: jsonOrString(row.ToolOutput)}
	}
	return v
}

func (s *Service) images(ctx context.Context, ids []string, teamID string) []ImageView {
	images := []ImageView{}
	if s.media == nil {
		return images
	}
	for _, id := range ids {
		resolved, err := s.media.Resolve(ctx, id, teamID)
		if err != nil {
			s.logger.Warn("failed to resolve media for display", zap.String("media_id", id), zap.Error(err))
			continue
		}
		if resolved != nil {
			images = append(images, ImageView{MediaID: id, URL: resolved.URL})
		}
	}
	return images
}

func jsonOrString(raw string) json.RawMessage {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	data, _ := json.Marshal(raw)
	return data
}
