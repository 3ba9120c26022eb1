package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Session represents one continuous conversation owned by a team and user.
type Session struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"teamId"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title,omitempty"`
	ModelID   string    `json:"modelId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	IsDeleted bool      `json:"-"`
}

// SessionUpdate carries the mutable session attributes. Nil fields are left untouched.
type SessionUpdate struct {
	Title   *string `json:"title,omitempty"`
	ModelID *string `json:"modelId,omitempty"`
}

// Message is one immutable, sequenced row in a session's history.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	TeamID     string    `json:"teamId"`
	Sequence   int64     `json:"sequence"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	ToolCallID string    `json:"toolCallId,omitempty"`
	ToolName   string    `json:"toolName,omitempty"`
	ToolInput  string    `json:"toolInput,omitempty"`
	ToolOutput string    `json:"toolOutput,omitempty"`
	ModelID    string    `json:"modelId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// IsToolRow reports whether the row records a tool invocation or a tool result.
func (m *Message) IsToolRow() bool {
	return m.ToolCallID != "" && m.ToolName != ""
}

// ContentPart is one element of a user message's structured content.
type ContentPart struct {
	Type    PartType `json:"type"`
	Text    string   `json:"text,omitempty"`
	MediaID string   `json:"media_id,omitempty"`
}

// EncodeUserContent serializes a user turn into the persisted content format:
// one text part followed by one image part per media id.
func EncodeUserContent(text string, imageMediaIDs []string) string {
	parts := make([]ContentPart, 0, len(imageMediaIDs)+1)
	parts = append(parts, ContentPart{Type: PartTypeText, Text: text})
	for _, id := range imageMediaIDs {
		parts = append(parts, ContentPart{Type: PartTypeImage, MediaID: id})
	}
	data, _ := json.Marshal(parts)
	return string(data)
}

// DecodeUserContent parses persisted user content. ok is false when the content
// is not a structured part list and must be treated as raw text.
func DecodeUserContent(content string) (parts []ContentPart, ok bool) {
	if err := json.Unmarshal([]byte(content), &parts); err != nil {
		return nil, false
	}
	return parts, true
}

// JoinText concatenates all text parts, newline-joined and trimmed.
func JoinText(parts []ContentPart) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == PartTypeText {
			texts = append(texts, p.Text)
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n"))
}

// ImageMediaIDs returns the media ids referenced by image parts, in order.
func ImageMediaIDs(parts []ContentPart) []string {
	var ids []string
	for _, p := range parts {
		if p.Type == PartTypeImage && p.MediaID != "" {
			ids = append(ids, p.MediaID)
		}
	}
	return ids
}
