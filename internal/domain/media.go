package domain

import "time"

// Media is an uploaded file that user messages may reference by id.
type Media struct {
	ID         string    `json:"id"`
	TeamID     string    `json:"teamId"`
	Type       MediaType `json:"type"`
	StorageKey string    `json:"storageKey,omitempty"`
	URL        string    `json:"url,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Workflow is a team workflow that the canvas assistant can place on a board.
type Workflow struct {
	ID          string    `json:"id"`
	TeamID      string    `json:"teamId"`
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName,omitempty"`
	Description string    `json:"description,omitempty"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CanvasBinding ties a canvas board to the session that drives its assistant.
type CanvasBinding struct {
	BoardID   string    `json:"boardId"`
	TeamID    string    `json:"teamId"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}
