// Package domain defines the core domain models for the agent service.
package domain

// Role is the author of a persisted message row.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleSystem is never persisted; system prompts are rebuilt for every model call.
	RoleSystem Role = "system"
)

// PartType discriminates the parts of a user message.
type PartType string

const (
	PartTypeText  PartType = "text"
	PartTypeImage PartType = "image"
)

// MediaType is the coarse kind of an uploaded media file.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
	MediaTypeAudio MediaType = "audio"
	MediaTypeFile  MediaType = "file"
)
