// Package history rebuilds a model prompt from a session's persisted rows.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/agentloop/internal/adapter/llm"
	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/media"
	"github.com/xiaot623/agentloop/internal/tools"
	"go.uber.org/zap"
)

// MessageLister reads a session's rows in ascending sequence order.
type MessageLister interface {
	ListAll(ctx context.Context, sessionID, teamID string) ([]domain.Message, error)
}

// MediaResolver resolves media ids to displayable URLs; nil means not found.
type MediaResolver interface {
	Resolve(ctx context.Context, mediaID, teamID string) (*media.Resolved, error)
}

// Reconstructor projects persisted rows into prompt messages. It has no side
// effects besides reads, so two calls over unchanged storage agree.
type Reconstructor struct {
	messages MessageLister
	media    MediaResolver
	window   int
	logger   *zap.Logger
}

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithWindow replays only the most recent k rows. Zero means the full history.
func WithWindow(k int) Option {
	return func(r *Reconstructor) {
		if k > 0 {
			r.window = k
		}
	}
}

// WithLogger sets the logger used for dropped media and skipped rows.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reconstructor) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Reconstructor.
func New(messages MessageLister, resolver MediaResolver, opts ...Option) *Reconstructor {
	r := &Reconstructor{messages: messages, media: resolver, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Build returns the prompt for a session: the system prompt followed by one
// entry per replayable row, in sequence order.
func (r *Reconstructor) Build(ctx context.Context, sessionID, teamID, systemPrompt string) ([]llm.Message, error) {
	rows, err := r.messages.ListAll(ctx, sessionID, teamID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	prompt := []llm.Message{{Role: domain.RoleSystem, Text: systemPrompt}}

	rows, omitted := applyWindow(rows, r.window)
	if len(omitted) > 0 {
		prompt = append(prompt, llm.Message{Role: domain.RoleSystem, Text: omittedNote(omitted)})
	}

	for i := range rows {
		row := &rows[i]
		switch row.Role {
		case domain.RoleUser:
			prompt = append(prompt, r.userEntry(ctx, row, teamID))

		case domain.RoleAssistant:
			if row.IsToolRow() {
				prompt = append(prompt, llm.Message{
					Role:      domain.RoleAssistant,
					ToolCalls: []llm.ToolCall{{ID: row.ToolCallID, Name: row.ToolName, Args: callArgs(row)}},
				})
				continue
			}
			if strings.TrimSpace(row.Content) == "" {
				continue
			}
			prompt = append(prompt, llm.Message{Role: domain.RoleAssistant, Text: row.Content})

		case domain.RoleTool:
			if !row.IsToolRow() {
				r.logger.Debug("skipping tool row without call id", zap.String("message_id", row.ID))
				continue
			}
			prompt = append(prompt, llm.Message{Role: domain.RoleTool, ToolResult: toolResult(row)})

		default:
			// system rows are never persisted; anything else is ignored
		}
	}
	return prompt, nil
}

func (r *Reconstructor) userEntry(ctx context.Context, row *domain.Message, teamID string) llm.Message {
	parts, ok := domain.DecodeUserContent(row.Content)
	if !ok {
		r.logger.Warn("user content is not a part list, replaying as raw text",
			zap.String("session_id", row.SessionID), zap.Int64("sequence", row.Sequence))
		return llm.Message{Role: domain.RoleUser, Text: row.Content}
	}

	entry := llm.Message{Role: domain.RoleUser, Text: domain.JoinText(parts)}
	for _, id := range domain.ImageMediaIDs(parts) {
		resolved, err := r.media.Resolve(ctx, id, teamID)
		switch {
		case err != nil:
			r.logger.Warn("dropping image, media lookup failed", zap.String("media_id", id), zap.Error(err))
		case resolved == nil:
			r.logger.Warn("dropping image, media not found", zap.String("media_id", id))
		case resolved.Type != domain.MediaTypeImage:
			r.logger.Warn("dropping media that is not an image",
				zap.String("media_id", id), zap.String("type", string(resolved.Type)))
		default:
			entry.Images = append(entry.Images, llm.Image{URL: resolved.URL, MediaType: string(resolved.Type)})
		}
	}
	return entry
}

// callArgs redacts reasoning arguments; other inputs replay as JSON when they
// parse and as a JSON string otherwise.
func callArgs(row *domain.Message) json.RawMessage {
	if row.ToolName == tools.ReasoningName {
		return json.RawMessage(`{}`)
	}
	if row.ToolInput == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(row.ToolInput)) {
		return json.RawMessage(row.ToolInput)
	}
	data, _ := json.Marshal(row.ToolInput)
	return data
}

func toolResult(row *domain.Message) *llm.ToolResult {
	result := &llm.ToolResult{CallID: row.ToolCallID, Name: row.ToolName}
	if row.ToolOutput != "" && json.Valid([]byte(row.ToolOutput)) {
		result.Output = json.RawMessage(row.ToolOutput)
	} else {
		result.Text = row.ToolOutput
	}
	return result
}
