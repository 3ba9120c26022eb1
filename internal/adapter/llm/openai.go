package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/tools"
)

// OpenAIProvider streams chat completions from the OpenAI API or any
// OpenAI-compatible endpoint such as a LiteLLM proxy.
type OpenAIProvider struct {
	name   string
	client *openai.Client
}

// NewOpenAIProvider creates a provider registered under name. A non-empty
// baseURL points the client at an OpenAI-compatible proxy.
func NewOpenAIProvider(name, apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
		if !strings.HasSuffix(cfg.BaseURL, "/v1") {
			cfg.BaseURL += "/v1"
		}
	}
	return &OpenAIProvider{name: name, client: openai.NewClientWithConfig(cfg)}
}

// Name returns the provider identifier used in model ids.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Step streams one completion and accumulates tool calls by index.
func (p *OpenAIProvider) Step(ctx context.Context, req *StepRequest, onText func(string) error) (*StepResult, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
		chatReq.ToolChoice = "auto"
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s: create stream: %w", p.name, err)
	}
	defer stream.Close()

	var text strings.Builder
	calls := make(map[int]*ToolCall)
	args := make(map[int]*strings.Builder)
	result := &StepResult{}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: stream: %w", p.name, err)
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if err := onText(choice.Delta.Content); err != nil {
				return nil, err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if calls[index] == nil {
				calls[index] = &ToolCall{}
				args[index] = &strings.Builder{}
			}
			if tc.ID != "" {
				calls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[index].Name = tc.Function.Name
			}
			args[index].WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			result.FinishReason = string(choice.FinishReason)
		}
	}

	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		call := calls[i]
		if call.ID == "" || call.Name == "" {
			continue
		}
		call.Args = json.RawMessage(args[i].String())
		result.ToolCalls = append(result.ToolCalls, *call)
	}
	result.Text = text.String()
	return result, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Text})

		case domain.RoleUser:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
			if len(msg.Images) == 0 {
				m.Content = msg.Text
			} else {
				if strings.TrimSpace(msg.Text) != "" {
					m.MultiContent = append(m.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: msg.Text,
					})
				}
				for _, img := range msg.Images {
					m.MultiContent = append(m.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: img.URL, Detail: openai.ImageURLDetailAuto},
					})
				}
			}
			out = append(out, m)

		case domain.RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Text}
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(normalizeArgs(call.Args)),
					},
				})
			}
			out = append(out, m)

		case domain.RoleTool:
			if msg.ToolResult == nil {
				continue
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.ToolResult.Content(),
				Name:       msg.ToolResult.Name,
				ToolCallID: msg.ToolResult.CallID,
			})
		}
	}
	return out
}

func toOpenAITools(list []*tools.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(list))
	for _, t := range list {
		var schema map[string]any
		if err := json.Unmarshal(t.Schema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}
