package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/tools"
)

const anthropicMaxTokens = 4096

// AnthropicProvider streams messages from the Anthropic API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates the provider. baseURL is optional.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(options...)}
}

// Name returns the provider identifier used in model ids.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Step streams one message, emitting text deltas and collecting tool_use blocks.
func (p *AnthropicProvider) Step(ctx context.Context, req *StepRequest, onText func(string) error) (*StepResult, error) {
	system, messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: anthropicMaxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		toolParams, err := toAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		params.Tools = toolParams
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	result := &StepResult{}
	var text strings.Builder
	var current *ToolCall
	var input strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				input.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					if err := onText(delta.Text); err != nil {
						return nil, err
					}
				}
			case "input_json_delta":
				input.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current != nil {
				current.Args = json.RawMessage(input.String())
				result.ToolCalls = append(result.ToolCalls, *current)
				current = nil
			}

		case "message_delta":
			if reason := event.AsMessageDelta().Delta.StopReason; reason != "" {
				result.FinishReason = string(reason)
			}

		case "message_stop":
			result.Text = text.String()
			return result, nil
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: stream: %w", err)
	}
	result.Text = text.String()
	return result, nil
}

// emptyUserText stands in for a user turn whose text and media were all dropped.
const emptyUserText = "(empty message)"

// toAnthropicMessages splits out the system prompt and folds tool results into
// user turns, merging adjacent turns of the same role.
func toAnthropicMessages(messages []Message) (string, []anthropic.MessageParam, error) {
	var system []string
	var out []anthropic.MessageParam
	var blocks []anthropic.ContentBlockParamUnion
	var role anthropic.MessageParamRole

	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if role == anthropic.MessageParamRoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
		blocks = nil
	}
	switchTo := func(next anthropic.MessageParamRole) {
		if next != role {
			flush()
			role = next
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleSystem:
			system = append(system, msg.Text)

		case domain.RoleUser:
			switchTo(anthropic.MessageParamRoleUser)
			switch {
			case strings.TrimSpace(msg.Text) != "":
				blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
			case len(msg.Images) == 0:
				// empty text blocks are rejected; keep the turn
				blocks = append(blocks, anthropic.NewTextBlock(emptyUserText))
			}
			for _, img := range msg.Images {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfImage: &anthropic.ImageBlockParam{
						Source: anthropic.ImageBlockParamSourceUnion{
							OfURL: &anthropic.URLImageSourceParam{URL: img.URL},
						},
					},
				})
			}

		case domain.RoleAssistant:
			switchTo(anthropic.MessageParamRoleAssistant)
			if strings.TrimSpace(msg.Text) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
			}
			for _, call := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal(normalizeArgs(call.Args), &input); err != nil {
					return "", nil, fmt.Errorf("invalid tool call input: %w", err)
				}
				if _, ok := input.(map[string]any); !ok {
					input = map[string]any{"input": input}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}

		case domain.RoleTool:
			if msg.ToolResult == nil {
				continue
			}
			switchTo(anthropic.MessageParamRoleUser)
			blocks = append(blocks, anthropic.NewToolResultBlock(
				msg.ToolResult.CallID,
				msg.ToolResult.Content(),
				msg.ToolResult.IsError,
			))
		}
	}
	flush()
	return strings.Join(system, "\n\n"), out, nil
}

func toAnthropicTools(list []*tools.Tool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(list))
	for _, t := range list {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Schema) > 0 {
			if err := json.Unmarshal(t.Schema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	return out, nil
}
