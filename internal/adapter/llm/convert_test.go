package llm

import (
	"encoding/json"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/tools"
)

func samplePrompt() []Message {
	return []Message{
		{Role: domain.RoleSystem, Text: "be helpful"},
		{Role: domain.RoleUser, Text: "look at this", Images: []Image{{URL: "https://cdn/a.png", MediaType: "image"}}},
		{Role: domain.RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "reasoning", Args: json.RawMessage(`{}`)}}},
		{Role: domain.RoleTool, ToolResult: &ToolResult{CallID: "c1", Name: "reasoning", Output: json.RawMessage(`{"ready_to_reply":true}`)}},
		{Role: domain.RoleAssistant, Text: "done"},
	}
}

func TestToOpenAIMessages(t *testing.T) {
	out := toOpenAIMessages(samplePrompt())
	require.Len(t, out, 5)

	assert.Equal(t, openai.ChatMessageRoleSystem, out[0].Role)
	require.Len(t, out[1].MultiContent, 2)
	assert.Equal(t, "https://cdn/a.png", out[1].MultiContent[1].ImageURL.URL)
	require.Len(t, out[2].ToolCalls, 1)
	assert.Equal(t, "{}", out[2].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "c1", out[3].ToolCallID)
	assert.JSONEq(t, `{"ready_to_reply":true}`, out[3].Content)
	assert.Equal(t, "done", out[4].Content)
}

func TestToOpenAIMessagesImageOnlyUser(t *testing.T) {
	out := toOpenAIMessages([]Message{
		{Role: domain.RoleUser, Text: "", Images: []Image{{URL: "https://cdn/a.png"}}},
	})
	require.Len(t, out, 1)
	require.Len(t, out[0].MultiContent, 1)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, out[0].MultiContent[0].Type)
	assert.Empty(t, out[0].Content)
}

func TestToAnthropicMessagesImageOnlyUser(t *testing.T) {
	_, out, err := toAnthropicMessages([]Message{
		{Role: domain.RoleUser, Images: []Image{{URL: "https://cdn/a.png"}}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0].Content, 1)
	assert.NotNil(t, out[0].Content[0].OfImage)
}

func TestToAnthropicMessagesKeepsEmptyUserTurn(t *testing.T) {
	_, out, err := toAnthropicMessages([]Message{
		{Role: domain.RoleSystem, Text: "sys"},
		{Role: domain.RoleUser, Text: "  "},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0].Content, 1)
	require.NotNil(t, out[0].Content[0].OfText)
	assert.Equal(t, emptyUserText, out[0].Content[0].OfText.Text)
}

func TestToAnthropicMessagesMergesTurns(t *testing.T) {
	system, out, err := toAnthropicMessages(samplePrompt())
	require.NoError(t, err)
	assert.Equal(t, "be helpful", system)
	// user, assistant(tool_use), user(tool_result), assistant(text)
	require.Len(t, out, 4)
	assert.Len(t, out[0].Content, 2)
}

func TestToolSchemasConvert(t *testing.T) {
	oa := toOpenAITools([]*tools.Tool{tools.Reasoning})
	require.Len(t, oa, 1)
	assert.Equal(t, "reasoning", oa[0].Function.Name)

	an, err := toAnthropicTools([]*tools.Tool{tools.Reasoning})
	require.NoError(t, err)
	require.Len(t, an, 1)
	assert.Equal(t, "reasoning", an[0].OfTool.Name)
}

func TestNormalizeArgs(t *testing.T) {
	assert.Equal(t, `{}`, string(normalizeArgs(nil)))
	assert.Equal(t, `{"a":1}`, string(normalizeArgs(json.RawMessage(`{"a":1}`))))
	assert.Equal(t, `"{\"a\":"`, string(normalizeArgs(json.RawMessage(`{"a":`))))
}

func TestSplitIntoChunks(t *testing.T) {
	assert.Equal(t, []string{"abc", "def", "g"}, splitIntoChunks("abcdefg", 3))
	assert.Equal(t, []string{""}, splitIntoChunks("", 3))
}
