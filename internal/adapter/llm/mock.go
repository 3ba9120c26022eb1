package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/tools"
)

// MockProvider is a deterministic provider for local runs and demos. It calls
// the reasoning tool once per turn and then answers by echoing the user.
type MockProvider struct {
	// ChunkSize is the size of streamed text chunks.
	ChunkSize int
	// Delay is slept between chunks to mimic streaming.
	Delay time.Duration
}

// NewMockProvider creates a new mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{ChunkSize: 10}
}

// Name returns the provider identifier used in model ids.
func (m *MockProvider) Name() string {
	return "mock"
}

// Step returns a reasoning call when the current turn has none yet, and a
// streamed text answer otherwise.
func (m *MockProvider) Step(ctx context.Context, req *StepRequest, onText func(string) error) (*StepResult, error) {
	if hasTool(req.Tools, tools.ReasoningName) && !reasonedThisTurn(req.Messages) {
		args, _ := json.Marshal(tools.ReasoningArgs{
			Summary:      "The request is understood and can be answered directly.",
			NextActions:  []string{"reply"},
			ReadyToReply: true,
		})
		return &StepResult{
			ToolCalls: []ToolCall{{
				ID:   fmt.Sprintf("mock-call-%d", time.Now().UnixNano()),
				Name: tools.ReasoningName,
				Args: args,
			}},
			FinishReason: "tool_calls",
		}, nil
	}

	response := m.generateMockResponse(req)
	for _, chunk := range splitIntoChunks(response, m.ChunkSize) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := onText(chunk); err != nil {
			return nil, err
		}
		if m.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.Delay):
			}
		}
	}
	return &StepResult{Text: response, FinishReason: FinishStop}, nil
}

// generateMockResponse generates a mock response based on the request.
func (m *MockProvider) generateMockResponse(req *StepRequest) string {
	var lastUserMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			lastUserMessage = req.Messages[i].Text
			break
		}
	}

	if lastUserMessage == "" {
		return "[MOCK] This is a mock response from the LLM provider."
	}

	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUserMessage, 100))
}

func hasTool(list []*tools.Tool, name string) bool {
	for _, t := range list {
		if t.Name == name {
			return true
		}
	}
	return false
}

// reasonedThisTurn reports whether a reasoning call follows the last user message.
func reasonedThisTurn(messages []Message) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role == domain.RoleUser {
			return false
		}
		for _, call := range msg.ToolCalls {
			if call.Name == tools.ReasoningName {
				return true
			}
		}
	}
	return false
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func splitIntoChunks(s string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = 10
	}
	if len(s) == 0 {
		return []string{""}
	}

	var chunks []string
	runes := []rune(s)
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
