// Package llmtest provides a scripted provider for exercising the run loop
// without a real model.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xiaot623/agentloop/internal/adapter/llm"
	"github.com/xiaot623/agentloop/internal/tools"
)

// Step is one scripted model step.
type Step struct {
	// Text is streamed chunk by chunk before any tool call.
	Text []string
	// ToolCalls are returned once the text has streamed.
	ToolCalls []llm.ToolCall
	// Err fails the step after the text has streamed.
	Err error
	// Block waits for the context to end before returning its error.
	Block bool
}

// Provider replays Steps in order. Once the script runs out it answers with
// an empty text step.
type Provider struct {
	mu       sync.Mutex
	steps    []Step
	requests []llm.StepRequest
}

// NewProvider creates a scripted provider registered as "scripted".
func NewProvider(steps ...Step) *Provider {
	return &Provider{steps: steps}
}

// Name returns "scripted".
func (p *Provider) Name() string {
	return "scripted"
}

// Step replays the next scripted step.
func (p *Provider) Step(ctx context.Context, req *llm.StepRequest, onText func(string) error) (*llm.StepResult, error) {
	p.mu.Lock()
	snapshot := *req
	snapshot.Messages = append([]llm.Message(nil), req.Messages...)
	p.requests = append(p.requests, snapshot)
	var step Step
	if len(p.steps) > 0 {
		step = p.steps[0]
		p.steps = p.steps[1:]
	}
	p.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	result := &llm.StepResult{FinishReason: llm.FinishStop}
	for _, chunk := range step.Text {
		if err := onText(chunk); err != nil {
			return nil, err
		}
		result.Text += chunk
	}
	if step.Err != nil {
		return nil, step.Err
	}
	result.ToolCalls = step.ToolCalls
	return result, nil
}

// Requests returns the step requests received so far.
func (p *Provider) Requests() []llm.StepRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.StepRequest(nil), p.requests...)
}

// Remaining reports how many scripted steps have not been consumed.
func (p *Provider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.steps)
}

// NewRouter returns a router whose default model is served by p.
func NewRouter(p *Provider) *llm.Router {
	return llm.NewRouterWithProviders("scripted:test", nil, p)
}

// Reasoning builds a reasoning tool call.
func Reasoning(id string, ready bool, summary string) llm.ToolCall {
	args, _ := json.Marshal(tools.ReasoningArgs{Summary: summary, NextActions: []string{}, ReadyToReply: ready})
	return llm.ToolCall{ID: id, Name: tools.ReasoningName, Args: args}
}

// Call builds an arbitrary tool call with JSON-encoded args.
func Call(id, name string, args any) llm.ToolCall {
	data, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("llmtest: encode args: %v", err))
	}
	return llm.ToolCall{ID: id, Name: name, Args: data}
}

// ReasoningStep is a step that only calls the reasoning tool.
func ReasoningStep(id string, ready bool) Step {
	return Step{ToolCalls: []llm.ToolCall{Reasoning(id, ready, fmt.Sprintf("checkpoint %s", id))}}
}
