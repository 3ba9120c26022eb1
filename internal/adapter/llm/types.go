// Package llm resolves model identifiers and drives streaming, tool-calling
// model invocations across providers.
package llm

import (
	"context"
	"encoding/json"

	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/tools"
)

// Message is one provider-neutral prompt entry.
type Message struct {
	Role       domain.Role
	Text       string
	Images     []Image
	ToolCalls  []ToolCall
	ToolResult *ToolResult
}

// Image is a displayable image attached to a user message.
type Image struct {
	URL       string
	MediaType string
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResult is the outcome of a tool call as shown to the model. Output holds
// structured results; Text holds opaque ones.
type ToolResult struct {
	CallID  string
	Name    string
	Output  json.RawMessage
	Text    string
	IsError bool
}

// Content renders the result as the text payload providers send back.
func (r *ToolResult) Content() string {
	if len(r.Output) > 0 {
		return string(r.Output)
	}
	return r.Text
}

// DeltaType discriminates stream deltas.
type DeltaType string

const (
	DeltaText       DeltaType = "text"
	DeltaToolCall   DeltaType = "tool-call"
	DeltaToolResult DeltaType = "tool-result"
	DeltaFinish     DeltaType = "finish"
)

// Finish reasons.
const (
	FinishStop      = "stop"
	FinishStepLimit = "step_limit"
)

// Delta is one incremental item of a model invocation.
type Delta struct {
	Type DeltaType

	// DeltaText
	Text string

	// DeltaToolCall and DeltaToolResult. Tool is the registry entry the call
	// resolved to, or nil for a name the registry does not know.
	ToolCallID string
	ToolName   string
	Tool       *tools.Tool
	Args       json.RawMessage
	Output     json.RawMessage
	Success    bool

	// DeltaFinish
	FinishReason string
}

// DeltaStream yields the deltas of one invocation. Next returns io.EOF after
// the finish delta. Close aborts the in-flight provider call.
type DeltaStream interface {
	Next(ctx context.Context) (Delta, error)
	Close() error
}

// Handle identifies a resolved model.
type Handle struct {
	ID       string
	Provider string
	Model    string
}

// StepRequest is one model step: a prompt plus the tools the model may call.
type StepRequest struct {
	Model    string
	Messages []Message
	Tools    []*tools.Tool
}

// StepResult is what a provider returns once a step has streamed completely.
type StepResult struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
}

// Provider streams single model steps. onText is called for each text chunk
// as it arrives; a non-nil error from onText aborts the step.
type Provider interface {
	Name() string
	Step(ctx context.Context, req *StepRequest, onText func(string) error) (*StepResult, error)
}

// normalizeArgs guarantees tool arguments are valid JSON. Empty arguments
// become {} and malformed ones are kept as a JSON string.
func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage(`{}`)
	}
	if json.Valid(args) {
		return args
	}
	data, _ := json.Marshal(string(args))
	return data
}
