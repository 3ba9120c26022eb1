package tools

import (
	"context"
	"encoding/json"
)

// ReasoningName is the name the model uses to call the reasoning tool.
const ReasoningName = "reasoning"

// ReasoningArgs are the arguments of the reasoning tool.
type ReasoningArgs struct {
	Summary      string   `json:"summary" jsonschema:"required,description=What has been established so far"`
	NextActions  []string `json:"next_actions" jsonschema:"description=Planned next steps"`
	ReadyToReply bool     `json:"ready_to_reply" jsonschema:"required,description=True when the final answer can be given now"`
	Concerns     string   `json:"concerns,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// Reasoning is the reserved termination-gate tool. Executing it returns its
// arguments unchanged.
var Reasoning = &Tool{
	Name:        ReasoningName,
	Description: "Reflect on your progress and decide whether you are ready to reply.",
	Schema:      SchemaFor(&ReasoningArgs{}),
	Execute: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	},
	reserved: true,
}

// IsReasoning reports whether t is the reserved reasoning tool. It compares
// identity, so a caller tool that merely shares the name never matches.
func IsReasoning(t *Tool) bool {
	return t == Reasoning
}

// ParseReasoning decodes reasoning arguments leniently. Undecodable input
// yields zero values, which reads as "not ready".
func ParseReasoning(args json.RawMessage) ReasoningArgs {
	var parsed ReasoningArgs
	_ = json.Unmarshal(args, &parsed)
	if parsed.NextActions == nil {
		parsed.NextActions = []string{}
	}
	return parsed
}
