// Package policy gates caller-supplied tool calls through an OPA rego policy.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Decision values produced by the policy.
const (
	DecisionAllow           = "allow"
	DecisionBlock           = "block"
	DecisionRequireApproval = "require_approval"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine reads the policy from path, or uses DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Input is the document the policy evaluates.
type Input struct {
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args,omitempty"`
	TeamID   string          `json:"team_id,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	Role     string          `json:"role,omitempty"`
}

// Evaluate checks the tool policy. The rule may produce a bare decision
// string or an object {decision, reason}.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	doc := map[string]any{
		"tool_name": input.ToolName,
		"team_id":   input.TeamID,
		"user_id":   input.UserID,
		"role":      input.Role,
	}
	if len(input.Args) > 0 {
		var args any
		if err := json.Unmarshal(input.Args, &args); err == nil {
			doc["args"] = args
		}
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Decision: DecisionAllow, Reason: "default"}, nil
	}

	switch val := results[0].Expressions[0].Value.(type) {
	case string:
		return Decision{Decision: val}, nil
	case map[string]any:
		d := Decision{}
		d.Decision, _ = val["decision"].(string)
		d.Reason, _ = val["reason"].(string)
		if d.Decision == "" {
			return Decision{}, fmt.Errorf("policy object is missing a decision")
		}
		return d, nil
	default:
		return Decision{}, fmt.Errorf("unexpected policy result type %T", val)
	}
}

// Allow implements tools.Gate. There is no approval flow in a streaming run,
// so require_approval is treated as a block.
func (e *Engine) Allow(ctx context.Context, toolName string, args json.RawMessage) (bool, string, error) {
	subject := SubjectFrom(ctx)
	d, err := e.Evaluate(ctx, Input{
		ToolName: toolName,
		Args:     args,
		TeamID:   subject.TeamID,
		UserID:   subject.UserID,
		Role:     subject.Role,
	})
	if err != nil {
		return false, "", err
	}
	switch d.Decision {
	case DecisionAllow:
		return true, "", nil
	case DecisionRequireApproval:
		if d.Reason == "" {
			d.Reason = "approval required"
		}
		return false, d.Reason, nil
	default:
		return false, d.Reason, nil
	}
}

// Subject identifies who is running the tool call.
type Subject struct {
	TeamID string
	UserID string
	Role   string
}

type subjectKey struct{}

// WithSubject attaches the caller identity used as policy input.
func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, s)
}

// SubjectFrom returns the identity attached by WithSubject, or the zero Subject.
func SubjectFrom(ctx context.Context) Subject {
	s, _ := ctx.Value(subjectKey{}).(Subject)
	return s
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package tool_policy

default decision := {"decision": "allow"}

mutating_tools := {"create_workflow_node", "update_workflow_node", "delete_workflow_node"}

# Viewers may inspect a canvas but not change it.
decision := {"decision": "block", "reason": "viewers cannot modify the canvas"} if {
	input.role == "viewer"
	mutating_tools[input.tool_name]
}
`
