package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaot623/agentloop/internal/domain"
)

// ErrBlocked is returned when the gate refuses a tool call.
var ErrBlocked = errors.New("tool call blocked by policy")

// Gate decides whether a caller-supplied tool call may run. Reserved tools bypass it.
type Gate interface {
	Allow(ctx context.Context, toolName string, args json.RawMessage) (allowed bool, reason string, err error)
}

// Registry is the tool set of one model invocation: the reserved tools plus
// caller-supplied extras, looked up by name.
type Registry struct {
	ordered []*Tool
	byName  map[string]*Tool
	gate    Gate
}

// NewRegistry merges the reserved reasoning tool with extras. An extra that
// reuses a reserved name fails with domain.ErrToolConflict.
func NewRegistry(extras ...*Tool) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Tool, len(extras)+1)}
	r.add(Reasoning)
	for _, t := range extras {
		if t == nil {
			continue
		}
		if t.Name == "" {
			return nil, fmt.Errorf("tool name is required")
		}
		if t.Execute == nil {
			return nil, fmt.Errorf("executor is required for %s", t.Name)
		}
		if existing, ok := r.byName[t.Name]; ok {
			if existing.reserved {
				return nil, fmt.Errorf("%s: %w", t.Name, domain.ErrToolConflict)
			}
			return nil, fmt.Errorf("tool %s registered twice", t.Name)
		}
		r.add(t)
	}
	return r, nil
}

func (r *Registry) add(t *Tool) {
	r.ordered = append(r.ordered, t)
	r.byName[t.Name] = t
}

// WithGate sets the policy gate applied to caller-supplied tools.
func (r *Registry) WithGate(g Gate) *Registry {
	r.gate = g
	return r
}

// Lookup returns the tool registered under name, or nil.
func (r *Registry) Lookup(name string) *Tool {
	return r.byName[name]
}

// List returns the tools in registration order, reserved tools first.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Execute validates args and runs the named tool.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	t := r.byName[name]
	if t == nil {
		return nil, fmt.Errorf("no executor registered for %s", name)
	}
	if err := t.Validate(args); err != nil {
		return nil, err
	}
	if !t.reserved && r.gate != nil {
		allowed, reason, err := r.gate.Allow(ctx, name, args)
		if err != nil {
			return nil, fmt.Errorf("evaluate policy for %s: %w", name, err)
		}
		if !allowed {
			if reason == "" {
				return nil, ErrBlocked
			}
			return nil, fmt.Errorf("%w: %s", ErrBlocked, reason)
		}
	}
	return t.Execute(ctx, args)
}

// ErrorResult renders a failed execution as the structured tool output shown to the model.
func ErrorResult(err error) json.RawMessage {
	data, _ := json.Marshal(map[string]any{"success": false, "error": err.Error()})
	return data
}
