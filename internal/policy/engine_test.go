package policy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyBlocksViewerMutations(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, Input{ToolName: "create_workflow_node", Role: "viewer"})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, d.Decision)
	assert.Equal(t, "viewers cannot modify the canvas", d.Reason)

	d, err = engine.Evaluate(ctx, Input{ToolName: "get_canvas_state", Role: "viewer"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, d.Decision)

	d, err = engine.Evaluate(ctx, Input{ToolName: "create_workflow_node", Role: "editor"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, d.Decision)
}

func TestAllowReadsSubjectFromContext(t *testing.T) {
	engine, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)

	ctx := WithSubject(context.Background(), Subject{TeamID: "t1", UserID: "u1", Role: "viewer"})
	ok, reason, err := engine.Allow(ctx, "delete_workflow_node", json.RawMessage(`{"id":"n1"}`))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)

	ok, _, err = engine.Allow(context.Background(), "delete_workflow_node", json.RawMessage(`{"id":"n1"}`))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStringDecisionsAndApproval(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, `
package tool_policy

default decision := "allow"

decision := "require_approval" if {
	input.tool_name == "transfer"
	input.args.amount > 100
}
`)
	require.NoError(t, err)

	ok, reason, err := engine.Allow(ctx, "transfer", json.RawMessage(`{"amount":500}`))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "approval required", reason)

	ok, _, err = engine.Allow(ctx, "transfer", json.RawMessage(`{"amount":5}`))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewEngineRejectsBrokenPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package tool_policy\n decision := {")
	assert.Error(t, err)
}
