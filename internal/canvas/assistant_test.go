package canvas_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/agentloop/internal/adapter/llm"
	"github.com/xiaot623/agentloop/internal/adapter/llm/llmtest"
	"github.com/xiaot623/agentloop/internal/agent"
	"github.com/xiaot623/agentloop/internal/canvas"
	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/history"
	"github.com/xiaot623/agentloop/internal/protocol"
	"github.com/xiaot623/agentloop/internal/repository"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStore(t *testing.T) *repository.Store {
	t.Helper()
	store, err := repository.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newAssistant(t *testing.T, store *repository.Store, provider *llmtest.Provider) *canvas.Assistant {
	t.Helper()
	loop := agent.NewLoop(agent.Deps{
		Messages: store,
		Sessions: store,
		Leases:   store,
		History:  history.New(store, nil),
		Models:   llmtest.NewRouter(provider),
	}, agent.Config{LeaseTTL: time.Minute})
	return canvas.NewAssistant(store, loop, nil)
}

func TestResolveSessionCreatesAndReusesBinding(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	assistant := newAssistant(t, store, llmtest.NewProvider())

	req := canvas.StreamRequest{BoardID: "board-1", TeamID: "t1", UserID: "u1", ModelID: "scripted:x"}
	first, err := assistant.ResolveSession(ctx, req)
	require.NoError(t, err)

	session, err := store.GetSession(ctx, "t1", "u1", first)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "Tldraw board-1", session.Title)
	assert.Equal(t, "scripted:x", session.ModelID)

	// An existing binding wins over a requested session.
	other := &domain.Session{TeamID: "t1", UserID: "u1"}
	require.NoError(t, store.CreateSession(ctx, other))
	req.SessionID = other.ID
	second, err := assistant.ResolveSession(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveSessionBindsRequestedSession(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	assistant := newAssistant(t, store, llmtest.NewProvider())
	existing := &domain.Session{TeamID: "t1", UserID: "u1", Title: "mine"}
	require.NoError(t, store.CreateSession(ctx, existing))

	got, err := assistant.ResolveSession(ctx, canvas.StreamRequest{BoardID: "b", TeamID: "t1", UserID: "u1", SessionID: existing.ID})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got)

	binding, err := store.GetCanvasBinding(ctx, "t1", "b")
	require.NoError(t, err)
	require.NotNil(t, binding)
	assert.Equal(t, existing.ID, binding.SessionID)

	// An unknown session id falls back to a fresh session.
	fresh, err := assistant.ResolveSession(ctx, canvas.StreamRequest{BoardID: "b2", TeamID: "t1", UserID: "u1", SessionID: "missing"})
	require.NoError(t, err)
	assert.NotEqual(t, "missing", fresh)
	sessions, err := store.ListSessions(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestStreamRunsWithCanvasTools(t *testing.T) {
	store := newStore(t)
	provider := llmtest.NewProvider(
		llmtest.Step{ToolCalls: []llm.ToolCall{
			llmtest.Call("c1", canvas.ToolGetCanvasState, map[string]any{}),
			llmtest.Reasoning("r1", true, "inspected the board"),
		}},
		llmtest.Step{Text: []string{"The board has one node."}},
	)
	assistant := newAssistant(t, store, provider)

	run, sessionID, err := assistant.Stream(context.Background(), canvas.StreamRequest{
		BoardID:  "board-1",
		TeamID:   "t1",
		UserID:   "u1",
		Message:  "what is on the board?",
		Snapshot: &canvas.Snapshot{Nodes: []map[string]any{{"id": "wf1"}}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	defer run.Close()

	cached := assistant.Snapshots().Get(sessionID)
	require.NotNil(t, cached)
	assert.Equal(t, "wf1", cached.Nodes[0]["id"])

	var result *protocol.ToolResultEvent
	var last protocol.Event
	for {
		evt, err := run.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if res, ok := evt.(*protocol.ToolResultEvent); ok && res.ToolCallID == "c1" {
			result = res
		}
		last = evt
	}
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.JSONEq(t, `{"success":true,"data":{"nodes":[{"id":"wf1"}],"viewport":null,"selectionIds":null}}`, string(result.ToolOutput))
	assert.Equal(t, protocol.TypeDone, last.EventType())

	requests := provider.Requests()
	require.NotEmpty(t, requests)
	assert.Contains(t, requests[0].Messages[0].Text, "canvas workflow assistant")
	names := make([]string, 0, len(requests[0].Tools))
	for _, tool := range requests[0].Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		"reasoning",
		canvas.ToolGetCanvasState,
		canvas.ToolCreateWorkflowNode,
		canvas.ToolUpdateWorkflowNode,
		canvas.ToolDeleteWorkflowNode,
		canvas.ToolListAvailableWorkflows,
	}, names)
}
