package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/agentloop/internal/adapter/llm"
	"github.com/xiaot623/agentloop/internal/adapter/llm/llmtest"
	"github.com/xiaot623/agentloop/internal/agent"
	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/history"
	"github.com/xiaot623/agentloop/internal/observability"
	"github.com/xiaot623/agentloop/internal/protocol"
	"github.com/xiaot623/agentloop/internal/repository"
	"github.com/xiaot623/agentloop/internal/tools"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	store    *repository.Store
	provider *llmtest.Provider
	metrics  *observability.Metrics
	session  *domain.Session
	messages agent.MessageStore
	models   agent.ModelInvoker
	config   agent.Config
}

func newHarness(t *testing.T, steps ...llmtest.Step) *harness {
	t.Helper()
	store, err := repository.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	session := &domain.Session{TeamID: "team-1", UserID: "user-1"}
	require.NoError(t, store.CreateSession(context.Background(), session))

	provider := llmtest.NewProvider(steps...)
	return &harness{
		store:    store,
		provider: provider,
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		session:  session,
		messages: store,
		models:   llmtest.NewRouter(provider),
		config:   agent.Config{MaxIterations: 8, MaxSteps: 20, LeaseTTL: time.Minute},
	}
}

func (h *harness) loop() *agent.Loop {
	return agent.NewLoop(agent.Deps{
		Messages: h.messages,
		Sessions: h.store,
		Leases:   h.store,
		History:  history.New(h.store, nil),
		Models:   h.models,
		Metrics:  h.metrics,
	}, h.config)
}

func (h *harness) options(message string) agent.Options {
	return agent.Options{
		SessionID:   h.session.ID,
		TeamID:      h.session.TeamID,
		UserID:      h.session.UserID,
		UserMessage: message,
	}
}

func (h *harness) rows(t *testing.T) []domain.Message {
	t.Helper()
	rows, err := h.store.ListAll(context.Background(), h.session.ID, h.session.TeamID)
	require.NoError(t, err)
	return rows
}

func collect(t *testing.T, run *agent.Run) []protocol.Event {
	t.Helper()
	defer run.Close()
	var events []protocol.Event
	for {
		evt, err := run.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, evt)
	}
}

func types(events []protocol.Event) []protocol.Type {
	out := make([]protocol.Type, len(events))
	for i, evt := range events {
		out[i] = evt.EventType()
	}
	return out
}

func count(events []protocol.Event, typ protocol.Type) int {
	n := 0
	for _, evt := range events {
		if evt.EventType() == typ {
			n++
		}
	}
	return n
}

func reply(t *testing.T, events []protocol.Event) string {
	t.Helper()
	for _, evt := range events {
		if delta, ok := evt.(*protocol.ContentDeltaEvent); ok {
			return delta.Delta
		}
	}
	t.Fatal("no content_delta event")
	return ""
}

func TestRunBareTextReply(t *testing.T) {
	h := newHarness(t, llmtest.Step{Text: []string{"4"}})

	events := collect(t, h.loop().Run(context.Background(), h.options("What is 2+2?")))

	assert.Equal(t, []protocol.Type{
		protocol.TypeStatus,
		protocol.TypeIterationInfo,
		protocol.TypeContentStart,
		protocol.TypeContentDelta,
		protocol.TypeContentDone,
		protocol.TypeStatus,
		protocol.TypeDone,
	}, types(events))
	assert.Equal(t, "4", reply(t, events))
	assert.Equal(t, protocol.StatusProcessing, events[0].(*protocol.StatusEvent).Status)
	assert.Equal(t, protocol.StatusDone, events[5].(*protocol.StatusEvent).Status)
	require.NotNil(t, events[6].(*protocol.DoneEvent).TotalDuration)

	rows := h.rows(t)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.RoleUser, rows[0].Role)
	assert.JSONEq(t, `[{"type":"text","text":"What is 2+2?"}]`, rows[0].Content)
	assert.Equal(t, domain.RoleAssistant, rows[1].Role)
	assert.Equal(t, "4", rows[1].Content)
	assert.Equal(t, "scripted:test", rows[1].ModelID)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(observability.OutcomeCompleted)))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ActiveRuns))
}

func TestRunReasoningGate(t *testing.T) {
	h := newHarness(t,
		llmtest.ReasoningStep("r1", false), llmtest.Step{},
		llmtest.ReasoningStep("r2", false), llmtest.Step{},
		llmtest.ReasoningStep("r3", true), llmtest.Step{Text: []string{"Final ", "answer "}},
	)

	events := collect(t, h.loop().Run(context.Background(), h.options("plan a trip")))

	assert.Equal(t, 3, count(events, protocol.TypeIterationInfo))
	assert.Equal(t, 1, count(events, protocol.TypeContentDone))
	assert.Equal(t, 1, count(events, protocol.TypeDone))
	assert.Zero(t, count(events, protocol.TypeError))
	assert.Equal(t, "Final answer", reply(t, events))
	assert.Equal(t, protocol.TypeDone, events[len(events)-1].EventType())

	rows := h.rows(t)
	require.Len(t, rows, 8)
	reasoning := 0
	for _, row := range rows {
		if row.ToolName == tools.ReasoningName {
			reasoning++
		}
	}
	assert.Equal(t, 6, reasoning)
	assert.Equal(t, domain.RoleAssistant, rows[1].Role)
	assert.Equal(t, "r1", rows[1].ToolCallID)
	assert.Empty(t, rows[1].Content)
	assert.Equal(t, domain.RoleTool, rows[2].Role)
	assert.Equal(t, "checkpoint r1", rows[2].Content)
	assert.Equal(t, "Final answer", rows[7].Content)

	// The second iteration replays the first reasoning call with its
	// arguments redacted.
	requests := h.provider.Requests()
	require.Len(t, requests, 6)
	var replayed *llm.ToolCall
	for _, msg := range requests[2].Messages {
		for i := range msg.ToolCalls {
			if msg.ToolCalls[i].ID == "r1" {
				replayed = &msg.ToolCalls[i]
			}
		}
	}
	require.NotNil(t, replayed)
	assert.JSONEq(t, `{}`, string(replayed.Args))
}

func TestRunBudgetExhausted(t *testing.T) {
	h := newHarness(t,
		llmtest.ReasoningStep("r1", false), llmtest.Step{},
		llmtest.ReasoningStep("r2", false), llmtest.Step{},
		llmtest.ReasoningStep("r3", false), llmtest.Step{},
	)
	h.config.MaxIterations = 3

	run := h.loop().Run(context.Background(), h.options("never ready"))
	events := collect(t, run)

	assert.Equal(t, 3, run.Iterations())
	assert.Equal(t, 3, count(events, protocol.TypeIterationInfo))
	assert.Zero(t, count(events, protocol.TypeError))
	assert.Equal(t, agent.FallbackReply, reply(t, events))
	assert.Equal(t, protocol.TypeDone, events[len(events)-1].EventType())

	rows := h.rows(t)
	assert.Equal(t, agent.FallbackReply, rows[len(rows)-1].Content)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(observability.OutcomeExhausted)))
}

func TestRunToolResultsAreNotDuplicated(t *testing.T) {
	lookup := tools.New("lookup", "Look something up.", json.RawMessage(`{"type":"object"}`),
		func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"found":true}`), nil
		})
	h := newHarness(t,
		llmtest.Step{ToolCalls: []llm.ToolCall{
			llmtest.Call("c1", "lookup", map[string]string{"q": "x"}),
			llmtest.Reasoning("r1", true, "found it"),
		}},
		llmtest.Step{Text: []string{"done"}},
	)
	opts := h.options("look it up")
	opts.ExtraTools = []*tools.Tool{lookup}

	events := collect(t, h.loop().Run(context.Background(), opts))

	results := map[string]int{}
	for _, evt := range events {
		if res, ok := evt.(*protocol.ToolResultEvent); ok {
			results[res.ToolCallID]++
			if res.ToolCallID == "c1" {
				assert.JSONEq(t, `{"found":true}`, string(res.ToolOutput))
				assert.True(t, res.Success)
			}
		}
	}
	assert.Equal(t, map[string]int{"c1": 1, "r1": 1}, results)
	assert.Equal(t, []protocol.Type{
		protocol.TypeStatus,
		protocol.TypeIterationInfo,
		protocol.TypeToolCall,
		protocol.TypeToolExecuting,
		protocol.TypeToolResult,
		protocol.TypeToolCall,
		protocol.TypeToolExecuting,
		protocol.TypeToolResult,
		protocol.TypeContentStart,
		protocol.TypeContentDelta,
		protocol.TypeContentDone,
		protocol.TypeStatus,
		protocol.TypeDone,
	}, types(events))

	// Only the reasoning call is recorded in history.
	rows := h.rows(t)
	require.Len(t, rows, 4)
	assert.Equal(t, "r1", rows[1].ToolCallID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ToolCallsTotal.WithLabelValues("lookup", "true")))
}

func TestRunStreamError(t *testing.T) {
	h := newHarness(t, llmtest.Step{Text: []string{"partial"}, Err: errors.New("upstream reset")})

	events := collect(t, h.loop().Run(context.Background(), h.options("hi")))

	last, ok := events[len(events)-1].(*protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, agent.CodeStream, last.ErrorCode)
	assert.Contains(t, last.ErrorMessage, "upstream reset")
	assert.Zero(t, count(events, protocol.TypeDone))
	assert.Zero(t, count(events, protocol.TypeContentStart))

	rows := h.rows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.RoleUser, rows[0].Role)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(observability.OutcomeError)))
}

func TestRunWithoutModel(t *testing.T) {
	h := newHarness(t)
	h.models = llm.NewRouterWithProviders("", nil, h.provider)

	events := collect(t, h.loop().Run(context.Background(), h.options("hi")))

	assert.Equal(t, []protocol.Type{protocol.TypeStatus, protocol.TypeIterationInfo, protocol.TypeError}, types(events))
	assert.Equal(t, agent.CodeModelNotConfigured, events[2].(*protocol.ErrorEvent).ErrorCode)
	assert.Empty(t, h.provider.Requests())
}

func TestRunInvalidModel(t *testing.T) {
	h := newHarness(t)
	opts := h.options("hi")
	opts.ModelID = "not-a-model"

	events := collect(t, h.loop().Run(context.Background(), opts))

	last := events[len(events)-1].(*protocol.ErrorEvent)
	assert.Equal(t, agent.CodeInvalidModel, last.ErrorCode)
}

func TestRunUsesSessionDefaultModel(t *testing.T) {
	h := newHarness(t, llmtest.Step{Text: []string{"hello"}})
	model := "scripted:session-model"
	_, err := h.store.UpdateSession(context.Background(), h.session.TeamID, h.session.UserID, h.session.ID, domain.SessionUpdate{ModelID: &model})
	require.NoError(t, err)

	collect(t, h.loop().Run(context.Background(), h.options("hi")))

	requests := h.provider.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "session-model", requests[0].Model)
}

func TestRunSystemPromptSuffix(t *testing.T) {
	h := newHarness(t, llmtest.Step{Text: []string{"ok"}})
	opts := h.options("hi")
	opts.SystemPromptSuffix = "You are editing a canvas."

	collect(t, h.loop().Run(context.Background(), opts))

	requests := h.provider.Requests()
	require.Len(t, requests, 1)
	system := requests[0].Messages[0]
	assert.Equal(t, domain.RoleSystem, system.Role)
	assert.True(t, strings.HasSuffix(system.Text, "\n\nYou are editing a canvas."))
	assert.Equal(t, tools.ReasoningName, requests[0].Tools[0].Name)
}

func TestRunToolConflict(t *testing.T) {
	h := newHarness(t)
	impostor := tools.New(tools.ReasoningName, "not the real one", json.RawMessage(`{"type":"object"}`),
		func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil })
	opts := h.options("hi")
	opts.ExtraTools = []*tools.Tool{impostor}

	events := collect(t, h.loop().Run(context.Background(), opts))

	assert.Equal(t, []protocol.Type{protocol.TypeStatus, protocol.TypeError}, types(events))
	assert.Equal(t, agent.CodeToolConfig, events[1].(*protocol.ErrorEvent).ErrorCode)
	assert.Empty(t, h.rows(t))
}

func TestRunSessionBusy(t *testing.T) {
	h := newHarness(t, llmtest.Step{Text: []string{"ok"}})
	ok, err := h.store.AcquireLease(context.Background(), h.session.ID, "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	events := collect(t, h.loop().Run(context.Background(), h.options("hi")))

	require.Len(t, events, 1)
	assert.Equal(t, agent.CodeSessionBusy, events[0].(*protocol.ErrorEvent).ErrorCode)
	assert.Empty(t, h.rows(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues(observability.OutcomeBusy)))
}

func TestRunReleasesLease(t *testing.T) {
	h := newHarness(t, llmtest.Step{Text: []string{"ok"}})

	collect(t, h.loop().Run(context.Background(), h.options("hi")))

	ok, err := h.store.AcquireLease(context.Background(), h.session.ID, "next-run", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunCancelAbortsModelCall(t *testing.T) {
	h := newHarness(t, llmtest.Step{Block: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run := h.loop().Run(ctx, h.options("slow"))
	defer run.Close()

	for {
		evt, err := run.Next(context.Background())
		require.NoError(t, err)
		if evt.EventType() == protocol.TypeIterationInfo {
			break
		}
	}
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := run.Next(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	_, err = run.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	require.Len(t, h.rows(t), 1)
	ok, err := h.store.AcquireLease(context.Background(), h.session.ID, "next-run", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunCloseBeforeFirstEvent(t *testing.T) {
	h := newHarness(t, llmtest.Step{Text: []string{"never"}})
	run := h.loop().Run(context.Background(), h.options("hi"))

	require.NoError(t, run.Close())
	_, err := run.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, h.rows(t))
}

// flakyStore fails the appends selected by fail.
type flakyStore struct {
	agent.MessageStore
	fail func(*domain.Message) bool
}

func (s *flakyStore) Append(ctx context.Context, msg *domain.Message) error {
	if s.fail(msg) {
		return errors.New("disk full")
	}
	return s.MessageStore.Append(ctx, msg)
}

func TestRunReasoningPersistenceIsBestEffort(t *testing.T) {
	h := newHarness(t, llmtest.ReasoningStep("r1", true), llmtest.Step{Text: []string{"answer"}})
	h.messages = &flakyStore{MessageStore: h.store, fail: func(m *domain.Message) bool {
		return m.ToolName == tools.ReasoningName && m.Role == domain.RoleAssistant
	}}

	events := collect(t, h.loop().Run(context.Background(), h.options("hi")))

	assert.Zero(t, count(events, protocol.TypeError))
	assert.Equal(t, "answer", reply(t, events))
	rows := h.rows(t)
	require.Len(t, rows, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PersistFailures.WithLabelValues("reasoning_call")))
}

func TestRunFinalPersistenceFailure(t *testing.T) {
	h := newHarness(t, llmtest.Step{Text: []string{"answer"}})
	h.messages = &flakyStore{MessageStore: h.store, fail: func(m *domain.Message) bool {
		return m.Role == domain.RoleAssistant && m.ToolCallID == ""
	}}

	events := collect(t, h.loop().Run(context.Background(), h.options("hi")))

	last := events[len(events)-1].(*protocol.ErrorEvent)
	assert.Equal(t, agent.CodePersistence, last.ErrorCode)
	assert.Zero(t, count(events, protocol.TypeContentStart))
}
