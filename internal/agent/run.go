package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/agentloop/internal/adapter/llm"
	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/observability"
	"github.com/xiaot623/agentloop/internal/protocol"
	"github.com/xiaot623/agentloop/internal/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const leaseReleaseTimeout = 5 * time.Second

type runState int

const (
	stateInit runState = iota
	stateIterate
	stateStream
	stateDone
)

// Run is one user turn in flight. Events are produced lazily: each call to
// Next advances the state machine only as far as the next event. Next and
// Close must be called from the same goroutine.
type Run struct {
	loop   *Loop
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	state   runState
	pending []protocol.Event
	started time.Time
	active  bool

	owner    string
	leased   bool
	registry *tools.Registry
	modelID  string
	handle   *llm.Handle
	stream   llm.DeltaStream

	iteration int
	text      strings.Builder
	// verdict is the last reasoning ready_to_reply of the current iteration,
	// nil when the iteration made no reasoning call.
	verdict *bool

	span     trace.Span
	iterSpan trace.Span
	finished bool
}

func newRun(ctx context.Context, l *Loop, opts Options) *Run {
	ctx, cancel := context.WithCancel(ctx)
	ctx, span := l.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("session.id", opts.SessionID),
		attribute.String("team.id", opts.TeamID),
	))
	return &Run{
		loop:   l,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		logger: l.logger.With(zap.String("session_id", opts.SessionID), zap.String("team_id", opts.TeamID)),
		span:   span,
	}
}

// Next returns the next event, or io.EOF once the run has ended. Any other
// error means the run was cancelled; the run is closed in that case.
func (r *Run) Next(ctx context.Context) (protocol.Event, error) {
	for len(r.pending) == 0 {
		if r.state == stateDone {
			return nil, io.EOF
		}
		if err := r.advance(ctx); err != nil {
			r.finish(observability.OutcomeCancelled)
			return nil, err
		}
	}
	evt := r.pending[0]
	r.pending = r.pending[1:]
	return evt, nil
}

// Close ends the run, cancelling any in-flight model call and releasing the
// session lease. Events not yet returned by Next are discarded.
func (r *Run) Close() error {
	r.finish(observability.OutcomeCancelled)
	return nil
}

// Iterations reports how many iterations have started.
func (r *Run) Iterations() int {
	return r.iteration
}

func (r *Run) advance(ctx context.Context) error {
	switch r.state {
	case stateInit:
		return r.start()
	case stateIterate:
		return r.beginIteration()
	case stateStream:
		return r.consume(ctx)
	}
	return nil
}

func (r *Run) emit(events ...protocol.Event) {
	r.pending = append(r.pending, events...)
}

func (r *Run) start() error {
	r.started = r.loop.now()
	r.active = true
	r.loop.deps.Metrics.RunStarted()

	if err := r.acquireLease(); err != nil {
		return r.abort(err, CodeInternal)
	}
	r.emit(protocol.Status(protocol.StatusProcessing, "Processing your request..."))

	registry, err := tools.NewRegistry(r.opts.ExtraTools...)
	if err != nil {
		return r.abort(err, CodeInternal)
	}
	if r.loop.deps.Gate != nil {
		registry.WithGate(r.loop.deps.Gate)
	}
	r.registry = registry
	r.modelID = r.candidateModel()

	user := &domain.Message{
		SessionID: r.opts.SessionID,
		TeamID:    r.opts.TeamID,
		Role:      domain.RoleUser,
		Content:   domain.EncodeUserContent(r.opts.UserMessage, r.opts.ImageMediaIDs),
	}
	if err := r.loop.deps.Messages.Append(r.ctx, user); err != nil {
		return r.abort(&PersistError{Op: "user message", Err: err}, CodeInternal)
	}
	r.state = stateIterate
	return nil
}

func (r *Run) acquireLease() error {
	leases := r.loop.deps.Leases
	if leases == nil || r.loop.config.LeaseTTL <= 0 {
		return nil
	}
	r.owner = uuid.NewString()
	ok, err := leases.AcquireLease(r.ctx, r.opts.SessionID, r.owner, r.loop.config.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire session lease: %w", err)
	}
	if !ok {
		return domain.ErrSessionBusy
	}
	r.leased = true
	return nil
}

// candidateModel picks the requested model, then the session default. An
// empty result leaves the choice to the model router.
func (r *Run) candidateModel() string {
	if r.opts.ModelID != "" || r.loop.deps.Sessions == nil {
		return r.opts.ModelID
	}
	session, err := r.loop.deps.Sessions.GetSession(r.ctx, r.opts.TeamID, r.opts.UserID, r.opts.SessionID)
	if err != nil {
		r.logger.Warn("failed to read session default model", zap.Error(err))
		return ""
	}
	if session == nil {
		return ""
	}
	return session.ModelID
}

func (r *Run) beginIteration() error {
	maxIterations := r.loop.config.MaxIterations
	if r.iteration >= maxIterations {
		r.logger.Info("iteration budget exhausted", zap.Int("iterations", r.iteration))
		return r.finalize(FallbackReply, observability.OutcomeExhausted)
	}
	r.iteration++
	r.loop.deps.Metrics.Iteration()
	ctx, span := r.loop.tracer.Start(r.ctx, "agent.iteration", trace.WithAttributes(attribute.Int("iteration", r.iteration)))
	r.iterSpan = span
	r.emit(protocol.IterationInfo(r.iteration, maxIterations, fmt.Sprintf("Reasoning iteration %d", r.iteration)))

	systemPrompt := SystemPrompt(r.loop.now(), r.loop.config.Location, r.opts.SystemPromptSuffix)
	handle, err := r.loop.deps.Models.Resolve(r.opts.TeamID, r.modelID)
	if err != nil {
		return r.abort(err, CodeInternal)
	}
	messages, err := r.loop.deps.History.Build(ctx, r.opts.SessionID, r.opts.TeamID, systemPrompt)
	if err != nil {
		return r.abort(fmt.Errorf("rebuild history: %w", err), CodeInternal)
	}
	stream, err := r.loop.deps.Models.Invoke(ctx, handle, messages, r.registry, r.loop.config.MaxSteps)
	if err != nil {
		return r.abort(err, CodeStream)
	}

	r.logger.Debug("iteration started", zap.Int("iteration", r.iteration), zap.String("model", handle.ID), zap.Int("prompt_messages", len(messages)))
	r.handle = handle
	r.stream = stream
	r.text.Reset()
	r.verdict = nil
	r.state = stateStream
	return nil
}

func (r *Run) consume(ctx context.Context) error {
	d, err := r.stream.Next(ctx)
	if r.ctx.Err() != nil {
		return r.ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		return r.endIteration()
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.abort(err, CodeStream)
	}

	switch d.Type {
	case llm.DeltaText:
		r.text.WriteString(d.Text)
	case llm.DeltaToolCall:
		r.onToolCall(d)
	case llm.DeltaToolResult:
		// Reasoning results were already emitted with the call.
		if !tools.IsReasoning(d.Tool) {
			r.emit(protocol.ToolResult(d.ToolCallID, d.ToolName, d.Output, d.Success))
			r.loop.deps.Metrics.ToolCall(d.ToolName, d.Success)
		}
	case llm.DeltaFinish:
		if d.FinishReason == llm.FinishStepLimit {
			r.logger.Info("model step limit reached", zap.Int("iteration", r.iteration))
		}
		return r.endIteration()
	}
	return nil
}

func (r *Run) onToolCall(d llm.Delta) {
	r.emit(
		protocol.ToolCall(d.ToolCallID, d.ToolName, d.Args),
		protocol.ToolExecuting(d.ToolCallID, d.ToolName),
	)
	if !tools.IsReasoning(d.Tool) {
		return
	}
	args := tools.ParseReasoning(d.Args)
	r.persistReasoning(d, args.Summary)
	ready := args.ReadyToReply
	r.verdict = &ready
	r.emit(protocol.ToolResult(d.ToolCallID, d.ToolName, d.Args, true))
	r.loop.deps.Metrics.ToolCall(d.ToolName, true)
}

// persistReasoning records the reasoning call and its identity result. A
// failed write is logged and the turn continues.
func (r *Run) persistReasoning(d llm.Delta, summary string) {
	call := &domain.Message{
		SessionID:  r.opts.SessionID,
		TeamID:     r.opts.TeamID,
		Role:       domain.RoleAssistant,
		ToolCallID: d.ToolCallID,
		ToolName:   d.ToolName,
		ToolInput:  string(d.Args),
		ModelID:    r.handle.ID,
	}
	if err := r.loop.deps.Messages.Append(r.ctx, call); err != nil {
		r.logger.Warn("failed to persist reasoning call", zap.String("tool_call_id", d.ToolCallID), zap.Error(err))
		r.loop.deps.Metrics.PersistFailed("reasoning_call")
		return
	}
	result := &domain.Message{
		SessionID:  r.opts.SessionID,
		TeamID:     r.opts.TeamID,
		Role:       domain.RoleTool,
		Content:    summary,
		ToolCallID: d.ToolCallID,
		ToolName:   d.ToolName,
		ToolOutput: string(d.Args),
	}
	if err := r.loop.deps.Messages.Append(r.ctx, result); err != nil {
		r.logger.Warn("failed to persist reasoning result", zap.String("tool_call_id", d.ToolCallID), zap.Error(err))
		r.loop.deps.Metrics.PersistFailed("reasoning_result")
	}
}

func (r *Run) endIteration() error {
	r.closeStream()
	ready := r.verdict == nil || *r.verdict
	r.endIterationSpan(ready)
	if !ready {
		r.state = stateIterate
		return nil
	}
	return r.finalize(strings.TrimSpace(r.text.String()), observability.OutcomeCompleted)
}

func (r *Run) finalize(reply, outcome string) error {
	msg := &domain.Message{
		SessionID: r.opts.SessionID,
		TeamID:    r.opts.TeamID,
		Role:      domain.RoleAssistant,
		Content:   reply,
	}
	if r.handle != nil {
		msg.ModelID = r.handle.ID
	}
	if err := r.loop.deps.Messages.Append(r.ctx, msg); err != nil {
		return r.abort(&PersistError{Op: "final reply", Err: err}, CodeInternal)
	}
	r.emit(
		protocol.ContentStart("Starting response generation..."),
		protocol.ContentDelta(reply),
		protocol.ContentDone(),
		protocol.Status(protocol.StatusDone, "Completed"),
		protocol.Done(r.loop.now().Sub(r.started)),
	)
	r.finish(outcome)
	return nil
}

// abort ends the run with a single error event. A cancelled run emits
// nothing and reports the cancellation instead.
func (r *Run) abort(err error, fallback string) error {
	if r.ctx.Err() != nil {
		return r.ctx.Err()
	}
	code := ErrorCode(err, fallback)
	r.logger.Warn("run failed", zap.String("error_code", code), zap.Int("iteration", r.iteration), zap.Error(err))
	r.span.RecordError(err)
	r.emit(protocol.Error(code, err.Error()))
	if code == CodeSessionBusy {
		r.finish(observability.OutcomeBusy)
	} else {
		r.finish(observability.OutcomeError)
	}
	return nil
}

func (r *Run) finish(outcome string) {
	if r.finished {
		return
	}
	r.finished = true
	r.state = stateDone
	r.closeStream()
	r.endIterationSpan(false)

	if r.leased {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), leaseReleaseTimeout)
		if err := r.loop.deps.Leases.ReleaseLease(ctx, r.opts.SessionID, r.owner); err != nil {
			r.logger.Warn("failed to release session lease", zap.Error(err))
		}
		cancel()
		r.leased = false
	}
	r.cancel()

	if r.active {
		r.loop.deps.Metrics.RunFinished(outcome, r.loop.now().Sub(r.started))
	}
	r.span.SetAttributes(attribute.String("outcome", outcome), attribute.Int("iterations", r.iteration))
	if outcome == observability.OutcomeError {
		r.span.SetStatus(codes.Error, "run failed")
	}
	r.span.End()
}

func (r *Run) closeStream() {
	if r.stream == nil {
		return
	}
	if err := r.stream.Close(); err != nil {
		r.logger.Debug("failed to close model stream", zap.Error(err))
	}
	r.stream = nil
}

func (r *Run) endIterationSpan(ready bool) {
	if r.iterSpan == nil {
		return
	}
	r.iterSpan.SetAttributes(attribute.Bool("ready", ready))
	r.iterSpan.End()
	r.iterSpan = nil
}
