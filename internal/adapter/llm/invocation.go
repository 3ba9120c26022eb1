package llm

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/tools"
	"go.uber.org/zap"
)

// Toolset is the tool collection of one invocation; *tools.Registry implements it.
type Toolset interface {
	List() []*tools.Tool
	Lookup(name string) *tools.Tool
	Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

type invocation struct {
	provider    Provider
	model       string
	messages    []Message
	tools       Toolset
	stepLimit   int
	stepTimeout time.Duration
	logger      *zap.Logger
}

type deltaOrErr struct {
	delta Delta
	err   error
}

// stream is the DeltaStream fed by the invocation goroutine.
type stream struct {
	ch        chan deltaOrErr
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	finished  bool
}

func startInvocation(parent context.Context, inv invocation) *stream {
	ctx, cancel := context.WithCancel(parent)
	s := &stream{
		ch:     make(chan deltaOrErr),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.ch)
		if err := inv.run(ctx, s.send(ctx)); err != nil {
			select {
			case s.ch <- deltaOrErr{err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return s
}

func (s *stream) send(ctx context.Context) func(Delta) error {
	return func(d Delta) error {
		select {
		case s.ch <- deltaOrErr{delta: d}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Next returns the next delta, or io.EOF once the invocation has finished.
func (s *stream) Next(ctx context.Context) (Delta, error) {
	if s.finished {
		return Delta{}, io.EOF
	}
	select {
	case <-ctx.Done():
		return Delta{}, ctx.Err()
	case item, ok := <-s.ch:
		if !ok {
			s.finished = true
			return Delta{}, io.EOF
		}
		if item.err != nil {
			s.finished = true
			return Delta{}, item.err
		}
		return item.delta, nil
	}
}

// Close cancels the provider call and waits for the invocation goroutine.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// run drives the model-internal step loop: stream a step, surface its tool
// calls, execute them, feed the results back, and repeat until a step makes
// no tool call or the step limit is reached.
func (inv *invocation) run(ctx context.Context, emit func(Delta) error) error {
	messages := append([]Message(nil), inv.messages...)
	toolList := inv.tools.List()
	finish := FinishStop

	for step := 1; ; step++ {
		result, err := inv.step(ctx, messages, toolList, emit)
		if err != nil {
			return err
		}
		if len(result.ToolCalls) == 0 {
			break
		}

		messages = append(messages, Message{Role: domain.RoleAssistant, Text: result.Text, ToolCalls: result.ToolCalls})
		for _, call := range result.ToolCalls {
			call.Args = normalizeArgs(call.Args)
			tool := inv.tools.Lookup(call.Name)
			if err := emit(Delta{Type: DeltaToolCall, ToolCallID: call.ID, ToolName: call.Name, Tool: tool, Args: call.Args}); err != nil {
				return err
			}

			output, execErr := inv.tools.Execute(ctx, call.Name, call.Args)
			success := execErr == nil
			if execErr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				inv.logger.Warn("tool execution failed", zap.String("tool", call.Name), zap.Error(execErr))
				output = tools.ErrorResult(execErr)
			}
			output = normalizeArgs(output)
			if err := emit(Delta{Type: DeltaToolResult, ToolCallID: call.ID, ToolName: call.Name, Tool: tool, Output: output, Success: success}); err != nil {
				return err
			}
			messages = append(messages, Message{
				Role:       domain.RoleTool,
				ToolResult: &ToolResult{CallID: call.ID, Name: call.Name, Output: output, IsError: !success},
			})
		}

		if step >= inv.stepLimit {
			finish = FinishStepLimit
			break
		}
	}
	return emit(Delta{Type: DeltaFinish, FinishReason: finish})
}

func (inv *invocation) step(ctx context.Context, messages []Message, toolList []*tools.Tool, emit func(Delta) error) (*StepResult, error) {
	if inv.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.stepTimeout)
		defer cancel()
	}
	req := &StepRequest{Model: inv.model, Messages: messages, Tools: toolList}
	return inv.provider.Step(ctx, req, func(text string) error {
		if text == "" {
			return nil
		}
		return emit(Delta{Type: DeltaText, Text: text})
	})
}
