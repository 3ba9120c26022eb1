// Package protocol defines the wire events a run streams to its caller and
// their "data: <json>\n\n" framing.
package protocol

import (
	"encoding/json"
	"time"
)

// Type discriminates wire events.
type Type string

const (
	TypeStatus        Type = "status"
	TypeIterationInfo Type = "iteration_info"
	TypeToolCall      Type = "tool_call"
	TypeToolExecuting Type = "tool_executing"
	TypeToolResult    Type = "tool_result"
	TypeContentStart  Type = "content_start"
	TypeContentDelta  Type = "content_delta"
	TypeContentDone   Type = "content_done"
	TypeError         Type = "error"
	TypeDone          Type = "done"
)

// Status values carried by status events.
const (
	StatusProcessing = "processing"
	StatusDone       = "done"
)

// Event is one typed, timestamped unit of the stream. The set of
// implementations is closed to this package.
type Event interface {
	EventType() Type
	sealed()
}

// Now is the clock used to stamp events. Tests may replace it.
var Now = time.Now

func nowTs() int64 { return Now().Unix() }

// StatusEvent reports coarse run status.
type StatusEvent struct {
	Type      Type   `json:"type"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// IterationInfoEvent opens every iteration of the run loop.
type IterationInfoEvent struct {
	Type             Type   `json:"type"`
	CurrentIteration int    `json:"current_iteration"`
	MaxIterations    int    `json:"max_iterations"`
	Message          string `json:"message"`
	Timestamp        int64  `json:"timestamp"`
}

// ToolCallEvent announces a tool call made by the model.
type ToolCallEvent struct {
	Type       Type            `json:"type"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input"`
	Timestamp  int64           `json:"timestamp"`
}

// ToolExecutingEvent follows every ToolCallEvent.
type ToolExecutingEvent struct {
	Type       Type   `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// ToolResultEvent carries the output of one tool call.
type ToolResultEvent struct {
	Type       Type            `json:"type"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	ToolOutput json.RawMessage `json:"tool_output"`
	Success    bool            `json:"success"`
	Timestamp  int64           `json:"timestamp"`
}

// ContentStartEvent opens the final answer.
type ContentStartEvent struct {
	Type      Type   `json:"type"`
	Message   string `json:"message"`
	Guarded   bool   `json:"guarded"`
	Timestamp int64  `json:"timestamp"`
}

// ContentDeltaEvent carries answer text.
type ContentDeltaEvent struct {
	Type      Type   `json:"type"`
	Delta     string `json:"delta"`
	Guarded   bool   `json:"guarded"`
	Timestamp int64  `json:"timestamp"`
}

// ContentDoneEvent closes the final answer.
type ContentDoneEvent struct {
	Type      Type  `json:"type"`
	Guarded   bool  `json:"guarded"`
	Timestamp int64 `json:"timestamp"`
}

// ErrorEvent terminates a run that failed.
type ErrorEvent struct {
	Type         Type   `json:"type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Timestamp    int64  `json:"timestamp"`
}

// DoneEvent is the last event of a successful or gracefully degraded run.
type DoneEvent struct {
	Type          Type     `json:"type"`
	TotalDuration *float64 `json:"total_duration,omitempty"`
	Timestamp     int64    `json:"timestamp"`
}

func (*StatusEvent) EventType() Type        { return TypeStatus }
func (*IterationInfoEvent) EventType() Type { return TypeIterationInfo }
func (*ToolCallEvent) EventType() Type      { return TypeToolCall }
func (*ToolExecutingEvent) EventType() Type { return TypeToolExecuting }
func (*ToolResultEvent) EventType() Type    { return TypeToolResult }
func (*ContentStartEvent) EventType() Type  { return TypeContentStart }
func (*ContentDeltaEvent) EventType() Type  { return TypeContentDelta }
func (*ContentDoneEvent) EventType() Type   { return TypeContentDone }
func (*ErrorEvent) EventType() Type         { return TypeError }
func (*DoneEvent) EventType() Type          { return TypeDone }

func (*StatusEvent) sealed()        {}
func (*IterationInfoEvent) sealed() {}
func (*ToolCallEvent) sealed()      {}
func (*ToolExecutingEvent) sealed() {}
func (*ToolResultEvent) sealed()    {}
func (*ContentStartEvent) sealed()  {}
func (*ContentDeltaEvent) sealed()  {}
func (*ContentDoneEvent) sealed()   {}
func (*ErrorEvent) sealed()         {}
func (*DoneEvent) sealed()          {}

// Status builds a status event.
func Status(status, message string) *StatusEvent {
	return &StatusEvent{Type: TypeStatus, Status: status, Message: message, Timestamp: nowTs()}
}

// IterationInfo builds an iteration_info event.
func IterationInfo(current, maxIterations int, message string) *IterationInfoEvent {
	return &IterationInfoEvent{
		Type:             TypeIterationInfo,
		CurrentIteration: current,
		MaxIterations:    maxIterations,
		Message:          message,
		Timestamp:        nowTs(),
	}
}

// ToolCall builds a tool_call event.
func ToolCall(id, name string, input json.RawMessage) *ToolCallEvent {
	return &ToolCallEvent{Type: TypeToolCall, ToolCallID: id, ToolName: name, ToolInput: orNull(input), Timestamp: nowTs()}
}

// ToolExecuting builds a tool_executing event.
func ToolExecuting(id, name string) *ToolExecutingEvent {
	return &ToolExecutingEvent{
		Type:       TypeToolExecuting,
		ToolCallID: id,
		ToolName:   name,
		Message:    "Executing tool " + name + "...",
		Timestamp:  nowTs(),
	}
}

// ToolResult builds a tool_result event.
func ToolResult(id, name string, output json.RawMessage, success bool) *ToolResultEvent {
	return &ToolResultEvent{
		Type:       TypeToolResult,
		ToolCallID: id,
		ToolName:   name,
		ToolOutput: orNull(output),
		Success:    success,
		Timestamp:  nowTs(),
	}
}

// ContentStart builds a content_start event.
func ContentStart(message string) *ContentStartEvent {
	return &ContentStartEvent{Type: TypeContentStart, Message: message, Timestamp: nowTs()}
}

// ContentDelta builds a content_delta event.
func ContentDelta(delta string) *ContentDeltaEvent {
	return &ContentDeltaEvent{Type: TypeContentDelta, Delta: delta, Timestamp: nowTs()}
}

// ContentDone builds a content_done event.
func ContentDone() *ContentDoneEvent {
	return &ContentDoneEvent{Type: TypeContentDone, Timestamp: nowTs()}
}

// Error builds an error event.
func Error(code, message string) *ErrorEvent {
	return &ErrorEvent{Type: TypeError, ErrorCode: code, ErrorMessage: message, Timestamp: nowTs()}
}

// Done builds a done event. A negative duration omits total_duration.
func Done(totalDuration time.Duration) *DoneEvent {
	evt := &DoneEvent{Type: TypeDone, Timestamp: nowTs()}
	if totalDuration >= 0 {
		secs := totalDuration.Seconds()
		evt.TotalDuration = &secs
	}
	return evt
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
