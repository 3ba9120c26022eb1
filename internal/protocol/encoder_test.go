package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixClock(t *testing.T) {
	t.Helper()
	prev := Now
	Now = func() time.Time { return time.Unix(1700000000, 0) }
	t.Cleanup(func() { Now = prev })
}

func TestEncodeFraming(t *testing.T) {
	fixClock(t)

	frame, err := Encode(Status(StatusProcessing, "Processing your request..."))
	require.NoError(t, err)

	want := `data: {"type":"status","status":"processing","message":"Processing your request...","timestamp":1700000000}` + "\n\n"
	assert.Equal(t, want, string(frame))
}

func TestEncodeDoesNotEscapeHTML(t *testing.T) {
	fixClock(t)

	frame, err := Encode(ContentDelta("a < b && c > d"))
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"delta":"a < b && c > d"`)
	assert.Equal(t, 1, strings.Count(string(frame), "\n\n"))
}

func TestEncodeKeepsFalseFlags(t *testing.T) {
	fixClock(t)

	frame, err := Encode(ContentDone())
	require.NoError(t, err)
	assert.Equal(t, `data: {"type":"content_done","guarded":false,"timestamp":1700000000}`+"\n\n", string(frame))

	frame, err = Encode(ToolResult("call_1", "search", nil, false))
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"tool_output":null,"success":false`)
}

func TestDoneDuration(t *testing.T) {
	fixClock(t)

	frame, err := Encode(Done(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"total_duration":1.5`)

	frame, err = Encode(Done(-1))
	require.NoError(t, err)
	assert.NotContains(t, string(frame), "total_duration")
}

func TestDecoderRoundTripsStream(t *testing.T) {
	fixClock(t)

	var buf bytes.Buffer
	w := NewWriter(&buf)
	events := []Event{
		IterationInfo(1, 8, "Reasoning iteration 1"),
		ToolCall("call_1", "reasoning", json.RawMessage(`{"summary":"s","ready_to_reply":true}`)),
		ContentDelta("line one\nline two"),
		Error("STREAM_ERROR", "boom"),
	}
	for _, evt := range events {
		require.NoError(t, w.WriteEvent(evt))
	}

	dec := NewDecoder(&buf)
	for _, want := range events {
		got, err := dec.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderRejectsGarbage(t *testing.T) {
	dec := NewDecoder(strings.NewReader("event: nope\n\n"))
	_, err := dec.Next()
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode([]byte(`{"type":"mystery"}`))
	assert.Error(t, err)
}
