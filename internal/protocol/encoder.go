package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const framePrefix = "data: "

// Encode serializes one event as a single "data: <json>\n\n" frame.
func Encode(evt Event) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(framePrefix)
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(evt); err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", evt.EventType(), err)
	}
	// json.Encoder terminates with one newline; the frame needs a blank line.
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Writer writes frames to an underlying writer, flushing after each one when
// the writer supports it.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter creates a frame writer.
func NewWriter(w io.Writer) *Writer {
	fw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.flusher = f
	}
	return fw
}

// WriteEvent encodes and writes one event.
func (w *Writer) WriteEvent(evt Event) error {
	frame, err := Encode(evt)
	if err != nil {
		return err
	}
	return w.WriteFrame(frame)
}

// WriteFrame writes an already encoded frame.
func (w *Writer) WriteFrame(frame []byte) error {
	if _, err := w.w.Write(frame); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// ErrMalformedFrame is returned by the decoder for frames without a data line.
var ErrMalformedFrame = errors.New("malformed event frame")

// Decoder reads frames produced by Encode.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a frame decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next decoded event, or io.EOF at the end of the stream.
func (d *Decoder) Next() (Event, error) {
	var data strings.Builder
	for {
		line, err := d.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		eof := err != nil
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() > 0 {
				return Decode([]byte(data.String()))
			}
			if eof {
				return nil, io.EOF
			}
		case strings.HasPrefix(line, framePrefix):
			data.WriteString(strings.TrimPrefix(line, framePrefix))
			if eof {
				return Decode([]byte(data.String()))
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrMalformedFrame, line)
		}
	}
}

// Decode parses the JSON payload of one frame.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	var evt Event
	switch head.Type {
	case TypeStatus:
		evt = &StatusEvent{}
	case TypeIterationInfo:
		evt = &IterationInfoEvent{}
	case TypeToolCall:
		evt = &ToolCallEvent{}
	case TypeToolExecuting:
		evt = &ToolExecutingEvent{}
	case TypeToolResult:
		evt = &ToolResultEvent{}
	case TypeContentStart:
		evt = &ContentStartEvent{}
	case TypeContentDelta:
		evt = &ContentDeltaEvent{}
	case TypeContentDone:
		evt = &ContentDoneEvent{}
	case TypeError:
		evt = &ErrorEvent{}
	case TypeDone:
		evt = &DoneEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", head.Type, err)
	}
	return evt, nil
}
