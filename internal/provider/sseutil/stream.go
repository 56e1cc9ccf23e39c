package sseutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/eugener/heimdall/internal/protocol"
)

// EventReader yields protocol.StreamEvent frames from an upstream body,
// decoding whichever wire framing the upstream protocol uses. Next returns
// io.EOF when the stream ends cleanly.
type EventReader interface {
	Next() (protocol.StreamEvent, error)
}

// NewEventReader picks the reader for format. StreamFormatNone is a caller
// bug and yields a reader that fails immediately.
func NewEventReader(r io.Reader, format protocol.StreamFormat) EventReader {
	switch format {
	case protocol.StreamFormatSSENamed, protocol.StreamFormatSSEData:
		return &sseReader{scanner: NewScanner(r)}
	case protocol.StreamFormatJSON:
		return newJSONArrayReader(r)
	}
	return errReader{fmt.Errorf("stream format %d not readable", format)}
}

type errReader struct{ err error }

func (e errReader) Next() (protocol.StreamEvent, error) { return protocol.StreamEvent{}, e.err }

// sseReader decodes SSE frames: an optional "event:" line followed by one or
// more "data:" lines, terminated by a blank line. Multi-line data payloads
// are joined with newlines per the SSE spec.
type sseReader struct {
	scanner *bufio.Scanner
}

func (r *sseReader) Next() (protocol.StreamEvent, error) {
	var event string
	var data []string

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if len(data) > 0 || event != "" {
				return protocol.StreamEvent{Event: event, Data: []byte(strings.Join(data, "\n"))}, nil
			}
			continue
		}
		field, value, ok := ParseSSELine(line)
		if !ok {
			continue
		}
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := r.scanner.Err(); err != nil {
		return protocol.StreamEvent{}, err
	}
	// Stream ended without a trailing blank line; flush what accumulated.
	if len(data) > 0 || event != "" {
		return protocol.StreamEvent{Event: event, Data: []byte(strings.Join(data, "\n"))}, nil
	}
	return protocol.StreamEvent{}, io.EOF
}

// jsonArrayReader decodes the Gemini non-SSE stream: a JSON array of
// response objects arriving incrementally. Each element becomes one unnamed
// event.
type jsonArrayReader struct {
	dec     *json.Decoder
	started bool
	done    bool
}

func newJSONArrayReader(r io.Reader) *jsonArrayReader {
	return &jsonArrayReader{dec: json.NewDecoder(r)}
}

func (r *jsonArrayReader) Next() (protocol.StreamEvent, error) {
	if r.done {
		return protocol.StreamEvent{}, io.EOF
	}
	if !r.started {
		tok, err := r.dec.Token()
		if err != nil {
			return protocol.StreamEvent{}, err
		}
		r.started = true
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			r.done = true
			return protocol.StreamEvent{}, fmt.Errorf("gemini stream: expected array, got %v", tok)
		}
	}
	if !r.dec.More() {
		r.done = true
		// Consume the closing bracket.
		if _, err := r.dec.Token(); err != nil && err != io.EOF {
			return protocol.StreamEvent{}, err
		}
		return protocol.StreamEvent{}, io.EOF
	}
	var raw json.RawMessage
	if err := r.dec.Decode(&raw); err != nil {
		return protocol.StreamEvent{}, err
	}
	return protocol.StreamEvent{Data: raw}, nil
}
