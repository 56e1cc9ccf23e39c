package sseutil

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/eugener/heimdall/internal/protocol"
)

func TestParseSSELine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		line      string
		wantField string
		wantValue string
		wantOK    bool
	}{
		{"event line", "event: message_start", "event", "message_start", true},
		{"data line", "data: {\"x\":1}", "data", "{\"x\":1}", true},
		{"no space after colon", "data:{\"x\":1}", "data", "{\"x\":1}", true},
		{"comment", ": keep-alive", "", "", false},
		{"empty", "", "", "", false},
		{"unknown field", "id: 7", "", "", false},
		{"no colon", "garbage", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			field, value, ok := ParseSSELine(tt.line)
			if field != tt.wantField || value != tt.wantValue || ok != tt.wantOK {
				t.Errorf("ParseSSELine(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.line, field, value, ok, tt.wantField, tt.wantValue, tt.wantOK)
			}
		})
	}
}

func collect(t *testing.T, r EventReader) []protocol.StreamEvent {
	t.Helper()
	var out []protocol.StreamEvent
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, ev)
	}
}

func TestSSENamedReader(t *testing.T) {
	t.Parallel()

	body := "event: message_start\n" +
		"data: {\"type\":\"message_start\"}\n\n" +
		": keep-alive\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\"}\n\n"
	events := collect(t, NewEventReader(strings.NewReader(body), protocol.StreamFormatSSENamed))

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Event != "message_start" || string(events[0].Data) != `{"type":"message_start"}` {
		t.Errorf("first = %+v", events[0])
	}
	if events[1].Event != "content_block_delta" {
		t.Errorf("second = %+v", events[1])
	}
}

func TestSSEDataReader(t *testing.T) {
	t.Parallel()

	body := "data: {\"n\":1}\n\n" +
		"data: {\"n\":2}\n\n" +
		"data: [DONE]\n\n"
	events := collect(t, NewEventReader(strings.NewReader(body), protocol.StreamFormatSSEData))

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if string(events[2].Data) != "[DONE]" {
		t.Errorf("sentinel = %q", events[2].Data)
	}
}

func TestSSEReaderMultiLineData(t *testing.T) {
	t.Parallel()

	body := "data: line1\ndata: line2\n\n"
	events := collect(t, NewEventReader(strings.NewReader(body), protocol.StreamFormatSSEData))
	if len(events) != 1 || string(events[0].Data) != "line1\nline2" {
		t.Fatalf("events = %+v", events)
	}
}

func TestSSEReaderFlushesUnterminatedFrame(t *testing.T) {
	t.Parallel()

	// Truncated stream without a trailing blank line.
	body := "data: {\"n\":1}\n\ndata: {\"n\":2}\n"
	events := collect(t, NewEventReader(strings.NewReader(body), protocol.StreamFormatSSEData))
	if len(events) != 2 || string(events[1].Data) != `{"n":2}` {
		t.Fatalf("events = %+v", events)
	}
}

func TestJSONArrayReader(t *testing.T) {
	t.Parallel()

	body := `[{"candidates":[{"index":0}]},
	{"candidates":[{"index":1}]}]`
	events := collect(t, NewEventReader(strings.NewReader(body), protocol.StreamFormatJSON))

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	for i, ev := range events {
		if ev.Event != "" {
			t.Errorf("event[%d] name = %q, want unnamed", i, ev.Event)
		}
	}
	if !strings.Contains(string(events[1].Data), `"index":1`) {
		t.Errorf("second = %s", events[1].Data)
	}
}

func TestJSONArrayReaderEmpty(t *testing.T) {
	t.Parallel()
	events := collect(t, NewEventReader(strings.NewReader("[]"), protocol.StreamFormatJSON))
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none", events)
	}
}

func TestJSONArrayReaderRejectsNonArray(t *testing.T) {
	t.Parallel()
	r := NewEventReader(strings.NewReader(`{"candidates":[]}`), protocol.StreamFormatJSON)
	if _, err := r.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want parse error", err)
	}
}
