package protocol

import "encoding/json"

// StreamEvent is one downstream or upstream streaming frame: an optional SSE
// event name plus the data payload. Gemini's JSON stream uses Event == "".
type StreamEvent struct {
	Event string
	Data  []byte
}

// Event builds a StreamEvent by marshaling v. Marshal failures cannot occur
// for the in-tree payload types and yield an empty data frame.
func Event(name string, v any) StreamEvent {
	b, _ := json.Marshal(v)
	return StreamEvent{Event: name, Data: b}
}

// DataEvent builds an unnamed StreamEvent by marshaling v.
func DataEvent(v any) StreamEvent {
	b, _ := json.Marshal(v)
	return StreamEvent{Data: b}
}

// StreamFormat describes how a protocol frames its stream on the wire.
type StreamFormat int

const (
	// StreamFormatNone means the protocol does not stream.
	StreamFormatNone StreamFormat = iota
	// StreamFormatSSENamed uses "event: <name>\ndata: <json>\n\n" frames (Claude, Responses).
	StreamFormatSSENamed
	// StreamFormatSSEData uses bare "data: <json>\n\n" frames (Chat Completions).
	StreamFormatSSEData
	// StreamFormatJSON streams raw JSON objects, optionally as an array (Gemini).
	StreamFormatJSON
)
