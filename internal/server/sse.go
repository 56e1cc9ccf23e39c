package server

import (
	"net/http"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/protocol"
)

// Preallocated SSE header values.
var (
	sseCT        = []string{"text/event-stream"}
	noCache      = []string{"no-cache"}
	keepAlive    = []string{"keep-alive"}
	noBuffering  = []string{"no"}
	doneSentinel = "[DONE]"
)

// streamWriter renders protocol.StreamEvent frames in one wire framing.
// Headers go out on the first event; Close finalizes the framing.
type streamWriter interface {
	WriteEvent(ev protocol.StreamEvent) error
	Close() error
}

// newStreamWriter picks the writer for the inbound protocol. Gemini clients
// choose their framing with ?alt=sse; everyone else gets their protocol's
// fixed one.
func newStreamWriter(w http.ResponseWriter, source gateway.Protocol, geminiSSE bool) streamWriter {
	if source == gateway.ProtoGemini {
		if geminiSSE {
			return &sseDataWriter{w: w, sendDone: false}
		}
		return &jsonArrayWriter{w: w}
	}
	switch source.StreamFormat() {
	case protocol.StreamFormatSSEData:
		return &sseDataWriter{w: w, sendDone: true}
	default:
		return &sseNamedWriter{w: w}
	}
}

func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseCT
	h["Cache-Control"] = noCache
	h["Connection"] = keepAlive
	h["X-Accel-Buffering"] = noBuffering
	w.WriteHeader(http.StatusOK)
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// sseNamedWriter emits "event: <name>\ndata: <json>\n\n" frames (Claude and
// Responses streams).
type sseNamedWriter struct {
	w       http.ResponseWriter
	started bool
}

func (sw *sseNamedWriter) WriteEvent(ev protocol.StreamEvent) error {
	if !sw.started {
		writeSSEHeaders(sw.w)
		sw.started = true
	}
	if ev.Event != "" {
		if _, err := sw.w.Write([]byte("event: " + ev.Event + "\n")); err != nil {
			return err
		}
	}
	if _, err := sw.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := sw.w.Write(ev.Data); err != nil {
		return err
	}
	if _, err := sw.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flush(sw.w)
	return nil
}

func (sw *sseNamedWriter) Close() error {
	if !sw.started {
		writeSSEHeaders(sw.w)
		flush(sw.w)
	}
	return nil
}

// sseDataWriter emits bare "data: <json>\n\n" frames. When sendDone is set
// the stream ends with the [DONE] sentinel unless the last frame already was
// one (the chat translators emit it themselves).
type sseDataWriter struct {
	w        http.ResponseWriter
	started  bool
	sendDone bool
	sawDone  bool
}

func (sw *sseDataWriter) WriteEvent(ev protocol.StreamEvent) error {
	if !sw.started {
		writeSSEHeaders(sw.w)
		sw.started = true
	}
	sw.sawDone = string(ev.Data) == doneSentinel
	if _, err := sw.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := sw.w.Write(ev.Data); err != nil {
		return err
	}
	if _, err := sw.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flush(sw.w)
	return nil
}

func (sw *sseDataWriter) Close() error {
	if !sw.started {
		writeSSEHeaders(sw.w)
		sw.started = true
	}
	if sw.sendDone && !sw.sawDone {
		if _, err := sw.w.Write([]byte("data: " + doneSentinel + "\n\n")); err != nil {
			return err
		}
	}
	flush(sw.w)
	return nil
}

// jsonArrayWriter emits the Gemini default framing: a JSON array of response
// objects written incrementally.
type jsonArrayWriter struct {
	w       http.ResponseWriter
	started bool
	wrote   bool
}

func (jw *jsonArrayWriter) WriteEvent(ev protocol.StreamEvent) error {
	if !jw.started {
		jw.w.Header()["Content-Type"] = jsonCT
		jw.w.WriteHeader(http.StatusOK)
		if _, err := jw.w.Write([]byte("[")); err != nil {
			return err
		}
		jw.started = true
	}
	if jw.wrote {
		if _, err := jw.w.Write([]byte(",\n")); err != nil {
			return err
		}
	}
	if _, err := jw.w.Write(ev.Data); err != nil {
		return err
	}
	jw.wrote = true
	flush(jw.w)
	return nil
}

func (jw *jsonArrayWriter) Close() error {
	if !jw.started {
		jw.w.Header()["Content-Type"] = jsonCT
		jw.w.WriteHeader(http.StatusOK)
		if _, err := jw.w.Write([]byte("[")); err != nil {
			return err
		}
	}
	if _, err := jw.w.Write([]byte("]")); err != nil {
		return err
	}
	flush(jw.w)
	return nil
}
