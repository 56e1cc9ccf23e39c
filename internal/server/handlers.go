package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/protocol"
)

func (s *server) handleClaudeMessages(w http.ResponseWriter, r *http.Request) {
	var body protocol.ClaudeRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeProtocolError(w, gateway.ProtoClaude, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Model == "" {
		writeProtocolError(w, gateway.ProtoClaude, http.StatusBadRequest, "model is required")
		return
	}
	op := gateway.OpClaudeMessages
	if body.Stream {
		op = gateway.OpClaudeMessagesStream
	}
	s.serve(w, r, &gateway.Request{Op: op, Claude: &body}, false)
}

func (s *server) handleClaudeCountTokens(w http.ResponseWriter, r *http.Request) {
	var body protocol.ClaudeCountTokensRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeProtocolError(w, gateway.ProtoClaude, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Model == "" {
		writeProtocolError(w, gateway.ProtoClaude, http.StatusBadRequest, "model is required")
		return
	}
	s.serve(w, r, &gateway.Request{Op: gateway.OpClaudeCountTokens, ClaudeCount: &body}, false)
}

// handleGeminiAction serves POST /v1beta/models/{model}. The path segment
// carries both the model and the action ("gemini-2.5-pro:generateContent").
func (s *server) handleGeminiAction(w http.ResponseWriter, r *http.Request) {
	seg := chi.URLParam(r, "model")
	model, action, ok := strings.Cut(seg, ":")
	if !ok || model == "" {
		writeProtocolError(w, gateway.ProtoGemini, http.StatusNotFound, "unknown method "+seg)
		return
	}

	switch action {
	case "generateContent", "streamGenerateContent":
		var body protocol.GeminiRequest
		if err := decodeJSON(w, r, &body); err != nil {
			writeProtocolError(w, gateway.ProtoGemini, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		body.Model = model
		op := gateway.OpGeminiGenerate
		geminiSSE := false
		if action == "streamGenerateContent" {
			op = gateway.OpGeminiGenerateStream
			geminiSSE = r.URL.Query().Get("alt") == "sse"
		}
		s.serve(w, r, &gateway.Request{Op: op, Gemini: &body}, geminiSSE)

	case "countTokens":
		var body protocol.GeminiCountTokensRequest
		if err := decodeJSON(w, r, &body); err != nil {
			writeProtocolError(w, gateway.ProtoGemini, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		body.Model = model
		s.serve(w, r, &gateway.Request{Op: gateway.OpGeminiCountTokens, GeminiCount: &body}, false)

	default:
		writeProtocolError(w, gateway.ProtoGemini, http.StatusNotFound, "unknown method "+action)
	}
}

func (s *server) handleGeminiModelsList(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, &gateway.Request{Op: gateway.OpGeminiModelsList}, false)
}

func (s *server) handleGeminiModelsGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "model")
	s.serve(w, r, &gateway.Request{Op: gateway.OpGeminiModelsGet, ModelID: id}, false)
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body protocol.ChatRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeProtocolError(w, gateway.ProtoOpenAIChat, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Model == "" {
		writeProtocolError(w, gateway.ProtoOpenAIChat, http.StatusBadRequest, "model is required")
		return
	}
	op := gateway.OpOpenAIChat
	if body.Stream {
		op = gateway.OpOpenAIChatStream
	}
	s.serve(w, r, &gateway.Request{Op: op, Chat: &body}, false)
}

func (s *server) handleResponses(w http.ResponseWriter, r *http.Request) {
	var body protocol.ResponsesRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeProtocolError(w, gateway.ProtoOpenAIResponses, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Model == "" {
		writeProtocolError(w, gateway.ProtoOpenAIResponses, http.StatusBadRequest, "model is required")
		return
	}
	op := gateway.OpOpenAIResponses
	if body.Stream {
		op = gateway.OpOpenAIResponsesStream
	}
	s.serve(w, r, &gateway.Request{Op: op, Responses: &body}, false)
}

// handleModelsList serves GET /v1/models, which the Anthropic and OpenAI
// surfaces share. The anthropic-version header picks the catalog shape.
func (s *server) handleModelsList(w http.ResponseWriter, r *http.Request) {
	op := gateway.OpOpenAIModelsList
	if r.Header.Get("anthropic-version") != "" {
		op = gateway.OpClaudeModelsList
	}
	s.serve(w, r, &gateway.Request{Op: op}, false)
}

func (s *server) handleModelsGet(w http.ResponseWriter, r *http.Request) {
	op := gateway.OpOpenAIModelsGet
	if r.Header.Get("anthropic-version") != "" {
		op = gateway.OpClaudeModelsGet
	}
	s.serve(w, r, &gateway.Request{Op: op, ModelID: chi.URLParam(r, "id")}, false)
}

// handleUsage aggregates persisted upstream token usage.
func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	gateway.SetOperation(r.Context(), gateway.OpUsage.String(), "")

	q := gateway.UsageQuery{
		CredentialID: r.URL.Query().Get("credential_id"),
		Model:        r.URL.Query().Get("model"),
	}
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeProtocolError(w, gateway.ProtoOpenAIChat, http.StatusBadRequest, "start: invalid RFC 3339 timestamp")
			return
		}
		q.Start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeProtocolError(w, gateway.ProtoOpenAIChat, http.StatusBadRequest, "end: invalid RFC 3339 timestamp")
			return
		}
		q.End = t
	}

	usage, err := s.deps.Store.GetUpstreamUsage(r.Context(), q)
	if err != nil {
		writeError(w, gateway.ProtoOpenAIChat, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}
