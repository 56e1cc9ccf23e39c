package gateway

import "github.com/eugener/heimdall/internal/protocol"

// Request is the tagged inbound request. Exactly one payload pointer matching
// the Op is set; moving it through the pipeline never re-reads the wire form.
type Request struct {
	Op Op

	Claude      *protocol.ClaudeRequest
	ClaudeCount *protocol.ClaudeCountTokensRequest
	Gemini      *protocol.GeminiRequest
	GeminiCount *protocol.GeminiCountTokensRequest
	Chat        *protocol.ChatRequest
	Responses   *protocol.ResponsesRequest

	// ModelID is set for models-get ops.
	ModelID string
}

// Model returns the model the request targets, or "" for model-independent
// ops (models list, OAuth, usage).
func (r *Request) Model() string {
	switch {
	case r.Claude != nil:
		return r.Claude.Model
	case r.ClaudeCount != nil:
		return r.ClaudeCount.Model
	case r.Gemini != nil:
		return r.Gemini.Model
	case r.GeminiCount != nil:
		return r.GeminiCount.Model
	case r.Chat != nil:
		return r.Chat.Model
	case r.Responses != nil:
		return r.Responses.Model
	case r.ModelID != "":
		return r.ModelID
	}
	return ""
}

// Scope derives the disallow scope: Model(m) when the request targets a
// specific model, AllModels otherwise.
func (r *Request) Scope() DisallowScope { return ModelScope(r.Model()) }

// Stream reports whether the op is a streaming generate variant.
func (r *Request) Stream() bool { return r.Op.Family() == FamilyStream }
