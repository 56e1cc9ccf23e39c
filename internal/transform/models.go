package transform

import (
	"strings"

	"github.com/eugener/heimdall/internal/protocol"
)

// Catalog translations between the three models-list shapes, plus Vertex's
// publisherModels envelope. Names normalize to "models/<id>" on the Gemini
// side and bare ids elsewhere; versions derive from an explicit field or a
// trailing "@<ver>" in the id, defaulting to "unknown".

// modelID strips the Gemini "models/" prefix.
func modelID(name string) string {
	return strings.TrimPrefix(name, "models/")
}

// modelVersion splits "<id>@<ver>" and falls back to the given version.
func modelVersion(id, version string) (string, string) {
	if base, ver, ok := strings.Cut(id, "@"); ok && ver != "" {
		return base, ver
	}
	if version == "" {
		version = "unknown"
	}
	return id, version
}

// --- gets ---

// GeminiModelToClaude converts one Gemini catalog entry.
func GeminiModelToClaude(m *protocol.GeminiModelInfo) *protocol.ClaudeModelInfo {
	return &protocol.ClaudeModelInfo{
		ID:          modelID(m.Name),
		Type:        "model",
		DisplayName: m.DisplayName,
	}
}

// GeminiModelToOpenAI converts one Gemini catalog entry.
func GeminiModelToOpenAI(m *protocol.GeminiModelInfo) *protocol.OpenAIModelInfo {
	return &protocol.OpenAIModelInfo{
		ID:      modelID(m.Name),
		Object:  "model",
		OwnedBy: "google",
	}
}

// ClaudeModelToGemini converts one Anthropic catalog entry.
func ClaudeModelToGemini(m *protocol.ClaudeModelInfo) *protocol.GeminiModelInfo {
	id, version := modelVersion(m.ID, "")
	return &protocol.GeminiModelInfo{
		Name:        "models/" + id,
		Version:     version,
		DisplayName: m.DisplayName,
	}
}

// ClaudeModelToOpenAI converts one Anthropic catalog entry.
func ClaudeModelToOpenAI(m *protocol.ClaudeModelInfo) *protocol.OpenAIModelInfo {
	return &protocol.OpenAIModelInfo{
		ID:      m.ID,
		Object:  "model",
		OwnedBy: "anthropic",
	}
}

// OpenAIModelToClaude converts one OpenAI catalog entry.
func OpenAIModelToClaude(m *protocol.OpenAIModelInfo) *protocol.ClaudeModelInfo {
	return &protocol.ClaudeModelInfo{
		ID:          m.ID,
		Type:        "model",
		DisplayName: m.ID,
	}
}

// OpenAIModelToGemini converts one OpenAI catalog entry.
func OpenAIModelToGemini(m *protocol.OpenAIModelInfo) *protocol.GeminiModelInfo {
	id, version := modelVersion(m.ID, "")
	return &protocol.GeminiModelInfo{
		Name:        "models/" + id,
		Version:     version,
		DisplayName: id,
	}
}

// VertexModelToGemini converts one Vertex publisher model entry.
func VertexModelToGemini(m *protocol.VertexPublisherModel) *protocol.GeminiModelInfo {
	name := m.Name
	if i := strings.LastIndex(name, "/models/"); i >= 0 {
		name = name[i+len("/models/"):]
	}
	id, version := modelVersion(name, m.VersionID)
	return &protocol.GeminiModelInfo{
		Name:    "models/" + id,
		Version: version,
	}
}

// --- lists ---

// GeminiModelsToClaude converts a Gemini catalog into the Anthropic envelope.
func GeminiModelsToClaude(list *protocol.GeminiModelsList) *protocol.ClaudeModelsList {
	out := &protocol.ClaudeModelsList{Data: []protocol.ClaudeModelInfo{}}
	for i := range list.Models {
		out.Data = append(out.Data, *GeminiModelToClaude(&list.Models[i]))
	}
	if n := len(out.Data); n > 0 {
		out.FirstID = out.Data[0].ID
		out.LastID = out.Data[n-1].ID
	}
	return out
}

// GeminiModelsToOpenAI converts a Gemini catalog into the OpenAI envelope.
func GeminiModelsToOpenAI(list *protocol.GeminiModelsList) *protocol.OpenAIModelsList {
	out := &protocol.OpenAIModelsList{Object: "list", Data: []protocol.OpenAIModelInfo{}}
	for i := range list.Models {
		out.Data = append(out.Data, *GeminiModelToOpenAI(&list.Models[i]))
	}
	return out
}

// ClaudeModelsToGemini converts an Anthropic catalog into the Gemini envelope.
func ClaudeModelsToGemini(list *protocol.ClaudeModelsList) *protocol.GeminiModelsList {
	out := &protocol.GeminiModelsList{Models: []protocol.GeminiModelInfo{}}
	for i := range list.Data {
		out.Models = append(out.Models, *ClaudeModelToGemini(&list.Data[i]))
	}
	return out
}

// ClaudeModelsToOpenAI converts an Anthropic catalog into the OpenAI envelope.
func ClaudeModelsToOpenAI(list *protocol.ClaudeModelsList) *protocol.OpenAIModelsList {
	out := &protocol.OpenAIModelsList{Object: "list", Data: []protocol.OpenAIModelInfo{}}
	for i := range list.Data {
		out.Data = append(out.Data, *ClaudeModelToOpenAI(&list.Data[i]))
	}
	return out
}

// OpenAIModelsToClaude converts an OpenAI catalog into the Anthropic envelope.
func OpenAIModelsToClaude(list *protocol.OpenAIModelsList) *protocol.ClaudeModelsList {
	out := &protocol.ClaudeModelsList{Data: []protocol.ClaudeModelInfo{}}
	for i := range list.Data {
		out.Data = append(out.Data, *OpenAIModelToClaude(&list.Data[i]))
	}
	if n := len(out.Data); n > 0 {
		out.FirstID = out.Data[0].ID
		out.LastID = out.Data[n-1].ID
	}
	return out
}

// OpenAIModelsToGemini converts an OpenAI catalog into the Gemini envelope.
func OpenAIModelsToGemini(list *protocol.OpenAIModelsList) *protocol.GeminiModelsList {
	out := &protocol.GeminiModelsList{Models: []protocol.GeminiModelInfo{}}
	for i := range list.Data {
		out.Models = append(out.Models, *OpenAIModelToGemini(&list.Data[i]))
	}
	return out
}

// VertexModelsToGemini flattens Vertex's publisherModels envelope into the
// Gemini catalog shape.
func VertexModelsToGemini(list *protocol.VertexModelsList) *protocol.GeminiModelsList {
	out := &protocol.GeminiModelsList{
		Models:        []protocol.GeminiModelInfo{},
		NextPageToken: list.NextPageToken,
	}
	for i := range list.PublisherModels {
		out.Models = append(out.Models, *VertexModelToGemini(&list.PublisherModels[i]))
	}
	return out
}
