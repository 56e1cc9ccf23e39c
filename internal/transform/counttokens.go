package transform

import "github.com/eugener/heimdall/internal/protocol"

// ClaudeCountToGeminiRequest converts a Claude count_tokens request into a
// Gemini countTokens request wrapping a full generateContent body.
func ClaudeCountToGeminiRequest(req *protocol.ClaudeCountTokensRequest) *protocol.GeminiCountTokensRequest {
	gen := ClaudeToGeminiRequest(&protocol.ClaudeRequest{
		Model:    req.Model,
		Messages: req.Messages,
		System:   req.System,
		Tools:    req.Tools,
	})
	gen.GenerationConfig = nil
	return &protocol.GeminiCountTokensRequest{
		Model:                  gen.Model,
		GenerateContentRequest: gen,
	}
}

// GeminiCountToClaudeRequest converts a Gemini countTokens request into a
// Claude count_tokens request.
func GeminiCountToClaudeRequest(req *protocol.GeminiCountTokensRequest) *protocol.ClaudeCountTokensRequest {
	gen := req.GenerateContentRequest
	if gen == nil {
		gen = &protocol.GeminiRequest{Model: req.Model, Contents: req.Contents}
	}
	if gen.Model == "" {
		gen.Model = req.Model
	}
	claude := GeminiToClaudeRequest(gen)
	return &protocol.ClaudeCountTokensRequest{
		Model:    claude.Model,
		Messages: claude.Messages,
		System:   claude.System,
		Tools:    claude.Tools,
	}
}

// GeminiCountToClaudeResponse maps a countTokens result onto Claude's shape.
func GeminiCountToClaudeResponse(resp *protocol.GeminiCountTokensResponse) *protocol.ClaudeCountTokensResponse {
	return &protocol.ClaudeCountTokensResponse{InputTokens: resp.TotalTokens}
}

// ClaudeCountToGeminiResponse maps a count_tokens result onto Gemini's shape.
func ClaudeCountToGeminiResponse(resp *protocol.ClaudeCountTokensResponse) *protocol.GeminiCountTokensResponse {
	return &protocol.GeminiCountTokensResponse{TotalTokens: resp.InputTokens}
}
