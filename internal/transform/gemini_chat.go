package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eugener/heimdall/internal/protocol"
)

// --- gemini -> openai chat (request direction) ---

// GeminiToChatRequest converts a Gemini generateContent request into a Chat
// Completions request.
func GeminiToChatRequest(req *protocol.GeminiRequest) *protocol.ChatRequest {
	out := &protocol.ChatRequest{Model: strings.TrimPrefix(req.Model, "models/")}

	if req.SystemInstruction != nil {
		var texts []string
		for _, p := range req.SystemInstruction.Parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		if len(texts) > 0 {
			content, _ := json.Marshal(strings.Join(texts, "\n"))
			out.Messages = append(out.Messages, protocol.ChatMessage{Role: "system", Content: content})
		}
	}

	for _, c := range req.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		out.Messages = append(out.Messages, geminiContentToChat(role, c.Parts)...)
	}

	for i := range req.Tools {
		for _, d := range req.Tools[i].FunctionDeclarations {
			out.Tools = append(out.Tools, protocol.ChatTool{
				Type: "function",
				Function: &protocol.ChatFunction{
					Name:        d.Name,
					Description: d.Description,
					Parameters:  d.Parameters,
				},
			})
		}
	}

	if req.ToolConfig != nil && req.ToolConfig.FunctionCallingConfig != nil {
		out.ToolChoice = geminiModeToChatChoice(req.ToolConfig.FunctionCallingConfig)
	}

	if gc := req.GenerationConfig; gc != nil {
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.Stop = encodeStop(gc.StopSequences)
		if gc.MaxOutputTokens != nil && *gc.MaxOutputTokens > 0 {
			out.MaxTokens = gc.MaxOutputTokens
		}
		if e := effortFromGemini(gc.ThinkingConfig); e != effortUnset {
			out.ReasoningEffort = e.toChatEffort()
		}
	}
	return out
}

// geminiContentToChat expands one content turn into chat messages; function
// responses split out as tool-role messages.
func geminiContentToChat(role string, geminiParts []protocol.GeminiPart) []protocol.ChatMessage {
	var msgs []protocol.ChatMessage
	var parts []protocol.ChatContentPart
	var toolCalls []protocol.ChatToolCall

	for i, p := range geminiParts {
		switch {
		case p.FunctionCall != nil:
			id := p.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			toolCalls = append(toolCalls, protocol.ChatToolCall{
				ID:   id,
				Type: "function",
				Function: protocol.ChatFunctionCall{
					Name:      p.FunctionCall.Name,
					Arguments: argsString(p.FunctionCall.Args),
				},
			})
		case p.FunctionResponse != nil:
			id := p.FunctionResponse.ID
			if id == "" {
				id = p.FunctionResponse.Name
			}
			content, _ := json.Marshal(string(p.FunctionResponse.Response))
			msgs = append(msgs, protocol.ChatMessage{Role: "tool", ToolCallID: id, Content: content})
		case p.InlineData != nil:
			url := dataURL(p.InlineData.MimeType, p.InlineData.Data)
			if p.InlineData.MimeType == "application/pdf" {
				parts = append(parts, protocol.ChatContentPart{Type: "file", File: &protocol.ChatFilePart{FileData: url}})
			} else {
				parts = append(parts, protocol.ChatContentPart{Type: "image_url", ImageURL: &protocol.ChatImageURL{URL: url}})
			}
		case p.FileData != nil:
			parts = append(parts, protocol.ChatContentPart{Type: "image_url", ImageURL: &protocol.ChatImageURL{URL: p.FileData.FileURI}})
		case p.Thought:
			// reasoning has no inbound chat representation
		case p.Text != "":
			parts = append(parts, protocol.ChatContentPart{Type: "text", Text: p.Text})
		}
	}

	if len(parts) > 0 || len(toolCalls) > 0 {
		msg := protocol.ChatMessage{Role: role, ToolCalls: toolCalls}
		msg.Content = marshalChatContent(parts)
		msgs = append(msgs, msg)
	}
	return msgs
}

func geminiModeToChatChoice(cfg *protocol.GeminiFunctionCallingConfig) json.RawMessage {
	switch cfg.Mode {
	case "AUTO":
		return json.RawMessage(`"auto"`)
	case "NONE":
		return json.RawMessage(`"none"`)
	case "ANY":
		if len(cfg.AllowedFunctionNames) == 1 {
			b, _ := json.Marshal(map[string]any{"type": "function", "function": map[string]string{"name": cfg.AllowedFunctionNames[0]}})
			return b
		}
		return json.RawMessage(`"required"`)
	default:
		return nil
	}
}

// ChatToGeminiResponse converts a Chat Completions response into a Gemini
// generateContent response.
func ChatToGeminiResponse(resp *protocol.ChatResponse) *protocol.GeminiResponse {
	var parts []protocol.GeminiPart
	finish := protocol.GeminiFinishStop

	if len(resp.Choices) > 0 {
		choice := &resp.Choices[0]
		for _, p := range choice.Message.ContentParts() {
			if p.Type == "text" && p.Text != "" {
				parts = append(parts, protocol.GeminiPart{Text: p.Text})
			}
		}
		if choice.Message.Refusal != "" {
			parts = append(parts, protocol.GeminiPart{Text: choice.Message.Refusal})
		}
		for _, tc := range choice.Message.ToolCalls {
			parts = append(parts, protocol.GeminiPart{FunctionCall: &protocol.GeminiFunctionCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: rawArgs(tc.Function.Arguments),
			}})
		}
		finish = chatFinishToGeminiFinish(choice.FinishReason)
	}

	out := &protocol.GeminiResponse{
		ResponseID:   resp.ID,
		ModelVersion: "models/" + resp.Model,
		Candidates: []protocol.GeminiCandidate{{
			Content:      protocol.GeminiContent{Role: "model", Parts: parts},
			FinishReason: finish,
		}},
	}
	if u := resp.Usage; u != nil {
		out.UsageMetadata = &protocol.GeminiUsageMetadata{
			PromptTokenCount:     u.PromptTokens,
			CandidatesTokenCount: u.CompletionTokens,
			TotalTokenCount:      u.TotalTokens,
		}
	}
	return out
}

// --- openai chat -> gemini (request direction) ---

// ChatToGeminiRequest converts a Chat Completions request into a Gemini
// generateContent request.
func ChatToGeminiRequest(req *protocol.ChatRequest) *protocol.GeminiRequest {
	out := &protocol.GeminiRequest{Model: req.Model}

	var sysTexts []string
	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case "system", "developer":
			for _, p := range m.ContentParts() {
				if p.Type == "text" && p.Text != "" {
					sysTexts = append(sysTexts, p.Text)
				}
			}
		case "tool":
			resp, _ := json.Marshal(map[string]any{"result": chatPartsText(m.ContentParts())})
			out.Contents = append(out.Contents, protocol.GeminiContent{
				Role: "user",
				Parts: []protocol.GeminiPart{{FunctionResponse: &protocol.GeminiFunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.ToolCallID,
					Response: resp,
				}}},
			})
		case "user", "assistant":
			role := "user"
			if m.Role == "assistant" {
				role = "model"
			}
			parts := chatPartsToGemini(m.ContentParts())
			for _, tc := range m.ToolCalls {
				parts = append(parts, protocol.GeminiPart{FunctionCall: &protocol.GeminiFunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: rawArgs(tc.Function.Arguments),
				}})
			}
			if len(parts) > 0 {
				out.Contents = append(out.Contents, protocol.GeminiContent{Role: role, Parts: parts})
			}
		}
	}
	if len(sysTexts) > 0 {
		out.SystemInstruction = &protocol.GeminiContent{Parts: []protocol.GeminiPart{{Text: strings.Join(sysTexts, "\n")}}}
	}

	var group protocol.GeminiTool
	for i := range req.Tools {
		t := &req.Tools[i]
		if t.Type != "function" || t.Function == nil {
			continue
		}
		group.FunctionDeclarations = append(group.FunctionDeclarations, protocol.GeminiFunctionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  downConvertSchema(t.Function.Parameters),
		})
	}
	if len(group.FunctionDeclarations) > 0 {
		out.Tools = []protocol.GeminiTool{group}
	}

	out.ToolConfig = chatChoiceToGeminiConfig(req.ToolChoice)

	gc := &protocol.GeminiGenerationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: stopSequences(req.Stop),
	}
	switch {
	case req.MaxCompletionTokens != nil && *req.MaxCompletionTokens > 0:
		gc.MaxOutputTokens = req.MaxCompletionTokens
	case req.MaxTokens != nil && *req.MaxTokens > 0:
		gc.MaxOutputTokens = req.MaxTokens
	}
	if req.ReasoningEffort != "" {
		gc.ThinkingConfig = effortFromChat(req.ReasoningEffort).toGeminiThinking()
	}
	out.GenerationConfig = gc
	return out
}

func chatPartsToGemini(parts []protocol.ChatContentPart) []protocol.GeminiPart {
	var out []protocol.GeminiPart
	for _, p := range parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				out = append(out, protocol.GeminiPart{Text: p.Text})
			}
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if src, ok := parseDataURL(p.ImageURL.URL); ok {
				out = append(out, protocol.GeminiPart{InlineData: &protocol.GeminiBlob{MimeType: src.MediaType, Data: src.Data}})
			} else {
				out = append(out, protocol.GeminiPart{FileData: &protocol.GeminiFileData{FileURI: p.ImageURL.URL}})
			}
		case "file":
			if p.File == nil {
				continue
			}
			switch {
			case p.File.FileData != "":
				if src, ok := parseDataURL(p.File.FileData); ok {
					out = append(out, protocol.GeminiPart{InlineData: &protocol.GeminiBlob{MimeType: src.MediaType, Data: src.Data}})
				}
			case p.File.FileID != "":
				out = append(out, protocol.GeminiPart{Text: filePlaceholder("document", p.File.FileID)})
			}
		}
	}
	return out
}

func chatChoiceToGeminiConfig(raw json.RawMessage) *protocol.GeminiToolConfig {
	if len(raw) == 0 {
		return nil
	}
	cfg := &protocol.GeminiFunctionCallingConfig{}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "auto":
			cfg.Mode = "AUTO"
		case "required":
			cfg.Mode = "ANY"
		case "none":
			cfg.Mode = "NONE"
		default:
			return nil
		}
		return &protocol.GeminiToolConfig{FunctionCallingConfig: cfg}
	}
	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &named) == nil && named.Function.Name != "" {
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{named.Function.Name}
		return &protocol.GeminiToolConfig{FunctionCallingConfig: cfg}
	}
	return nil
}

// GeminiToChatResponse converts a Gemini generateContent response into a
// Chat Completions response.
func GeminiToChatResponse(resp *protocol.GeminiResponse) *protocol.ChatResponse {
	msg := protocol.ChatMessage{Role: "assistant"}
	var text strings.Builder
	sawTools := false
	finish := ""

	if len(resp.Candidates) > 0 {
		cand := &resp.Candidates[0]
		finish = cand.FinishReason
		for i, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				sawTools = true
				id := p.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("call_%d", i)
				}
				msg.ToolCalls = append(msg.ToolCalls, protocol.ChatToolCall{
					ID:   id,
					Type: "function",
					Function: protocol.ChatFunctionCall{
						Name:      p.FunctionCall.Name,
						Arguments: argsString(p.FunctionCall.Args),
					},
				})
			case p.Thought:
				// dropped: chat has no reasoning content field
			case p.Text != "":
				text.WriteString(p.Text)
			}
		}
	}
	if text.Len() > 0 {
		msg.Content, _ = json.Marshal(text.String())
	}

	id := resp.ResponseID
	if id == "" {
		id = "chatcmpl-unknown"
	}
	out := &protocol.ChatResponse{
		ID:     id,
		Object: "chat.completion",
		Model:  strings.TrimPrefix(resp.ModelVersion, "models/"),
		Choices: []protocol.ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: geminiFinishToChatFinish(finish, sawTools),
		}},
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &protocol.ChatUsage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return out
}
