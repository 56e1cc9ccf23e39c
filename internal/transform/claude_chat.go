package transform

import (
	"encoding/json"
	"strings"

	"github.com/eugener/heimdall/internal/protocol"
)

// --- claude -> openai chat (request direction) ---

// ClaudeToChatRequest converts a Claude Messages request into a Chat
// Completions request.
func ClaudeToChatRequest(req *protocol.ClaudeRequest) *protocol.ChatRequest {
	out := &protocol.ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        encodeStop(req.StopSequences),
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}
	if sys := claudeSystemText(req.System); sys != "" {
		content, _ := json.Marshal(sys)
		out.Messages = append(out.Messages, protocol.ChatMessage{Role: "system", Content: content})
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, claudeMessageToChat(&m)...)
	}

	for i := range req.Tools {
		t := &req.Tools[i]
		if t.IsBuiltin() {
			continue // chat has no built-in counterparts
		}
		out.Tools = append(out.Tools, protocol.ChatTool{
			Type: "function",
			Function: &protocol.ChatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	if tc := req.ToolChoice; tc != nil {
		out.ToolChoice = claudeChoiceToChat(tc)
		if tc.DisableParallelToolUse != nil {
			enabled := !*tc.DisableParallelToolUse
			out.ParallelToolCalls = &enabled
		}
	}

	if e := effortFromClaude(req.Thinking, req.OutputConfig); e != effortUnset {
		out.ReasoningEffort = e.toChatEffort()
	}
	if req.Metadata != nil {
		out.User = req.Metadata.UserID
	}
	return out
}

// claudeMessageToChat expands one Claude message into chat messages; tool
// results split into separate tool-role messages keyed by call id.
func claudeMessageToChat(m *protocol.ClaudeMessage) []protocol.ChatMessage {
	var msgs []protocol.ChatMessage
	var parts []protocol.ChatContentPart
	var toolCalls []protocol.ChatToolCall

	for _, b := range m.ContentBlocks() {
		switch b.Type {
		case "text":
			parts = append(parts, protocol.ChatContentPart{Type: "text", Text: b.Text})
		case "image":
			if b.Source == nil {
				continue
			}
			switch b.Source.Type {
			case "url":
				parts = append(parts, protocol.ChatContentPart{Type: "image_url", ImageURL: &protocol.ChatImageURL{URL: b.Source.URL}})
			case "base64":
				parts = append(parts, protocol.ChatContentPart{Type: "image_url", ImageURL: &protocol.ChatImageURL{URL: dataURL(b.Source.MediaType, b.Source.Data)}})
			case "file":
				parts = append(parts, protocol.ChatContentPart{Type: "text", Text: filePlaceholder("image", b.Source.FileID)})
			}
		case "document":
			if b.Source == nil {
				continue
			}
			switch b.Source.Type {
			case "base64":
				parts = append(parts, protocol.ChatContentPart{Type: "file", File: &protocol.ChatFilePart{FileData: dataURL(b.Source.MediaType, b.Source.Data)}})
			case "file":
				parts = append(parts, protocol.ChatContentPart{Type: "file", File: &protocol.ChatFilePart{FileID: b.Source.FileID}})
			case "url":
				parts = append(parts, protocol.ChatContentPart{Type: "text", Text: "[document url: " + b.Source.URL + "]"})
			}
		case "tool_use", "mcp_tool_use":
			toolCalls = append(toolCalls, protocol.ChatToolCall{
				ID:   b.ID,
				Type: "function",
				Function: protocol.ChatFunctionCall{
					Name:      b.Name,
					Arguments: argsString(b.Input),
				},
			})
		case "tool_result", "mcp_tool_result":
			content, _ := json.Marshal(rawToString(b.Content))
			msgs = append(msgs, protocol.ChatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    content,
			})
		}
	}

	if len(parts) > 0 || len(toolCalls) > 0 {
		msg := protocol.ChatMessage{Role: m.Role, ToolCalls: toolCalls}
		msg.Content = marshalChatContent(parts)
		msgs = append(msgs, msg)
	}
	return msgs
}

// marshalChatContent encodes parts, collapsing a single text part to the
// plain string form.
func marshalChatContent(parts []protocol.ChatContentPart) json.RawMessage {
	if len(parts) == 0 {
		return nil
	}
	if len(parts) == 1 && parts[0].Type == "text" {
		b, _ := json.Marshal(parts[0].Text)
		return b
	}
	b, _ := json.Marshal(parts)
	return b
}

func claudeChoiceToChat(tc *protocol.ClaudeToolChoice) json.RawMessage {
	switch tc.Type {
	case "auto":
		return json.RawMessage(`"auto"`)
	case "any":
		return json.RawMessage(`"required"`)
	case "none":
		return json.RawMessage(`"none"`)
	case "tool":
		b, _ := json.Marshal(map[string]any{"type": "function", "function": map[string]string{"name": tc.Name}})
		return b
	default:
		return nil
	}
}

// ChatToClaudeResponse converts a Chat Completions response into a Claude
// Messages response.
func ChatToClaudeResponse(resp *protocol.ChatResponse) *protocol.ClaudeResponse {
	out := &protocol.ClaudeResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}

	if len(resp.Choices) > 0 {
		choice := &resp.Choices[0]
		if choice.Message.Refusal != "" {
			out.Content = append(out.Content, protocol.ClaudeBlock{Type: "text", Text: choice.Message.Refusal})
			out.StopReason = protocol.ClaudeStopRefusal
		}
		for _, p := range choice.Message.ContentParts() {
			if p.Type == "text" && p.Text != "" {
				out.Content = append(out.Content, protocol.ClaudeBlock{Type: "text", Text: p.Text})
			}
		}
		for _, tc := range choice.Message.ToolCalls {
			out.Content = append(out.Content, protocol.ClaudeBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: rawArgs(tc.Function.Arguments),
			})
		}
		if out.StopReason == "" {
			out.StopReason = chatFinishToClaudeStop(choice.FinishReason)
		}
	}

	if u := resp.Usage; u != nil {
		out.Usage = &protocol.ClaudeUsage{
			InputTokens:  u.PromptTokens,
			OutputTokens: u.CompletionTokens,
		}
	}
	return out
}

// --- openai chat -> claude (request direction) ---

// ChatToClaudeRequest converts a Chat Completions request into a Claude
// Messages request.
func ChatToClaudeRequest(req *protocol.ChatRequest) *protocol.ClaudeRequest {
	out := &protocol.ClaudeRequest{
		Model:         req.Model,
		MaxTokens:     DefaultClaudeMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: stopSequences(req.Stop),
	}
	switch {
	case req.MaxCompletionTokens != nil && *req.MaxCompletionTokens > 0:
		out.MaxTokens = *req.MaxCompletionTokens
	case req.MaxTokens != nil && *req.MaxTokens > 0:
		out.MaxTokens = *req.MaxTokens
	}

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
			block := protocol.ClaudeBlock{Type: "tool_result", ToolUseID: m.ToolCallID}
			block.Content, _ = json.Marshal(chatPartsText(m.ContentParts()))
			out.Messages = append(out.Messages, protocol.ClaudeMessage{
				Role:    "user",
				Content: marshalClaudeContent([]protocol.ClaudeBlock{block}),
			})
		case "user", "assistant":
			blocks := chatPartsToClaudeBlocks(m.ContentParts())
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, protocol.ClaudeBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: rawArgs(tc.Function.Arguments),
				})
			}
			if len(blocks) > 0 {
				out.Messages = append(out.Messages, protocol.ClaudeMessage{
					Role:    m.Role,
					Content: marshalClaudeContent(blocks),
				})
			}
		}
	}
	if len(sysTexts) > 0 {
		out.System, _ = json.Marshal(strings.Join(sysTexts, "\n"))
	}

	for i := range req.Tools {
		t := &req.Tools[i]
		if t.Type != "function" || t.Function == nil {
			continue
		}
		out.Tools = append(out.Tools, protocol.ClaudeTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	out.ToolChoice = chatChoiceToClaude(req.ToolChoice)
	if req.ParallelToolCalls != nil && out.ToolChoice != nil {
		disabled := !*req.ParallelToolCalls
		out.ToolChoice.DisableParallelToolUse = &disabled
	}

	thinking, oc := effortFromChat(req.ReasoningEffort).toClaudeThinking()
	if req.ReasoningEffort != "" {
		out.Thinking = thinking
		out.OutputConfig = oc
	}
	if req.User != "" {
		out.Metadata = &protocol.ClaudeMetadata{UserID: req.User}
	}
	return out
}

func chatPartsText(parts []protocol.ChatContentPart) string {
	var texts []string
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func chatPartsToClaudeBlocks(parts []protocol.ChatContentPart) []protocol.ClaudeBlock {
	var blocks []protocol.ClaudeBlock
	for _, p := range parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				blocks = append(blocks, protocol.ClaudeBlock{Type: "text", Text: p.Text})
			}
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if src, ok := parseDataURL(p.ImageURL.URL); ok {
				blocks = append(blocks, protocol.ClaudeBlock{Type: "image", Source: src})
			} else {
				blocks = append(blocks, protocol.ClaudeBlock{
					Type:   "image",
					Source: &protocol.ClaudeSource{Type: "url", URL: p.ImageURL.URL},
				})
			}
		case "file":
			if p.File == nil {
				continue
			}
			switch {
			case p.File.FileData != "":
				if src, ok := parseDataURL(p.File.FileData); ok {
					blocks = append(blocks, protocol.ClaudeBlock{Type: "document", Source: src})
				}
			case p.File.FileID != "":
				blocks = append(blocks, protocol.ClaudeBlock{
					Type:   "document",
					Source: &protocol.ClaudeSource{Type: "file", FileID: p.File.FileID},
				})
			}
		}
	}
	return blocks
}

// parseDataURL splits "data:<mime>;base64,<data>" into a base64 source.
func parseDataURL(url string) (*protocol.ClaudeSource, bool) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return nil, false
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, false
	}
	mime, _ := strings.CutSuffix(meta, ";base64")
	return &protocol.ClaudeSource{Type: "base64", MediaType: mime, Data: data}, true
}

func chatChoiceToClaude(raw json.RawMessage) *protocol.ClaudeToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "auto":
			return &protocol.ClaudeToolChoice{Type: "auto"}
		case "required":
			return &protocol.ClaudeToolChoice{Type: "any"}
		case "none":
			return &protocol.ClaudeToolChoice{Type: "none"}
		}
		return nil
	}
	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &named) == nil && named.Function.Name != "" {
		return &protocol.ClaudeToolChoice{Type: "tool", Name: named.Function.Name}
	}
	return nil
}

// ClaudeToChatResponse converts a Claude Messages response into a Chat
// Completions response.
func ClaudeToChatResponse(resp *protocol.ClaudeResponse) *protocol.ChatResponse {
	msg := protocol.ChatMessage{Role: "assistant"}
	var text strings.Builder
	sawTools := false

	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use", "server_tool_use", "mcp_tool_use":
			sawTools = true
			msg.ToolCalls = append(msg.ToolCalls, protocol.ChatToolCall{
				ID:   b.ID,
				Type: "function",
				Function: protocol.ChatFunctionCall{
					Name:      b.Name,
					Arguments: argsString(b.Input),
				},
			})
		}
	}
	if text.Len() > 0 {
		msg.Content, _ = json.Marshal(text.String())
	}

	out := &protocol.ChatResponse{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []protocol.ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: claudeStopToChatFinish(resp.StopReason, sawTools),
		}},
	}
	if u := resp.Usage; u != nil {
		out.Usage = &protocol.ChatUsage{
			PromptTokens:     u.InputTokens,
			CompletionTokens: u.OutputTokens,
			TotalTokens:      u.InputTokens + u.OutputTokens,
		}
	}
	return out
}
