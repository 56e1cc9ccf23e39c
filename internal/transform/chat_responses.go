package transform

import (
	"encoding/json"

	"github.com/eugener/heimdall/internal/protocol"
)

// --- openai chat -> openai responses (request direction) ---

// ChatToResponsesRequest converts a Chat Completions request into a
// Responses API request.
func ChatToResponsesRequest(req *protocol.ChatRequest) *protocol.ResponsesRequest {
	out := &protocol.ResponsesRequest{
		Model:             req.Model,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		ParallelToolCalls: req.ParallelToolCalls,
		User:              req.User,
	}
	switch {
	case req.MaxCompletionTokens != nil && *req.MaxCompletionTokens > 0:
		out.MaxOutputTokens = req.MaxCompletionTokens
	case req.MaxTokens != nil && *req.MaxTokens > 0:
		out.MaxOutputTokens = req.MaxTokens
	}

	var items []protocol.ResponsesInputItem
	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case "system", "developer":
			if text := chatPartsText(m.ContentParts()); text != "" {
				if out.Instructions != "" {
					out.Instructions += "\n"
				}
				out.Instructions += text
			}
		case "tool":
			output, _ := json.Marshal(chatPartsText(m.ContentParts()))
			items = append(items, protocol.ResponsesInputItem{
				Type:   "function_call_output",
				CallID: m.ToolCallID,
				Output: output,
			})
		case "user", "assistant":
			parts := chatPartsToResponses(m.Role, m.ContentParts())
			if len(parts) > 0 {
				content, _ := json.Marshal(parts)
				items = append(items, protocol.ResponsesInputItem{Type: "message", Role: m.Role, Content: content})
			}
			for _, tc := range m.ToolCalls {
				items = append(items, protocol.ResponsesInputItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
	}
	if len(items) > 0 {
		out.Input, _ = json.Marshal(items)
	}

	for i := range req.Tools {
		t := &req.Tools[i]
		if t.Type != "function" || t.Function == nil {
			continue
		}
		out.Tools = append(out.Tools, protocol.ResponsesTool{
			Type:        "function",
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
			Strict:      t.Function.Strict,
		})
	}

	out.ToolChoice = chatChoiceToResponses(req.ToolChoice)
	if req.ReasoningEffort != "" {
		out.Reasoning = &protocol.ResponsesReasoning{Effort: req.ReasoningEffort}
	}
	if rf := req.ResponseFormat; rf != nil {
		out.Text = chatFormatToResponses(rf)
	}
	return out
}

func chatPartsToResponses(role string, parts []protocol.ChatContentPart) []protocol.ResponsesContentPart {
	textType := "input_text"
	if role == "assistant" {
		textType = "output_text"
	}
	var out []protocol.ResponsesContentPart
	for _, p := range parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				out = append(out, protocol.ResponsesContentPart{Type: textType, Text: p.Text})
			}
		case "image_url":
			if p.ImageURL != nil {
				out = append(out, protocol.ResponsesContentPart{Type: "input_image", ImageURL: p.ImageURL.URL, Detail: p.ImageURL.Detail})
			}
		case "file":
			if p.File == nil {
				continue
			}
			out = append(out, protocol.ResponsesContentPart{
				Type:     "input_file",
				FileID:   p.File.FileID,
				FileData: p.File.FileData,
				Filename: p.File.Filename,
			})
		}
	}
	return out
}

// chatChoiceToResponses re-shapes tool_choice; the named form loses its
// function nesting in Responses.
func chatChoiceToResponses(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return raw
	}
	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &named) == nil && named.Function.Name != "" {
		b, _ := json.Marshal(map[string]string{"type": "function", "name": named.Function.Name})
		return b
	}
	return nil
}

func chatFormatToResponses(rf *protocol.ChatResponseFormat) *protocol.ResponsesTextConfig {
	switch rf.Type {
	case "json_object":
		return &protocol.ResponsesTextConfig{Format: &protocol.ResponsesTextFormat{Type: "json_object"}}
	case "json_schema":
		format := &protocol.ResponsesTextFormat{Type: "json_schema"}
		var schema struct {
			Name   string          `json:"name"`
			Schema json.RawMessage `json:"schema"`
			Strict *bool           `json:"strict"`
		}
		if json.Unmarshal(rf.JSONSchema, &schema) == nil {
			format.Name = schema.Name
			format.Schema = schema.Schema
			format.Strict = schema.Strict
		}
		return &protocol.ResponsesTextConfig{Format: format}
	default:
		return nil
	}
}

// ResponsesToChatResponse converts a Responses API response into a Chat
// Completions response.
func ResponsesToChatResponse(resp *protocol.ResponsesResponse) *protocol.ChatResponse {
	msg := protocol.ChatMessage{Role: "assistant"}
	var text string
	sawTools, sawRefusal := false, false

	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, p := range item.Content {
				switch p.Type {
				case "output_text":
					text += p.Text
				case "refusal":
					msg.Refusal = p.Refusal
					sawRefusal = true
				}
			}
		case "function_call", "mcp_call":
			sawTools = true
			id := item.CallID
			if id == "" {
				id = item.ID
			}
			msg.ToolCalls = append(msg.ToolCalls, protocol.ChatToolCall{
				ID:   id,
				Type: "function",
				Function: protocol.ChatFunctionCall{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})
		}
	}
	if text != "" {
		msg.Content, _ = json.Marshal(text)
	}

	out := &protocol.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.CreatedAt,
		Model:   resp.Model,
		Choices: []protocol.ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: responsesStatusToChatFinish(resp.Status, resp.IncompleteDetails, sawTools, sawRefusal),
		}},
	}
	if u := resp.Usage; u != nil {
		out.Usage = &protocol.ChatUsage{
			PromptTokens:     u.InputTokens,
			CompletionTokens: u.OutputTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out
}

// --- openai responses -> openai chat (request direction) ---

// ResponsesToChatRequest converts a Responses API request into a Chat
// Completions request.
func ResponsesToChatRequest(req *protocol.ResponsesRequest) *protocol.ChatRequest {
	out := &protocol.ChatRequest{
		Model:               req.Model,
		Temperature:         req.Temperature,
		TopP:                req.TopP,
		MaxCompletionTokens: req.MaxOutputTokens,
		ParallelToolCalls:   req.ParallelToolCalls,
		User:                req.User,
	}
	if req.Instructions != "" {
		content, _ := json.Marshal(req.Instructions)
		out.Messages = append(out.Messages, protocol.ChatMessage{Role: "system", Content: content})
	}

	// Adjacent function_call items fold into one assistant message so paired
	// tool results can follow in order.
	var pendingCalls []protocol.ChatToolCall
	flushCalls := func() {
		if len(pendingCalls) == 0 {
			return
		}
		out.Messages = append(out.Messages, protocol.ChatMessage{Role: "assistant", ToolCalls: pendingCalls})
		pendingCalls = nil
	}

	for _, item := range req.InputItems() {
		switch {
		case item.Type == "function_call":
			pendingCalls = append(pendingCalls, protocol.ChatToolCall{
				ID:   item.CallID,
				Type: "function",
				Function: protocol.ChatFunctionCall{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})
		case item.Type == "function_call_output":
			flushCalls()
			content, _ := json.Marshal(rawToString(item.Output))
			out.Messages = append(out.Messages, protocol.ChatMessage{
				Role:       "tool",
				ToolCallID: item.CallID,
				Content:    content,
			})
		case item.Type == "message" || item.Type == "":
			flushCalls()
			role := item.Role
			if role == "" {
				role = "user"
			}
			if role == "developer" {
				role = "system"
			}
			parts := responsesPartsToChat(item.ContentParts())
			if len(parts) > 0 {
				out.Messages = append(out.Messages, protocol.ChatMessage{
					Role:    role,
					Content: marshalChatContent(parts),
				})
			}
		}
	}
	flushCalls()

	for i := range req.Tools {
		t := &req.Tools[i]
		if t.Type != "function" {
			continue // chat has no built-in counterparts
		}
		out.Tools = append(out.Tools, protocol.ChatTool{
			Type: "function",
			Function: &protocol.ChatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
				Strict:      t.Strict,
			},
		})
	}

	out.ToolChoice = responsesChoiceToChat(req.ToolChoice)
	if req.Reasoning != nil && req.Reasoning.Effort != "" {
		out.ReasoningEffort = req.Reasoning.Effort
	}
	if req.Text != nil && req.Text.Format != nil {
		out.ResponseFormat = responsesFormatToChat(req.Text.Format)
	}
	return out
}

func responsesPartsToChat(parts []protocol.ResponsesContentPart) []protocol.ChatContentPart {
	var out []protocol.ChatContentPart
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text":
			if p.Text != "" {
				out = append(out, protocol.ChatContentPart{Type: "text", Text: p.Text})
			}
		case "refusal":
			if p.Refusal != "" {
				out = append(out, protocol.ChatContentPart{Type: "text", Text: p.Refusal})
			}
		case "input_image":
			switch {
			case p.ImageURL != "":
				out = append(out, protocol.ChatContentPart{Type: "image_url", ImageURL: &protocol.ChatImageURL{URL: p.ImageURL, Detail: p.Detail}})
			case p.FileID != "":
				out = append(out, protocol.ChatContentPart{Type: "text", Text: filePlaceholder("image", p.FileID)})
			}
		case "input_file":
			out = append(out, protocol.ChatContentPart{Type: "file", File: &protocol.ChatFilePart{
				FileID:   p.FileID,
				FileData: p.FileData,
				Filename: p.Filename,
			}})
		}
	}
	return out
}

func responsesChoiceToChat(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return raw
	}
	var named struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(raw, &named) == nil && named.Name != "" {
		b, _ := json.Marshal(map[string]any{"type": "function", "function": map[string]string{"name": named.Name}})
		return b
	}
	return nil
}

func responsesFormatToChat(f *protocol.ResponsesTextFormat) *protocol.ChatResponseFormat {
	switch f.Type {
	case "json_object":
		return &protocol.ChatResponseFormat{Type: "json_object"}
	case "json_schema":
		schema, _ := json.Marshal(map[string]any{
			"name":   f.Name,
			"schema": f.Schema,
			"strict": f.Strict,
		})
		return &protocol.ChatResponseFormat{Type: "json_schema", JSONSchema: schema}
	default:
		return nil
	}
}

// ChatToResponsesResponse converts a Chat Completions response into a
// Responses API response.
func ChatToResponsesResponse(resp *protocol.ChatResponse) *protocol.ResponsesResponse {
	out := &protocol.ResponsesResponse{
		ID:        resp.ID,
		Object:    "response",
		CreatedAt: resp.Created,
		Model:     resp.Model,
	}

	maxTokens, filtered := false, false
	if len(resp.Choices) > 0 {
		choice := &resp.Choices[0]
		switch choice.FinishReason {
		case protocol.ChatFinishLength:
			maxTokens = true
		case protocol.ChatFinishContentFilter:
			filtered = true
		}

		var msgParts []protocol.ResponsesContentPart
		for _, p := range choice.Message.ContentParts() {
			if p.Type == "text" && p.Text != "" {
				msgParts = append(msgParts, protocol.ResponsesContentPart{Type: "output_text", Text: p.Text})
			}
		}
		if choice.Message.Refusal != "" {
			msgParts = append(msgParts, protocol.ResponsesContentPart{Type: "refusal", Refusal: choice.Message.Refusal})
		}
		if len(msgParts) > 0 {
			out.Output = append(out.Output, protocol.ResponsesOutputItem{
				Type:    "message",
				ID:      "msg_" + resp.ID,
				Role:    "assistant",
				Status:  protocol.ResponsesStatusCompleted,
				Content: msgParts,
			})
		}
		for _, tc := range choice.Message.ToolCalls {
			out.Output = append(out.Output, protocol.ResponsesOutputItem{
				Type:      "function_call",
				ID:        "fc_" + tc.ID,
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
				Status:    protocol.ResponsesStatusCompleted,
			})
		}
	}

	out.Status, out.IncompleteDetails = terminalStatus(maxTokens, filtered)

	if u := resp.Usage; u != nil {
		out.Usage = &protocol.ResponsesUsage{
			InputTokens:  u.PromptTokens,
			OutputTokens: u.CompletionTokens,
			TotalTokens:  u.TotalTokens,
		}
	}
	return out
}
