package transform

import (
	"encoding/json"

	"github.com/eugener/heimdall/internal/protocol"
)

// --- claude -> openai responses (request direction) ---

// ClaudeToResponsesRequest converts a Claude Messages request into a
// Responses API request.
func ClaudeToResponsesRequest(req *protocol.ClaudeRequest) *protocol.ResponsesRequest {
	out := &protocol.ResponsesRequest{
		Model:        req.Model,
		Instructions: claudeSystemText(req.System),
		Temperature:  req.Temperature,
		TopP:         req.TopP,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxOutputTokens = &mt
	}

	var items []protocol.ResponsesInputItem
	for i := range req.Messages {
		items = append(items, claudeMessageToResponsesItems(&req.Messages[i])...)
	}
	if len(items) > 0 {
		out.Input, _ = json.Marshal(items)
	}

	for i := range req.Tools {
		t := &req.Tools[i]
		if t.IsBuiltin() {
			if bt := claudeBuiltinToResponses(t); bt != nil {
				out.Tools = append(out.Tools, *bt)
			}
			continue
		}
		out.Tools = append(out.Tools, protocol.ResponsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	out.Tools = append(out.Tools, claudeMCPToResponses(req.MCPServers)...)

	if tc := req.ToolChoice; tc != nil {
		out.ToolChoice = claudeChoiceToResponses(tc)
		if tc.DisableParallelToolUse != nil {
			enabled := !*tc.DisableParallelToolUse
			out.ParallelToolCalls = &enabled
		}
	}

	if e := effortFromClaude(req.Thinking, req.OutputConfig); e != effortUnset {
		out.Reasoning = e.toResponsesReasoning()
	}
	if req.Metadata != nil {
		out.User = req.Metadata.UserID
	}
	return out
}

// claudeMessageToResponsesItems expands one Claude message into input items.
// Tool calls and tool results become standalone function_call items; content
// blocks fold into a single message item.
func claudeMessageToResponsesItems(m *protocol.ClaudeMessage) []protocol.ResponsesInputItem {
	var items []protocol.ResponsesInputItem
	var parts []protocol.ResponsesContentPart

	partType := "input_text"
	if m.Role == "assistant" {
		partType = "output_text"
	}

	for _, b := range m.ContentBlocks() {
		switch b.Type {
		case "text":
			parts = append(parts, protocol.ResponsesContentPart{Type: partType, Text: b.Text})
		case "image":
			if b.Source == nil {
				continue
			}
			switch b.Source.Type {
			case "url":
				parts = append(parts, protocol.ResponsesContentPart{Type: "input_image", ImageURL: b.Source.URL})
			case "base64":
				parts = append(parts, protocol.ResponsesContentPart{Type: "input_image", ImageURL: dataURL(b.Source.MediaType, b.Source.Data)})
			case "file":
				parts = append(parts, protocol.ResponsesContentPart{Type: "input_image", FileID: b.Source.FileID})
			}
		case "document":
			if b.Source == nil {
				continue
			}
			switch b.Source.Type {
			case "base64":
				parts = append(parts, protocol.ResponsesContentPart{Type: "input_file", FileData: dataURL(b.Source.MediaType, b.Source.Data)})
			case "url":
				parts = append(parts, protocol.ResponsesContentPart{Type: "input_file", FileURL: b.Source.URL})
			case "file":
				parts = append(parts, protocol.ResponsesContentPart{Type: "input_file", FileID: b.Source.FileID})
			}
		case "tool_use", "mcp_tool_use":
			items = append(items, protocol.ResponsesInputItem{
				Type:      "function_call",
				CallID:    b.ID,
				Name:      b.Name,
				Arguments: argsString(b.Input),
			})
		case "tool_result", "mcp_tool_result":
			output, _ := json.Marshal(rawToString(b.Content))
			items = append(items, protocol.ResponsesInputItem{
				Type:   "function_call_output",
				CallID: b.ToolUseID,
				Output: output,
			})
		}
	}

	if len(parts) > 0 {
		content, _ := json.Marshal(parts)
		items = append(items, protocol.ResponsesInputItem{Type: "message", Role: m.Role, Content: content})
	}
	return items
}

func claudeChoiceToResponses(tc *protocol.ClaudeToolChoice) json.RawMessage {
	switch tc.Type {
	case "auto":
		return json.RawMessage(`"auto"`)
	case "any":
		return json.RawMessage(`"required"`)
	case "none":
		return json.RawMessage(`"none"`)
	case "tool":
		b, _ := json.Marshal(map[string]string{"type": "function", "name": tc.Name})
		return b
	default:
		return nil
	}
}

// ResponsesToClaudeResponse converts a Responses API response into a Claude
// Messages response.
func ResponsesToClaudeResponse(resp *protocol.ResponsesResponse) *protocol.ClaudeResponse {
	out := &protocol.ClaudeResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}

	sawTools := false
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, p := range item.Content {
				switch p.Type {
				case "output_text":
					out.Content = append(out.Content, protocol.ClaudeBlock{Type: "text", Text: p.Text})
				case "refusal":
					out.Content = append(out.Content, protocol.ClaudeBlock{Type: "text", Text: p.Refusal})
					out.StopReason = protocol.ClaudeStopRefusal
				}
			}
		case "function_call":
			sawTools = true
			id := item.CallID
			if id == "" {
				id = item.ID
			}
			out.Content = append(out.Content, protocol.ClaudeBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  item.Name,
				Input: rawArgs(item.Arguments),
			})
		case "mcp_call":
			sawTools = true
			out.Content = append(out.Content, protocol.ClaudeBlock{
				Type:       "mcp_tool_use",
				ID:         item.ID,
				Name:       item.Name,
				ServerName: item.ServerLabel,
				Input:      rawArgs(item.Arguments),
			})
		case "reasoning":
			if text := reasoningSummaryText(item.Summary); text != "" {
				out.Content = append(out.Content, protocol.ClaudeBlock{Type: "thinking", Thinking: text})
			}
		}
	}

	switch {
	case out.StopReason != "":
	case sawTools:
		out.StopReason = protocol.ClaudeStopToolUse
	default:
		out.StopReason = responsesStatusToClaudeStop(resp.Status, resp.IncompleteDetails)
	}

	if u := resp.Usage; u != nil {
		cu := &protocol.ClaudeUsage{
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
		}
		if u.InputTokensDetails != nil {
			cu.CacheReadInputTokens = u.InputTokensDetails.CachedTokens
		}
		out.Usage = cu
	}
	return out
}

// reasoningSummaryText flattens a reasoning summary (array of summary_text
// parts) into plain text.
func reasoningSummaryText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	var out string
	for _, p := range parts {
		out += p.Text
	}
	return out
}

// --- openai responses -> claude (request direction) ---

// ResponsesToClaudeRequest converts a Responses API request into a Claude
// Messages request.
func ResponsesToClaudeRequest(req *protocol.ResponsesRequest) *protocol.ClaudeRequest {
	out := &protocol.ClaudeRequest{
		Model:     req.Model,
		MaxTokens: DefaultClaudeMaxTokens,
	}
	if req.MaxOutputTokens != nil && *req.MaxOutputTokens > 0 {
		out.MaxTokens = *req.MaxOutputTokens
	}
	out.Temperature = req.Temperature
	out.TopP = req.TopP
	if req.Instructions != "" {
		out.System, _ = json.Marshal(req.Instructions)
	}

	for _, item := range req.InputItems() {
		switch {
		case item.Type == "function_call":
			block := protocol.ClaudeBlock{
				Type:  "tool_use",
				ID:    item.CallID,
				Name:  item.Name,
				Input: rawArgs(item.Arguments),
			}
			out.Messages = append(out.Messages, protocol.ClaudeMessage{
				Role:    "assistant",
				Content: marshalClaudeContent([]protocol.ClaudeBlock{block}),
			})
		case item.Type == "function_call_output":
			block := protocol.ClaudeBlock{Type: "tool_result", ToolUseID: item.CallID}
			block.Content, _ = json.Marshal(rawToString(item.Output))
			out.Messages = append(out.Messages, protocol.ClaudeMessage{
				Role:    "user",
				Content: marshalClaudeContent([]protocol.ClaudeBlock{block}),
			})
		case item.Type == "message" || item.Type == "":
			responsesMessageToClaude(&item, out)
		}
	}

	for i := range req.Tools {
		t := &req.Tools[i]
		switch {
		case t.Type == "function":
			out.Tools = append(out.Tools, protocol.ClaudeTool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.Parameters,
			})
		case t.Type == "mcp":
			// collected below
		default:
			if bt := responsesBuiltinToClaude(t); bt != nil {
				out.Tools = append(out.Tools, *bt)
			}
		}
	}
	out.MCPServers = responsesMCPToClaude(req.Tools)

	out.ToolChoice = responsesChoiceToClaude(req.ToolChoice)
	if req.ParallelToolCalls != nil && out.ToolChoice != nil {
		disabled := !*req.ParallelToolCalls
		out.ToolChoice.DisableParallelToolUse = &disabled
	}

	if e := effortFromResponses(req.Reasoning); e != effortUnset {
		out.Thinking, out.OutputConfig = e.toClaudeThinking()
	}
	if req.User != "" {
		out.Metadata = &protocol.ClaudeMetadata{UserID: req.User}
	}
	return out
}

// responsesMessageToClaude appends a message item's blocks to the Claude
// request, folding system/developer roles into the system prompt.
func responsesMessageToClaude(item *protocol.ResponsesInputItem, out *protocol.ClaudeRequest) {
	if item.Role == "system" || item.Role == "developer" {
		var texts []string
		if existing := rawToString(out.System); existing != "" {
			texts = append(texts, existing)
		}
		for _, p := range item.ContentParts() {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		if len(texts) > 0 {
			joined := texts[0]
			for _, t := range texts[1:] {
				joined += "\n" + t
			}
			out.System, _ = json.Marshal(joined)
		}
		return
	}

	var blocks []protocol.ClaudeBlock
	for _, p := range item.ContentParts() {
		switch p.Type {
		case "input_text", "output_text":
			if p.Text != "" {
				blocks = append(blocks, protocol.ClaudeBlock{Type: "text", Text: p.Text})
			}
		case "refusal":
			if p.Refusal != "" {
				blocks = append(blocks, protocol.ClaudeBlock{Type: "text", Text: p.Refusal})
			}
		case "input_image":
			switch {
			case p.FileID != "":
				blocks = append(blocks, protocol.ClaudeBlock{
					Type:   "image",
					Source: &protocol.ClaudeSource{Type: "file", FileID: p.FileID},
				})
			case p.ImageURL != "":
				if src, ok := parseDataURL(p.ImageURL); ok {
					blocks = append(blocks, protocol.ClaudeBlock{Type: "image", Source: src})
				} else {
					blocks = append(blocks, protocol.ClaudeBlock{
						Type:   "image",
						Source: &protocol.ClaudeSource{Type: "url", URL: p.ImageURL},
					})
				}
			}
		case "input_file":
			switch {
			case p.FileData != "":
				if src, ok := parseDataURL(p.FileData); ok {
					blocks = append(blocks, protocol.ClaudeBlock{Type: "document", Source: src})
				}
			case p.FileURL != "":
				blocks = append(blocks, protocol.ClaudeBlock{
					Type:   "document",
					Source: &protocol.ClaudeSource{Type: "url", URL: p.FileURL},
				})
			case p.FileID != "":
				blocks = append(blocks, protocol.ClaudeBlock{
					Type:   "document",
					Source: &protocol.ClaudeSource{Type: "file", FileID: p.FileID},
				})
			}
		}
	}
	if len(blocks) == 0 {
		return
	}
	role := item.Role
	if role == "" {
		role = "user"
	}
	out.Messages = append(out.Messages, protocol.ClaudeMessage{
		Role:    role,
		Content: marshalClaudeContent(blocks),
	})
}

func responsesChoiceToClaude(raw json.RawMessage) *protocol.ClaudeToolChoice {
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
		Name string `json:"name"`
	}
	if json.Unmarshal(raw, &named) == nil && named.Name != "" {
		return &protocol.ClaudeToolChoice{Type: "tool", Name: named.Name}
	}
	return nil
}

// ClaudeToResponsesResponse converts a Claude Messages response into a
// Responses API response.
func ClaudeToResponsesResponse(resp *protocol.ClaudeResponse) *protocol.ResponsesResponse {
	out := &protocol.ResponsesResponse{
		ID:     resp.ID,
		Object: "response",
		Model:  resp.Model,
	}

	var msgParts []protocol.ResponsesContentPart
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			msgParts = append(msgParts, protocol.ResponsesContentPart{Type: "output_text", Text: b.Text})
		case "thinking":
			summary, _ := json.Marshal([]map[string]string{{"type": "summary_text", "text": b.Thinking}})
			out.Output = append(out.Output, protocol.ResponsesOutputItem{
				Type:    "reasoning",
				ID:      "rs_" + resp.ID,
				Summary: summary,
			})
		case "tool_use", "server_tool_use":
			out.Output = append(out.Output, protocol.ResponsesOutputItem{
				Type:      "function_call",
				ID:        "fc_" + b.ID,
				CallID:    b.ID,
				Name:      b.Name,
				Arguments: argsString(b.Input),
				Status:    protocol.ResponsesStatusCompleted,
			})
		case "mcp_tool_use":
			out.Output = append(out.Output, protocol.ResponsesOutputItem{
				Type:        "mcp_call",
				ID:          b.ID,
				Name:        b.Name,
				ServerLabel: b.ServerName,
				Arguments:   argsString(b.Input),
			})
		}
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

	out.Status, out.IncompleteDetails = terminalStatus(
		resp.StopReason == protocol.ClaudeStopMaxTokens,
		resp.StopReason == protocol.ClaudeStopRefusal,
	)

	if u := resp.Usage; u != nil {
		out.Usage = &protocol.ResponsesUsage{
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			TotalTokens:  u.InputTokens + u.OutputTokens,
		}
		if u.CacheReadInputTokens > 0 {
			out.Usage.InputTokensDetails = &protocol.ResponsesInTokensDetails{CachedTokens: u.CacheReadInputTokens}
		}
	}
	return out
}
