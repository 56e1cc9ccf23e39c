package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eugener/heimdall/internal/protocol"
)

// --- gemini -> openai responses (request direction) ---

// GeminiToResponsesRequest converts a Gemini generateContent request into a
// Responses API request.
func GeminiToResponsesRequest(req *protocol.GeminiRequest) *protocol.ResponsesRequest {
	out := &protocol.ResponsesRequest{Model: strings.TrimPrefix(req.Model, "models/")}

	if req.SystemInstruction != nil {
		var texts []string
		for _, p := range req.SystemInstruction.Parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		out.Instructions = strings.Join(texts, "\n")
	}

	var items []protocol.ResponsesInputItem
	for _, c := range req.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		items = append(items, geminiContentToResponsesItems(role, c.Parts)...)
	}
	if len(items) > 0 {
		out.Input, _ = json.Marshal(items)
	}

	for i := range req.Tools {
		g := &req.Tools[i]
		for _, d := range g.FunctionDeclarations {
			out.Tools = append(out.Tools, protocol.ResponsesTool{
				Type:        "function",
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
		out.Tools = append(out.Tools, geminiBuiltinsToResponses(g)...)
	}

	if req.ToolConfig != nil && req.ToolConfig.FunctionCallingConfig != nil {
		out.ToolChoice = geminiModeToResponsesChoice(req.ToolConfig.FunctionCallingConfig)
	}

	if gc := req.GenerationConfig; gc != nil {
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		if gc.MaxOutputTokens != nil && *gc.MaxOutputTokens > 0 {
			out.MaxOutputTokens = gc.MaxOutputTokens
		}
		if e := effortFromGemini(gc.ThinkingConfig); e != effortUnset {
			out.Reasoning = e.toResponsesReasoning()
		}
	}
	return out
}

func geminiContentToResponsesItems(role string, geminiParts []protocol.GeminiPart) []protocol.ResponsesInputItem {
	var items []protocol.ResponsesInputItem
	var parts []protocol.ResponsesContentPart

	partType := "input_text"
	if role == "assistant" {
		partType = "output_text"
	}

	for i, p := range geminiParts {
		switch {
		case p.FunctionCall != nil:
			id := p.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			items = append(items, protocol.ResponsesInputItem{
				Type:      "function_call",
				CallID:    id,
				Name:      p.FunctionCall.Name,
				Arguments: argsString(p.FunctionCall.Args),
			})
		case p.FunctionResponse != nil:
			id := p.FunctionResponse.ID
			if id == "" {
				id = p.FunctionResponse.Name
			}
			output, _ := json.Marshal(string(p.FunctionResponse.Response))
			items = append(items, protocol.ResponsesInputItem{
				Type:   "function_call_output",
				CallID: id,
				Output: output,
			})
		case p.InlineData != nil:
			url := dataURL(p.InlineData.MimeType, p.InlineData.Data)
			if p.InlineData.MimeType == "application/pdf" {
				parts = append(parts, protocol.ResponsesContentPart{Type: "input_file", FileData: url})
			} else {
				parts = append(parts, protocol.ResponsesContentPart{Type: "input_image", ImageURL: url})
			}
		case p.FileData != nil:
			if p.FileData.MimeType == "application/pdf" {
				parts = append(parts, protocol.ResponsesContentPart{Type: "input_file", FileURL: p.FileData.FileURI})
			} else {
				parts = append(parts, protocol.ResponsesContentPart{Type: "input_image", ImageURL: p.FileData.FileURI})
			}
		case p.Thought:
			// reasoning has no inbound item representation
		case p.Text != "":
			parts = append(parts, protocol.ResponsesContentPart{Type: partType, Text: p.Text})
		}
	}

	if len(parts) > 0 {
		content, _ := json.Marshal(parts)
		items = append(items, protocol.ResponsesInputItem{Type: "message", Role: role, Content: content})
	}
	return items
}

func geminiModeToResponsesChoice(cfg *protocol.GeminiFunctionCallingConfig) json.RawMessage {
	switch cfg.Mode {
	case "AUTO":
		return json.RawMessage(`"auto"`)
	case "NONE":
		return json.RawMessage(`"none"`)
	case "ANY":
		if len(cfg.AllowedFunctionNames) == 1 {
			b, _ := json.Marshal(map[string]string{"type": "function", "name": cfg.AllowedFunctionNames[0]})
			return b
		}
		return json.RawMessage(`"required"`)
	default:
		return nil
	}
}

// ResponsesToGeminiResponse converts a Responses API response into a Gemini
// generateContent response.
func ResponsesToGeminiResponse(resp *protocol.ResponsesResponse) *protocol.GeminiResponse {
	var parts []protocol.GeminiPart
	sawFilter := false

	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, p := range item.Content {
				switch p.Type {
				case "output_text":
					parts = append(parts, protocol.GeminiPart{Text: p.Text})
				case "refusal":
					parts = append(parts, protocol.GeminiPart{Text: p.Refusal})
					sawFilter = true
				}
			}
		case "function_call", "mcp_call":
			id := item.CallID
			if id == "" {
				id = item.ID
			}
			parts = append(parts, protocol.GeminiPart{FunctionCall: &protocol.GeminiFunctionCall{
				ID:   id,
				Name: item.Name,
				Args: rawArgs(item.Arguments),
			}})
		case "reasoning":
			if text := reasoningSummaryText(item.Summary); text != "" {
				parts = append(parts, protocol.GeminiPart{Text: text, Thought: true})
			}
		}
	}

	finish := protocol.GeminiFinishStop
	switch {
	case sawFilter:
		finish = protocol.GeminiFinishSafety
	case resp.Status == protocol.ResponsesStatusIncomplete && resp.IncompleteDetails != nil:
		switch resp.IncompleteDetails.Reason {
		case "max_output_tokens":
			finish = protocol.GeminiFinishMaxTokens
		case "content_filter":
			finish = protocol.GeminiFinishSafety
		}
	case resp.Status == protocol.ResponsesStatusFailed:
		finish = protocol.GeminiFinishOther
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
		um := &protocol.GeminiUsageMetadata{
			PromptTokenCount:     u.InputTokens,
			CandidatesTokenCount: u.OutputTokens,
			TotalTokenCount:      u.TotalTokens,
		}
		if u.InputTokensDetails != nil {
			um.CachedContentTokenCount = u.InputTokensDetails.CachedTokens
		}
		if u.OutputTokensDetails != nil {
			um.ThoughtsTokenCount = u.OutputTokensDetails.ReasoningTokens
		}
		out.UsageMetadata = um
	}
	return out
}

// --- openai responses -> gemini (request direction) ---

// ResponsesToGeminiRequest converts a Responses API request into a Gemini
// generateContent request.
func ResponsesToGeminiRequest(req *protocol.ResponsesRequest) *protocol.GeminiRequest {
	out := &protocol.GeminiRequest{Model: req.Model}

	var sysTexts []string
	if req.Instructions != "" {
		sysTexts = append(sysTexts, req.Instructions)
	}

	for _, item := range req.InputItems() {
		switch {
		case item.Type == "function_call":
			out.Contents = append(out.Contents, protocol.GeminiContent{
				Role: "model",
				Parts: []protocol.GeminiPart{{FunctionCall: &protocol.GeminiFunctionCall{
					ID:   item.CallID,
					Name: item.Name,
					Args: rawArgs(item.Arguments),
				}}},
			})
		case item.Type == "function_call_output":
			resp, _ := json.Marshal(map[string]any{"result": rawToString(item.Output)})
			out.Contents = append(out.Contents, protocol.GeminiContent{
				Role: "user",
				Parts: []protocol.GeminiPart{{FunctionResponse: &protocol.GeminiFunctionResponse{
					ID:       item.CallID,
					Name:     item.CallID,
					Response: resp,
				}}},
			})
		case item.Type == "message" || item.Type == "":
			if item.Role == "system" || item.Role == "developer" {
				for _, p := range item.ContentParts() {
					if p.Text != "" {
						sysTexts = append(sysTexts, p.Text)
					}
				}
				continue
			}
			role := "user"
			if item.Role == "assistant" {
				role = "model"
			}
			parts := responsesPartsToGemini(item.ContentParts())
			if len(parts) > 0 {
				out.Contents = append(out.Contents, protocol.GeminiContent{Role: role, Parts: parts})
			}
		}
	}
	if len(sysTexts) > 0 {
		out.SystemInstruction = &protocol.GeminiContent{Parts: []protocol.GeminiPart{{Text: strings.Join(sysTexts, "\n")}}}
	}

	var group protocol.GeminiTool
	grouped := false
	for i := range req.Tools {
		t := &req.Tools[i]
		if t.Type == "function" {
			group.FunctionDeclarations = append(group.FunctionDeclarations, protocol.GeminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  downConvertSchema(t.Parameters),
			})
			grouped = true
			continue
		}
		grouped = responsesBuiltinToGemini(t, &group) || grouped
	}
	if grouped {
		out.Tools = []protocol.GeminiTool{group}
	}

	out.ToolConfig = responsesChoiceToGeminiConfig(req.ToolChoice)

	gc := &protocol.GeminiGenerationConfig{
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxOutputTokens != nil && *req.MaxOutputTokens > 0 {
		gc.MaxOutputTokens = req.MaxOutputTokens
	}
	if e := effortFromResponses(req.Reasoning); e != effortUnset {
		gc.ThinkingConfig = e.toGeminiThinking()
	}
	out.GenerationConfig = gc
	return out
}

func responsesPartsToGemini(parts []protocol.ResponsesContentPart) []protocol.GeminiPart {
	var out []protocol.GeminiPart
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text":
			if p.Text != "" {
				out = append(out, protocol.GeminiPart{Text: p.Text})
			}
		case "refusal":
			if p.Refusal != "" {
				out = append(out, protocol.GeminiPart{Text: p.Refusal})
			}
		case "input_image":
			switch {
			case p.ImageURL != "":
				if src, ok := parseDataURL(p.ImageURL); ok {
					out = append(out, protocol.GeminiPart{InlineData: &protocol.GeminiBlob{MimeType: src.MediaType, Data: src.Data}})
				} else {
					out = append(out, protocol.GeminiPart{FileData: &protocol.GeminiFileData{FileURI: p.ImageURL}})
				}
			case p.FileID != "":
				out = append(out, protocol.GeminiPart{Text: filePlaceholder("image", p.FileID)})
			}
		case "input_file":
			switch {
			case p.FileData != "":
				if src, ok := parseDataURL(p.FileData); ok {
					out = append(out, protocol.GeminiPart{InlineData: &protocol.GeminiBlob{MimeType: src.MediaType, Data: src.Data}})
				}
			case p.FileURL != "":
				out = append(out, protocol.GeminiPart{FileData: &protocol.GeminiFileData{FileURI: p.FileURL}})
			case p.FileID != "":
				out = append(out, protocol.GeminiPart{Text: filePlaceholder("document", p.FileID)})
			}
		}
	}
	return out
}

func responsesChoiceToGeminiConfig(raw json.RawMessage) *protocol.GeminiToolConfig {
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
		Name string `json:"name"`
	}
	if json.Unmarshal(raw, &named) == nil && named.Name != "" {
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{named.Name}
		return &protocol.GeminiToolConfig{FunctionCallingConfig: cfg}
	}
	return nil
}

// GeminiToResponsesResponse converts a Gemini generateContent response into
// a Responses API response.
func GeminiToResponsesResponse(resp *protocol.GeminiResponse) *protocol.ResponsesResponse {
	id := resp.ResponseID
	if id == "" {
		id = "resp_unknown"
	}
	out := &protocol.ResponsesResponse{
		ID:     id,
		Object: "response",
		Model:  strings.TrimPrefix(resp.ModelVersion, "models/"),
	}

	maxTokens, filtered := false, false
	if len(resp.Candidates) > 0 {
		cand := &resp.Candidates[0]
		switch cand.FinishReason {
		case protocol.GeminiFinishMaxTokens:
			maxTokens = true
		case protocol.GeminiFinishSafety, protocol.GeminiFinishRecitation:
			filtered = true
		}

		var msgParts []protocol.ResponsesContentPart
		for i, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				callID := p.FunctionCall.ID
				if callID == "" {
					callID = fmt.Sprintf("call_%d", i)
				}
				out.Output = append(out.Output, protocol.ResponsesOutputItem{
					Type:      "function_call",
					ID:        "fc_" + callID,
					CallID:    callID,
					Name:      p.FunctionCall.Name,
					Arguments: argsString(p.FunctionCall.Args),
					Status:    protocol.ResponsesStatusCompleted,
				})
			case p.Thought:
				summary, _ := json.Marshal([]map[string]string{{"type": "summary_text", "text": p.Text}})
				out.Output = append(out.Output, protocol.ResponsesOutputItem{
					Type:    "reasoning",
					ID:      "rs_" + id,
					Summary: summary,
				})
			case p.Text != "":
				msgParts = append(msgParts, protocol.ResponsesContentPart{Type: "output_text", Text: p.Text})
			}
		}
		if len(msgParts) > 0 {
			out.Output = append(out.Output, protocol.ResponsesOutputItem{
				Type:    "message",
				ID:      "msg_" + id,
				Role:    "assistant",
				Status:  protocol.ResponsesStatusCompleted,
				Content: msgParts,
			})
		}
	}

	out.Status, out.IncompleteDetails = terminalStatus(maxTokens, filtered)

	if u := resp.UsageMetadata; u != nil {
		usage := &protocol.ResponsesUsage{
			InputTokens:  u.PromptTokenCount,
			OutputTokens: u.CandidatesTokenCount,
			TotalTokens:  u.TotalTokenCount,
		}
		if u.CachedContentTokenCount > 0 {
			usage.InputTokensDetails = &protocol.ResponsesInTokensDetails{CachedTokens: u.CachedContentTokenCount}
		}
		if u.ThoughtsTokenCount > 0 {
			usage.OutputTokensDetails = &protocol.ResponsesOutTokensDetails{ReasoningTokens: u.ThoughtsTokenCount}
		}
		out.Usage = usage
	}
	return out
}
