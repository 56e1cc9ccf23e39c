package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eugener/heimdall/internal/protocol"
)

// --- claude -> gemini (request direction) ---

// ClaudeToGeminiRequest converts a Claude Messages request into a Gemini
// generateContent request.
func ClaudeToGeminiRequest(req *protocol.ClaudeRequest) *protocol.GeminiRequest {
	out := &protocol.GeminiRequest{Model: req.Model}

	if sys := claudeSystemText(req.System); sys != "" {
		out.SystemInstruction = &protocol.GeminiContent{Parts: []protocol.GeminiPart{{Text: sys}}}
	}

	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		var parts []protocol.GeminiPart
		for _, b := range m.ContentBlocks() {
			if p, ok := claudeBlockToGeminiPart(&b); ok {
				parts = append(parts, p)
			}
		}
		if len(parts) > 0 {
			out.Contents = append(out.Contents, protocol.GeminiContent{Role: role, Parts: parts})
		}
	}

	out.Tools = claudeToolsToGemini(req.Tools)
	out.ToolConfig = claudeToolChoiceToGemini(req.ToolChoice)
	out.GenerationConfig = claudeGenerationConfig(req)
	return out
}

func claudeBlockToGeminiPart(b *protocol.ClaudeBlock) (protocol.GeminiPart, bool) {
	switch b.Type {
	case "text":
		return protocol.GeminiPart{Text: b.Text}, b.Text != ""
	case "thinking":
		return protocol.GeminiPart{Text: b.Thinking, Thought: true, ThoughtSignature: b.Signature}, true
	case "image", "document":
		if b.Source == nil {
			return protocol.GeminiPart{}, false
		}
		switch b.Source.Type {
		case "base64":
			return protocol.GeminiPart{InlineData: &protocol.GeminiBlob{MimeType: b.Source.MediaType, Data: b.Source.Data}}, true
		case "url":
			return protocol.GeminiPart{FileData: &protocol.GeminiFileData{MimeType: b.Source.MediaType, FileURI: b.Source.URL}}, true
		case "file":
			return protocol.GeminiPart{Text: filePlaceholder(b.Type, b.Source.FileID)}, true
		}
		return protocol.GeminiPart{}, false
	case "tool_use", "server_tool_use", "mcp_tool_use":
		return protocol.GeminiPart{FunctionCall: &protocol.GeminiFunctionCall{
			ID:   b.ID,
			Name: b.Name,
			Args: b.Input,
		}}, true
	case "tool_result", "mcp_tool_result":
		resp, _ := json.Marshal(map[string]any{"result": rawToString(b.Content)})
		return protocol.GeminiPart{FunctionResponse: &protocol.GeminiFunctionResponse{
			ID:       b.ToolUseID,
			Name:     b.ToolUseID,
			Response: resp,
		}}, true
	default:
		return protocol.GeminiPart{}, false
	}
}

func claudeToolsToGemini(tools []protocol.ClaudeTool) []protocol.GeminiTool {
	if len(tools) == 0 {
		return nil
	}
	var group protocol.GeminiTool
	grouped := false
	for i := range tools {
		t := &tools[i]
		if t.IsBuiltin() {
			grouped = claudeBuiltinToGemini(t, &group) || grouped
			continue
		}
		group.FunctionDeclarations = append(group.FunctionDeclarations, protocol.GeminiFunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  downConvertSchema(t.InputSchema),
		})
		grouped = true
	}
	if !grouped {
		return nil
	}
	return []protocol.GeminiTool{group}
}

func claudeToolChoiceToGemini(tc *protocol.ClaudeToolChoice) *protocol.GeminiToolConfig {
	if tc == nil {
		return nil
	}
	cfg := &protocol.GeminiFunctionCallingConfig{}
	switch tc.Type {
	case "auto":
		cfg.Mode = "AUTO"
	case "any":
		cfg.Mode = "ANY"
	case "none":
		cfg.Mode = "NONE"
	case "tool":
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{tc.Name}
	default:
		return nil
	}
	return &protocol.GeminiToolConfig{FunctionCallingConfig: cfg}
}

func claudeGenerationConfig(req *protocol.ClaudeRequest) *protocol.GeminiGenerationConfig {
	cfg := &protocol.GeminiGenerationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		cfg.MaxOutputTokens = &mt
	}
	cfg.ThinkingConfig = effortFromClaude(req.Thinking, req.OutputConfig).toGeminiThinking()
	if cfg.ThinkingConfig != nil && req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
		budget := req.Thinking.BudgetTokens
		cfg.ThinkingConfig.ThinkingBudget = &budget
	}
	return cfg
}

// GeminiToClaudeResponse converts a Gemini generateContent response into a
// Claude Messages response.
func GeminiToClaudeResponse(resp *protocol.GeminiResponse) *protocol.ClaudeResponse {
	out := &protocol.ClaudeResponse{
		ID:    resp.ResponseID,
		Type:  "message",
		Role:  "assistant",
		Model: strings.TrimPrefix(resp.ModelVersion, "models/"),
	}
	if out.ID == "" {
		out.ID = "msg_unknown"
	}

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
					id = fmt.Sprintf("toolu_%d", i)
				}
				out.Content = append(out.Content, protocol.ClaudeBlock{
					Type:  "tool_use",
					ID:    id,
					Name:  p.FunctionCall.Name,
					Input: rawArgs(string(p.FunctionCall.Args)),
				})
			case p.Thought:
				out.Content = append(out.Content, protocol.ClaudeBlock{
					Type:      "thinking",
					Thinking:  p.Text,
					Signature: p.ThoughtSignature,
				})
			case p.Text != "":
				out.Content = append(out.Content, protocol.ClaudeBlock{Type: "text", Text: p.Text})
			case p.ExecutableCode != nil:
				out.Content = append(out.Content, protocol.ClaudeBlock{Type: "text", Text: "executableCode: " + string(p.ExecutableCode)})
			case p.CodeExecutionResult != nil:
				out.Content = append(out.Content, protocol.ClaudeBlock{Type: "text", Text: "codeExecutionResult: " + string(p.CodeExecutionResult)})
			}
		}
	}
	out.StopReason = geminiFinishToClaudeStop(finish, sawTools)

	if u := resp.UsageMetadata; u != nil {
		out.Usage = &protocol.ClaudeUsage{
			InputTokens:          u.PromptTokenCount,
			OutputTokens:         u.CandidatesTokenCount,
			CacheReadInputTokens: u.CachedContentTokenCount,
		}
	}
	return out
}

// --- gemini -> claude (request direction) ---

// GeminiToClaudeRequest converts a Gemini generateContent request into a
// Claude Messages request.
func GeminiToClaudeRequest(req *protocol.GeminiRequest) *protocol.ClaudeRequest {
	out := &protocol.ClaudeRequest{
		Model:     strings.TrimPrefix(req.Model, "models/"),
		MaxTokens: DefaultClaudeMaxTokens,
	}

	if req.SystemInstruction != nil {
		var texts []string
		for _, p := range req.SystemInstruction.Parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		if len(texts) > 0 {
			out.System, _ = json.Marshal(strings.Join(texts, "\n"))
		}
	}

	for _, c := range req.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		blocks := geminiPartsToClaudeBlocks(c.Parts)
		if len(blocks) == 0 {
			continue
		}
		content := marshalClaudeContent(blocks)
		out.Messages = append(out.Messages, protocol.ClaudeMessage{Role: role, Content: content})
	}

	for i := range req.Tools {
		g := &req.Tools[i]
		for _, d := range g.FunctionDeclarations {
			out.Tools = append(out.Tools, protocol.ClaudeTool{
				Name:        d.Name,
				Description: d.Description,
				InputSchema: downConvertSchema(d.Parameters),
			})
		}
		out.Tools = append(out.Tools, geminiBuiltinsToClaude(g)...)
	}

	if req.ToolConfig != nil && req.ToolConfig.FunctionCallingConfig != nil {
		out.ToolChoice = geminiModeToClaudeChoice(req.ToolConfig.FunctionCallingConfig)
	}

	if gc := req.GenerationConfig; gc != nil {
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.TopK = gc.TopK
		out.StopSequences = gc.StopSequences
		if gc.MaxOutputTokens != nil && *gc.MaxOutputTokens > 0 {
			out.MaxTokens = *gc.MaxOutputTokens
		}
		thinking, oc := effortFromGemini(gc.ThinkingConfig).toClaudeThinking()
		if gc.ThinkingConfig != nil {
			out.Thinking = thinking
			out.OutputConfig = oc
			if gc.ThinkingConfig.ThinkingBudget != nil && out.Thinking != nil && out.Thinking.Type == "enabled" {
				out.Thinking.BudgetTokens = *gc.ThinkingConfig.ThinkingBudget
			}
		}
	}
	return out
}

func geminiPartsToClaudeBlocks(parts []protocol.GeminiPart) []protocol.ClaudeBlock {
	var blocks []protocol.ClaudeBlock
	for i, p := range parts {
		switch {
		case p.FunctionCall != nil:
			id := p.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("toolu_%d", i)
			}
			blocks = append(blocks, protocol.ClaudeBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  p.FunctionCall.Name,
				Input: rawArgs(string(p.FunctionCall.Args)),
			})
		case p.FunctionResponse != nil:
			id := p.FunctionResponse.ID
			if id == "" {
				id = p.FunctionResponse.Name
			}
			blocks = append(blocks, protocol.ClaudeBlock{
				Type:      "tool_result",
				ToolUseID: id,
				Content:   functionResponseText(p.FunctionResponse.Response),
			})
		case p.InlineData != nil:
			blockType := "image"
			if p.InlineData.MimeType == "application/pdf" {
				blockType = "document"
			}
			blocks = append(blocks, protocol.ClaudeBlock{
				Type:   blockType,
				Source: &protocol.ClaudeSource{Type: "base64", MediaType: p.InlineData.MimeType, Data: p.InlineData.Data},
			})
		case p.FileData != nil:
			blockType := "image"
			if p.FileData.MimeType == "application/pdf" {
				blockType = "document"
			}
			blocks = append(blocks, protocol.ClaudeBlock{
				Type:   blockType,
				Source: &protocol.ClaudeSource{Type: "url", MediaType: p.FileData.MimeType, URL: p.FileData.FileURI},
			})
		case p.Thought:
			blocks = append(blocks, protocol.ClaudeBlock{Type: "thinking", Thinking: p.Text, Signature: p.ThoughtSignature})
		case p.Text != "":
			blocks = append(blocks, protocol.ClaudeBlock{Type: "text", Text: p.Text})
		case p.ExecutableCode != nil:
			blocks = append(blocks, protocol.ClaudeBlock{Type: "text", Text: "executableCode: " + string(p.ExecutableCode)})
		case p.CodeExecutionResult != nil:
			blocks = append(blocks, protocol.ClaudeBlock{Type: "text", Text: "codeExecutionResult: " + string(p.CodeExecutionResult)})
		}
	}
	return blocks
}

// functionResponseText renders a functionResponse payload as Claude
// tool_result content (a JSON string).
func functionResponseText(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		b, _ := json.Marshal("")
		return b
	}
	b, _ := json.Marshal(string(raw))
	return b
}

// marshalClaudeContent encodes blocks, collapsing a single text block to the
// plain string form.
func marshalClaudeContent(blocks []protocol.ClaudeBlock) json.RawMessage {
	if len(blocks) == 1 && blocks[0].Type == "text" {
		b, _ := json.Marshal(blocks[0].Text)
		return b
	}
	b, _ := json.Marshal(blocks)
	return b
}

func geminiModeToClaudeChoice(cfg *protocol.GeminiFunctionCallingConfig) *protocol.ClaudeToolChoice {
	switch cfg.Mode {
	case "NONE":
		return &protocol.ClaudeToolChoice{Type: "none"}
	case "AUTO":
		return &protocol.ClaudeToolChoice{Type: "auto"}
	case "ANY":
		if len(cfg.AllowedFunctionNames) == 1 {
			return &protocol.ClaudeToolChoice{Type: "tool", Name: cfg.AllowedFunctionNames[0]}
		}
		return &protocol.ClaudeToolChoice{Type: "any"}
	default:
		return nil
	}
}

// ClaudeToGeminiResponse converts a Claude Messages response into a Gemini
// generateContent response.
func ClaudeToGeminiResponse(resp *protocol.ClaudeResponse) *protocol.GeminiResponse {
	var parts []protocol.GeminiPart
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			parts = append(parts, protocol.GeminiPart{Text: b.Text})
		case "thinking":
			parts = append(parts, protocol.GeminiPart{Text: b.Thinking, Thought: true, ThoughtSignature: b.Signature})
		case "tool_use", "server_tool_use":
			parts = append(parts, protocol.GeminiPart{FunctionCall: &protocol.GeminiFunctionCall{
				ID:   b.ID,
				Name: b.Name,
				Args: b.Input,
			}})
		case "mcp_tool_use":
			parts = append(parts, protocol.GeminiPart{FunctionCall: &protocol.GeminiFunctionCall{
				ID:   b.ID,
				Name: fmt.Sprintf("mcp:%s:%s", b.ServerName, b.Name),
				Args: b.Input,
			}})
		default:
			raw, _ := json.Marshal(b)
			parts = append(parts, protocol.GeminiPart{Text: string(raw)})
		}
	}

	out := &protocol.GeminiResponse{
		ResponseID:   resp.ID,
		ModelVersion: "models/" + resp.Model,
		Candidates: []protocol.GeminiCandidate{{
			Content:      protocol.GeminiContent{Role: "model", Parts: parts},
			FinishReason: claudeStopToGeminiFinish(resp.StopReason),
		}},
	}
	if u := resp.Usage; u != nil {
		out.UsageMetadata = &protocol.GeminiUsageMetadata{
			PromptTokenCount:        u.InputTokens,
			CandidatesTokenCount:    u.OutputTokens,
			TotalTokenCount:         u.InputTokens + u.OutputTokens,
			CachedContentTokenCount: u.CacheReadInputTokens,
		}
	}
	return out
}
