package transform

import "github.com/eugener/heimdall/internal/protocol"

// Streamify synthesizes a protocol's stream frames from its own completed
// non-stream response. Used when the caller asked for a stream but the
// dispatch rule only has a non-stream path upstream.

func runEncoder(enc streamEncoder, events []coreEvent) []protocol.StreamEvent {
	var out []protocol.StreamEvent
	for _, ev := range events {
		out = append(out, enc.encode(ev)...)
	}
	return out
}

// StreamifyClaude renders a Messages response as a Messages event stream.
func StreamifyClaude(resp *protocol.ClaudeResponse) []protocol.StreamEvent {
	return runEncoder(newClaudeStreamEncoder(), explodeClaude(resp))
}

// StreamifyGemini renders a generateContent response as a chunk stream.
func StreamifyGemini(resp *protocol.GeminiResponse) []protocol.StreamEvent {
	return runEncoder(newGeminiStreamEncoder(), explodeGemini(resp))
}

// StreamifyChat renders a chat completion as a chunk stream.
func StreamifyChat(resp *protocol.ChatResponse) []protocol.StreamEvent {
	return runEncoder(newChatStreamEncoder(), explodeChat(resp))
}

// StreamifyResponses renders a Responses object as its event stream.
func StreamifyResponses(resp *protocol.ResponsesResponse) []protocol.StreamEvent {
	return runEncoder(newResponsesStreamEncoder(), explodeResponses(resp))
}

func explodeClaude(resp *protocol.ClaudeResponse) []coreEvent {
	events := []coreEvent{{kind: coreMeta, id: resp.ID, model: resp.Model}}
	tool := 0
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			events = append(events, coreEvent{kind: coreText, text: b.Text})
		case "thinking":
			events = append(events, coreEvent{kind: coreThinking, text: b.Thinking, signature: b.Signature})
		case "tool_use", "server_tool_use", "mcp_tool_use":
			args := argsString(b.Input)
			events = append(events,
				coreEvent{kind: coreToolStart, tool: tool, toolID: b.ID, toolName: b.Name},
				coreEvent{kind: coreToolArgs, tool: tool, text: args},
				coreEvent{kind: coreToolDone, tool: tool, args: args},
			)
			tool++
		}
	}
	reason := resp.StopReason
	if reason == "" {
		reason = protocol.ClaudeStopEndTurn
	}
	return append(events, coreEvent{kind: coreFinish, finish: &coreFinishData{reason: reason, usage: usageFromClaude(resp.Usage)}})
}

func explodeGemini(resp *protocol.GeminiResponse) []coreEvent {
	events := []coreEvent{{kind: coreMeta, id: resp.ResponseID, model: modelID(resp.ModelVersion)}}
	tool := 0
	sawTools := false
	finish := ""
	if len(resp.Candidates) > 0 {
		cand := &resp.Candidates[0]
		finish = cand.FinishReason
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				sawTools = true
				args := argsString(p.FunctionCall.Args)
				events = append(events,
					coreEvent{kind: coreToolStart, tool: tool, toolID: p.FunctionCall.ID, toolName: p.FunctionCall.Name},
					coreEvent{kind: coreToolArgs, tool: tool, text: args},
					coreEvent{kind: coreToolDone, tool: tool, args: args},
				)
				tool++
			case p.Thought:
				events = append(events, coreEvent{kind: coreThinking, text: p.Text, signature: p.ThoughtSignature})
			case p.Text != "":
				events = append(events, coreEvent{kind: coreText, text: p.Text})
			}
		}
	}
	return append(events, coreEvent{kind: coreFinish, finish: &coreFinishData{
		reason: geminiFinishToClaudeStop(finish, sawTools),
		usage:  usageFromGemini(resp.UsageMetadata),
	}})
}

func explodeChat(resp *protocol.ChatResponse) []coreEvent {
	events := []coreEvent{{kind: coreMeta, id: resp.ID, model: resp.Model, created: resp.Created}}
	reason := ""
	if len(resp.Choices) > 0 {
		choice := &resp.Choices[0]
		reason = chatFinishToClaudeStop(choice.FinishReason)
		for _, p := range choice.Message.ContentParts() {
			if p.Type == "text" && p.Text != "" {
				events = append(events, coreEvent{kind: coreText, text: p.Text})
			}
		}
		if choice.Message.Refusal != "" {
			events = append(events, coreEvent{kind: coreRefusal, text: choice.Message.Refusal})
		}
		for tool, tc := range choice.Message.ToolCalls {
			args := tc.Function.Arguments
			if args == "" {
				args = "{}"
			}
			events = append(events,
				coreEvent{kind: coreToolStart, tool: tool, toolID: tc.ID, toolName: tc.Function.Name},
				coreEvent{kind: coreToolArgs, tool: tool, text: args},
				coreEvent{kind: coreToolDone, tool: tool, args: args},
			)
		}
	}
	if reason == "" {
		reason = protocol.ClaudeStopEndTurn
	}
	return append(events, coreEvent{kind: coreFinish, finish: &coreFinishData{reason: reason, usage: usageFromChat(resp.Usage)}})
}

func explodeResponses(resp *protocol.ResponsesResponse) []coreEvent {
	events := []coreEvent{{kind: coreMeta, id: resp.ID, model: resp.Model, created: resp.CreatedAt}}
	tool := 0
	sawTools := false
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, p := range item.Content {
				switch p.Type {
				case "output_text":
					if p.Text != "" {
						events = append(events, coreEvent{kind: coreText, text: p.Text})
					}
				case "refusal":
					if p.Refusal != "" {
						events = append(events, coreEvent{kind: coreRefusal, text: p.Refusal})
					}
				}
			}
		case "function_call", "mcp_call":
			sawTools = true
			id := item.CallID
			if id == "" {
				id = item.ID
			}
			args := item.Arguments
			if args == "" {
				args = "{}"
			}
			events = append(events,
				coreEvent{kind: coreToolStart, tool: tool, toolID: id, toolName: item.Name},
				coreEvent{kind: coreToolArgs, tool: tool, text: args},
				coreEvent{kind: coreToolDone, tool: tool, args: args},
			)
			tool++
		case "reasoning":
			if text := reasoningSummaryText(item.Summary); text != "" {
				events = append(events, coreEvent{kind: coreThinking, text: text})
			}
		}
	}
	reason := responsesStatusToClaudeStop(resp.Status, resp.IncompleteDetails)
	if reason == protocol.ClaudeStopEndTurn && sawTools {
		reason = protocol.ClaudeStopToolUse
	}
	if reason == "" {
		reason = protocol.ClaudeStopEndTurn
	}
	failed := resp.Status == protocol.ResponsesStatusFailed || resp.Status == protocol.ResponsesStatusCancelled
	return append(events, coreEvent{kind: coreFinish, finish: &coreFinishData{
		reason: reason,
		failed: failed,
		usage:  usageFromResponses(resp.Usage),
	}})
}
