package transform

import (
	"strings"

	"github.com/eugener/heimdall/internal/protocol"
)

// Aggregators collapse a protocol's own stream back into its non-stream
// response. Used when the caller asked for a single body but the dispatch
// rule only has a streaming path upstream.

type accTool struct {
	id   string
	name string
	args string
}

// streamAccumulator folds canonical deltas into one completed turn.
type streamAccumulator struct {
	id       string
	model    string
	created  int64
	text     strings.Builder
	thinking strings.Builder
	sig      string
	refusal  strings.Builder
	tools    []accTool
	finish   *coreFinishData
}

func (a *streamAccumulator) push(ev coreEvent) {
	switch ev.kind {
	case coreMeta:
		if ev.id != "" {
			a.id = ev.id
		}
		if ev.model != "" {
			a.model = ev.model
		}
		if ev.created != 0 {
			a.created = ev.created
		}
	case coreText:
		a.text.WriteString(ev.text)
	case coreThinking:
		a.thinking.WriteString(ev.text)
		if ev.signature != "" {
			a.sig = ev.signature
		}
	case coreRefusal:
		a.refusal.WriteString(ev.text)
	case coreToolStart:
		for len(a.tools) <= ev.tool {
			a.tools = append(a.tools, accTool{})
		}
		a.tools[ev.tool].id = ev.toolID
		a.tools[ev.tool].name = ev.toolName
	case coreToolDone:
		if ev.tool < len(a.tools) {
			a.tools[ev.tool].args = ev.args
		}
	case coreFinish:
		if a.finish == nil {
			a.finish = ev.finish
		}
	}
}

func (a *streamAccumulator) reason() string {
	if a.refusal.Len() > 0 {
		return protocol.ClaudeStopRefusal
	}
	if a.finish != nil && a.finish.reason != "" {
		return a.finish.reason
	}
	return protocol.ClaudeStopEndTurn
}

func (a *streamAccumulator) usage() *coreUsage {
	if a.finish == nil {
		return nil
	}
	return a.finish.usage
}

type aggregatePipeline struct {
	dec streamDecoder
	acc streamAccumulator
}

func (p *aggregatePipeline) Push(ev protocol.StreamEvent) {
	for _, ce := range p.dec.decode(ev) {
		p.acc.push(ce)
	}
}

// ClaudeAggregator folds a Messages event stream into a Messages response.
type ClaudeAggregator struct{ aggregatePipeline }

func NewClaudeAggregator() *ClaudeAggregator {
	a := &ClaudeAggregator{}
	a.dec = newClaudeStreamDecoder()
	return a
}

func (a *ClaudeAggregator) Result() *protocol.ClaudeResponse {
	acc := &a.acc
	id := acc.id
	if id == "" {
		id = "msg_stream"
	}
	out := &protocol.ClaudeResponse{
		ID:    id,
		Type:  "message",
		Role:  "assistant",
		Model: acc.model,
	}
	if acc.thinking.Len() > 0 {
		out.Content = append(out.Content, protocol.ClaudeBlock{Type: "thinking", Thinking: acc.thinking.String(), Signature: acc.sig})
	}
	if text := acc.text.String() + acc.refusal.String(); text != "" {
		out.Content = append(out.Content, protocol.ClaudeBlock{Type: "text", Text: text})
	}
	for _, t := range acc.tools {
		out.Content = append(out.Content, protocol.ClaudeBlock{
			Type:  "tool_use",
			ID:    t.id,
			Name:  t.name,
			Input: rawArgs(t.args),
		})
	}
	out.StopReason = acc.reason()
	out.Usage = acc.usage().toClaude()
	return out
}

// GeminiAggregator folds a chunk stream into a generateContent response.
type GeminiAggregator struct{ aggregatePipeline }

func NewGeminiAggregator() *GeminiAggregator {
	a := &GeminiAggregator{}
	a.dec = newGeminiStreamDecoder()
	return a
}

func (a *GeminiAggregator) Result() *protocol.GeminiResponse {
	acc := &a.acc
	var parts []protocol.GeminiPart
	if acc.thinking.Len() > 0 {
		parts = append(parts, protocol.GeminiPart{Text: acc.thinking.String(), Thought: true, ThoughtSignature: acc.sig})
	}
	if text := acc.text.String() + acc.refusal.String(); text != "" {
		parts = append(parts, protocol.GeminiPart{Text: text})
	}
	for _, t := range acc.tools {
		parts = append(parts, protocol.GeminiPart{FunctionCall: &protocol.GeminiFunctionCall{
			ID:   t.id,
			Name: t.name,
			Args: rawArgs(t.args),
		}})
	}
	model := acc.model
	if model == "" {
		model = "unknown"
	}
	return &protocol.GeminiResponse{
		ResponseID:   acc.id,
		ModelVersion: "models/" + model,
		Candidates: []protocol.GeminiCandidate{{
			Content:      protocol.GeminiContent{Role: "model", Parts: parts},
			FinishReason: claudeStopToGeminiFinish(acc.reason()),
		}},
		UsageMetadata: acc.usage().toGemini(),
	}
}

// ChatAggregator folds a chunk stream into a chat completion.
type ChatAggregator struct{ aggregatePipeline }

func NewChatAggregator() *ChatAggregator {
	a := &ChatAggregator{}
	a.dec = newChatStreamDecoder()
	return a
}

func (a *ChatAggregator) Result() *protocol.ChatResponse {
	acc := &a.acc
	msg := protocol.ChatMessage{Role: "assistant", Refusal: acc.refusal.String()}
	if acc.text.Len() > 0 {
		msg.Content = marshalChatContent([]protocol.ChatContentPart{{Type: "text", Text: acc.text.String()}})
	}
	for _, t := range acc.tools {
		msg.ToolCalls = append(msg.ToolCalls, protocol.ChatToolCall{
			ID:   t.id,
			Type: "function",
			Function: protocol.ChatFunctionCall{
				Name:      t.name,
				Arguments: argsString(rawArgs(t.args)),
			},
		})
	}
	id := acc.id
	if id == "" {
		id = "chatcmpl-stream"
	}
	return &protocol.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: acc.created,
		Model:   acc.model,
		Choices: []protocol.ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: claudeStopToChatFinish(acc.reason(), len(acc.tools) > 0),
		}},
		Usage: acc.usage().toChat(),
	}
}

// ResponsesAggregator folds a Responses event stream into a Responses object.
type ResponsesAggregator struct{ aggregatePipeline }

func NewResponsesAggregator() *ResponsesAggregator {
	a := &ResponsesAggregator{}
	a.dec = newResponsesStreamDecoder()
	return a
}

func (a *ResponsesAggregator) Result() *protocol.ResponsesResponse {
	acc := &a.acc
	id := acc.id
	if id == "" {
		id = "resp_stream"
	}
	out := &protocol.ResponsesResponse{
		ID:        id,
		Object:    "response",
		CreatedAt: acc.created,
		Model:     acc.model,
	}

	var msgParts []protocol.ResponsesContentPart
	if acc.text.Len() > 0 {
		msgParts = append(msgParts, protocol.ResponsesContentPart{Type: "output_text", Text: acc.text.String()})
	}
	if acc.refusal.Len() > 0 {
		msgParts = append(msgParts, protocol.ResponsesContentPart{Type: "refusal", Refusal: acc.refusal.String()})
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
	for _, t := range acc.tools {
		out.Output = append(out.Output, protocol.ResponsesOutputItem{
			Type:      "function_call",
			ID:        "fc_" + t.id,
			CallID:    t.id,
			Name:      t.name,
			Arguments: argsString(rawArgs(t.args)),
			Status:    protocol.ResponsesStatusCompleted,
		})
	}

	reason := acc.reason()
	out.Status, out.IncompleteDetails = terminalStatus(
		reason == protocol.ClaudeStopMaxTokens,
		reason == protocol.ClaudeStopRefusal,
	)
	if acc.finish != nil && acc.finish.failed {
		out.Status, out.IncompleteDetails = protocol.ResponsesStatusFailed, nil
	}
	out.Usage = acc.usage().toResponses()
	return out
}
