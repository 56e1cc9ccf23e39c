package transform

import (
	"fmt"

	"github.com/eugener/heimdall/internal/protocol"
)

// --- claude target ---

type claudeStreamEncoder struct {
	id         string
	model      string
	started    bool
	nextBlock  int
	openKind   string // "", "text", "thinking", "tool"
	openIndex  int
	toolBlocks map[int]int // tool slot -> block index
	openTools  map[int]bool
	sawRefusal bool
	finished   bool
}

func newClaudeStreamEncoder() *claudeStreamEncoder {
	return &claudeStreamEncoder{
		id:         "msg_stream",
		model:      "unknown",
		toolBlocks: map[int]int{},
		openTools:  map[int]bool{},
	}
}

func (e *claudeStreamEncoder) start() []protocol.StreamEvent {
	if e.started {
		return nil
	}
	e.started = true
	return []protocol.StreamEvent{protocol.Event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      e.id,
			"type":    "message",
			"role":    "assistant",
			"model":   e.model,
			"content": []any{},
			"usage":   map[string]int{"input_tokens": 0, "output_tokens": 0},
		},
	})}
}

// openBlock closes the current non-tool block and opens a new one of the
// given kind, returning the emitted frames and the new block index.
func (e *claudeStreamEncoder) openBlock(kind string, block map[string]any) ([]protocol.StreamEvent, int) {
	var out []protocol.StreamEvent
	out = append(out, e.closeOpenBlock()...)
	index := e.nextBlock
	e.nextBlock++
	e.openKind = kind
	e.openIndex = index
	block["type"] = kindBlockType(kind, block)
	out = append(out, protocol.Event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": block,
	}))
	return out, index
}

func kindBlockType(kind string, block map[string]any) string {
	if t, ok := block["type"].(string); ok && t != "" {
		return t
	}
	return kind
}

func (e *claudeStreamEncoder) closeOpenBlock() []protocol.StreamEvent {
	if e.openKind == "" {
		return nil
	}
	index := e.openIndex
	if e.openKind == "tool" {
		// Retire the slot so its later coreToolDone cannot stop the block a
		// second time; blocks open and close exactly once.
		for slot, block := range e.toolBlocks {
			if block == index {
				e.openTools[slot] = false
			}
		}
	}
	e.openKind = ""
	return []protocol.StreamEvent{protocol.Event("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})}
}

func (e *claudeStreamEncoder) encode(ev coreEvent) []protocol.StreamEvent {
	if e.finished {
		return nil
	}
	switch ev.kind {
	case coreMeta:
		if ev.id != "" {
			e.id = ev.id
		}
		if ev.model != "" {
			e.model = ev.model
		}
		return e.start()

	case coreText, coreRefusal:
		if ev.kind == coreRefusal {
			e.sawRefusal = true
		}
		out := e.start()
		if e.openKind != "text" {
			frames, _ := e.openBlock("text", map[string]any{"type": "text", "text": ""})
			out = append(out, frames...)
		}
		return append(out, protocol.Event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.openIndex,
			"delta": map[string]string{"type": "text_delta", "text": ev.text},
		}))

	case coreThinking:
		out := e.start()
		if e.openKind != "thinking" {
			frames, _ := e.openBlock("thinking", map[string]any{"type": "thinking", "thinking": ""})
			out = append(out, frames...)
		}
		deltaType, field, value := "thinking_delta", "thinking", ev.text
		if ev.signature != "" {
			deltaType, field, value = "signature_delta", "signature", ev.signature
		}
		return append(out, protocol.Event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.openIndex,
			"delta": map[string]string{"type": deltaType, field: value},
		}))

	case coreToolStart:
		out := e.start()
		frames, index := e.openBlock("tool", map[string]any{
			"type":  "tool_use",
			"id":    ev.toolID,
			"name":  ev.toolName,
			"input": map[string]any{},
		})
		out = append(out, frames...)
		e.toolBlocks[ev.tool] = index
		e.openTools[ev.tool] = true
		return out

	case coreToolArgs:
		index, ok := e.toolBlocks[ev.tool]
		if !ok || !e.openTools[ev.tool] {
			return nil
		}
		return []protocol.StreamEvent{protocol.Event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]string{"type": "input_json_delta", "partial_json": ev.text},
		})}

	case coreToolDone:
		index, ok := e.toolBlocks[ev.tool]
		if !ok || !e.openTools[ev.tool] {
			return nil
		}
		e.openTools[ev.tool] = false
		if e.openKind == "tool" && e.openIndex == index {
			e.openKind = ""
		}
		return []protocol.StreamEvent{protocol.Event("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": index,
		})}

	case coreFinish:
		e.finished = true
		out := e.start()
		out = append(out, e.closeOpenBlock()...)
		reason := ev.finish.reason
		if e.sawRefusal {
			reason = protocol.ClaudeStopRefusal
		}
		delta := map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": reason, "stop_sequence": nil},
		}
		if u := ev.finish.usage.toClaude(); u != nil {
			delta["usage"] = u
		}
		out = append(out, protocol.Event("message_delta", delta))
		return append(out, protocol.Event("message_stop", map[string]string{"type": "message_stop"}))
	}
	return nil
}

// --- gemini target ---

type geminiStreamEncoder struct {
	responseID   string
	modelVersion string
	toolArgs     map[int]string
	toolIDs      map[int]string
	toolNames    map[int]string
	toolEmitted  map[int]bool
	sawRefusal   bool
	finished     bool
}

func newGeminiStreamEncoder() *geminiStreamEncoder {
	return &geminiStreamEncoder{
		responseID:   "response",
		modelVersion: "models/unknown",
		toolArgs:     map[int]string{},
		toolIDs:      map[int]string{},
		toolNames:    map[int]string{},
		toolEmitted:  map[int]bool{},
	}
}

func (e *geminiStreamEncoder) chunk(parts []protocol.GeminiPart, finish string, usage *protocol.GeminiUsageMetadata) protocol.StreamEvent {
	return protocol.DataEvent(&protocol.GeminiResponse{
		ResponseID:   e.responseID,
		ModelVersion: e.modelVersion,
		Candidates: []protocol.GeminiCandidate{{
			Content:      protocol.GeminiContent{Role: "model", Parts: parts},
			FinishReason: finish,
		}},
		UsageMetadata: usage,
	})
}

func (e *geminiStreamEncoder) functionCallPart(tool int) protocol.GeminiPart {
	return protocol.GeminiPart{FunctionCall: &protocol.GeminiFunctionCall{
		ID:   e.toolIDs[tool],
		Name: e.toolNames[tool],
		Args: rawArgs(e.toolArgs[tool]),
	}}
}

func (e *geminiStreamEncoder) encode(ev coreEvent) []protocol.StreamEvent {
	if e.finished {
		return nil
	}
	switch ev.kind {
	case coreMeta:
		if ev.id != "" {
			e.responseID = ev.id
		}
		if ev.model != "" {
			e.modelVersion = "models/" + ev.model
		}
		return nil

	case coreText:
		return []protocol.StreamEvent{e.chunk([]protocol.GeminiPart{{Text: ev.text}}, "", nil)}

	case coreRefusal:
		e.sawRefusal = true
		return []protocol.StreamEvent{e.chunk([]protocol.GeminiPart{{Text: ev.text}}, "", nil)}

	case coreThinking:
		if ev.text == "" {
			return nil
		}
		return []protocol.StreamEvent{e.chunk([]protocol.GeminiPart{{Text: ev.text, Thought: true, ThoughtSignature: ev.signature}}, "", nil)}

	case coreToolStart:
		e.toolIDs[ev.tool] = ev.toolID
		e.toolNames[ev.tool] = ev.toolName
		return nil

	case coreToolArgs:
		// Each delta re-emits the full accumulated arguments; consumers keep
		// the last functionCall they saw for a given id.
		e.toolArgs[ev.tool] += ev.text
		e.toolEmitted[ev.tool] = true
		return []protocol.StreamEvent{e.chunk([]protocol.GeminiPart{e.functionCallPart(ev.tool)}, "", nil)}

	case coreToolDone:
		if e.toolEmitted[ev.tool] {
			return nil
		}
		e.toolEmitted[ev.tool] = true
		e.toolArgs[ev.tool] = ev.args
		return []protocol.StreamEvent{e.chunk([]protocol.GeminiPart{e.functionCallPart(ev.tool)}, "", nil)}

	case coreFinish:
		e.finished = true
		reason := ev.finish.reason
		if e.sawRefusal {
			reason = protocol.ClaudeStopRefusal
		}
		return []protocol.StreamEvent{e.chunk(nil, claudeStopToGeminiFinish(reason), ev.finish.usage.toGemini())}
	}
	return nil
}

// --- openai chat target ---

type chatStreamEncoder struct {
	id       string
	model    string
	created  int64
	roleSent bool
	sawTools bool
	finished bool
}

func newChatStreamEncoder() *chatStreamEncoder {
	return &chatStreamEncoder{id: "chatcmpl-stream", model: "unknown"}
}

func (e *chatStreamEncoder) chunk(choice protocol.ChatChunkChoice, usage *protocol.ChatUsage) protocol.StreamEvent {
	return protocol.DataEvent(&protocol.ChatChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []protocol.ChatChunkChoice{choice},
		Usage:   usage,
	})
}

// takeRole stamps role=assistant on the first content-bearing delta only.
func (e *chatStreamEncoder) takeRole() string {
	if e.roleSent {
		return ""
	}
	e.roleSent = true
	return "assistant"
}

func (e *chatStreamEncoder) encode(ev coreEvent) []protocol.StreamEvent {
	if e.finished {
		return nil
	}
	switch ev.kind {
	case coreMeta:
		if ev.id != "" {
			e.id = ev.id
		}
		if ev.model != "" {
			e.model = ev.model
		}
		if ev.created != 0 {
			e.created = ev.created
		}
		// The first chunk announces the assistant role on its own.
		if role := e.takeRole(); role != "" {
			return []protocol.StreamEvent{e.chunk(protocol.ChatChunkChoice{
				Delta: protocol.ChatDelta{Role: role},
			}, nil)}
		}
		return nil

	case coreText:
		return []protocol.StreamEvent{e.chunk(protocol.ChatChunkChoice{
			Delta: protocol.ChatDelta{Role: e.takeRole(), Content: ev.text},
		}, nil)}

	case coreRefusal:
		return []protocol.StreamEvent{e.chunk(protocol.ChatChunkChoice{
			Delta: protocol.ChatDelta{Role: e.takeRole(), Refusal: ev.text},
		}, nil)}

	case coreToolStart:
		e.sawTools = true
		return []protocol.StreamEvent{e.chunk(protocol.ChatChunkChoice{
			Delta: protocol.ChatDelta{
				Role: e.takeRole(),
				ToolCalls: []protocol.ChatToolCallDelta{{
					Index:    ev.tool,
					ID:       ev.toolID,
					Type:     "function",
					Function: &protocol.ChatFunctionCall{Name: ev.toolName},
				}},
			},
		}, nil)}

	case coreToolArgs:
		return []protocol.StreamEvent{e.chunk(protocol.ChatChunkChoice{
			Delta: protocol.ChatDelta{
				ToolCalls: []protocol.ChatToolCallDelta{{
					Index:    ev.tool,
					Function: &protocol.ChatFunctionCall{Arguments: ev.text},
				}},
			},
		}, nil)}

	case coreFinish:
		e.finished = true
		finish := claudeStopToChatFinish(ev.finish.reason, e.sawTools)
		final := e.chunk(protocol.ChatChunkChoice{FinishReason: &finish}, ev.finish.usage.toChat())
		return []protocol.StreamEvent{final, {Data: []byte("[DONE]")}}
	}
	return nil
}

// --- openai responses target ---

type responsesStreamEncoder struct {
	id      string
	model   string
	created int64
	seq     int
	started bool

	nextIndex int
	msgOpen   bool
	msgIndex  int
	msgID     string
	msgText   string

	toolIndex map[int]int    // tool slot -> output index
	toolID    map[int]string // tool slot -> item id
	toolCall  map[int]string // tool slot -> call id
	toolName  map[int]string
	toolArgs  map[int]string
	toolOpen  map[int]bool

	output     []protocol.ResponsesOutputItem
	sawRefusal bool
	finished   bool
}

func newResponsesStreamEncoder() *responsesStreamEncoder {
	return &responsesStreamEncoder{
		id:        "resp_stream",
		model:     "unknown",
		toolIndex: map[int]int{},
		toolID:    map[int]string{},
		toolCall:  map[int]string{},
		toolName:  map[int]string{},
		toolArgs:  map[int]string{},
		toolOpen:  map[int]bool{},
	}
}

func (e *responsesStreamEncoder) event(name string, fields map[string]any) protocol.StreamEvent {
	e.seq++
	fields["type"] = name
	fields["sequence_number"] = e.seq
	return protocol.Event(name, fields)
}

func (e *responsesStreamEncoder) snapshot(status string) map[string]any {
	snap := map[string]any{
		"id":         e.id,
		"object":     "response",
		"model":      e.model,
		"created_at": e.created,
		"status":     status,
		"output":     e.output,
	}
	if e.output == nil {
		snap["output"] = []any{}
	}
	return snap
}

func (e *responsesStreamEncoder) start() []protocol.StreamEvent {
	if e.started {
		return nil
	}
	e.started = true
	return []protocol.StreamEvent{e.event("response.created", map[string]any{
		"response": e.snapshot(protocol.ResponsesStatusInProgress),
	})}
}

func (e *responsesStreamEncoder) openMessage() []protocol.StreamEvent {
	if e.msgOpen {
		return nil
	}
	e.msgOpen = true
	e.msgIndex = e.nextIndex
	e.nextIndex++
	e.msgID = fmt.Sprintf("msg_%d", e.msgIndex)
	e.msgText = ""
	return []protocol.StreamEvent{
		e.event("response.output_item.added", map[string]any{
			"output_index": e.msgIndex,
			"item": map[string]any{
				"id":      e.msgID,
				"type":    "message",
				"status":  protocol.ResponsesStatusInProgress,
				"role":    "assistant",
				"content": []any{},
			},
		}),
		e.event("response.content_part.added", map[string]any{
			"item_id":       e.msgID,
			"output_index":  e.msgIndex,
			"content_index": 0,
			"part":          map[string]string{"type": "output_text", "text": ""},
		}),
	}
}

func (e *responsesStreamEncoder) closeMessage() []protocol.StreamEvent {
	if !e.msgOpen {
		return nil
	}
	e.msgOpen = false
	item := protocol.ResponsesOutputItem{
		ID:     e.msgID,
		Type:   "message",
		Status: protocol.ResponsesStatusCompleted,
		Role:   "assistant",
		Content: []protocol.ResponsesContentPart{{
			Type: "output_text",
			Text: e.msgText,
		}},
	}
	e.output = append(e.output, item)
	return []protocol.StreamEvent{
		e.event("response.output_text.done", map[string]any{
			"item_id":       e.msgID,
			"output_index":  e.msgIndex,
			"content_index": 0,
			"text":          e.msgText,
		}),
		e.event("response.content_part.done", map[string]any{
			"item_id":       e.msgID,
			"output_index":  e.msgIndex,
			"content_index": 0,
			"part":          map[string]string{"type": "output_text", "text": e.msgText},
		}),
		e.event("response.output_item.done", map[string]any{
			"output_index": e.msgIndex,
			"item":         item,
		}),
	}
}

func (e *responsesStreamEncoder) closeTool(slot int) []protocol.StreamEvent {
	if !e.toolOpen[slot] {
		return nil
	}
	e.toolOpen[slot] = false
	args := e.toolArgs[slot]
	if args == "" {
		args = "{}"
	}
	item := protocol.ResponsesOutputItem{
		ID:        e.toolID[slot],
		Type:      "function_call",
		Status:    protocol.ResponsesStatusCompleted,
		CallID:    e.toolCall[slot],
		Name:      e.toolName[slot],
		Arguments: args,
	}
	e.output = append(e.output, item)
	return []protocol.StreamEvent{
		e.event("response.function_call_arguments.done", map[string]any{
			"item_id":      e.toolID[slot],
			"output_index": e.toolIndex[slot],
			"arguments":    args,
		}),
		e.event("response.output_item.done", map[string]any{
			"output_index": e.toolIndex[slot],
			"item":         item,
		}),
	}
}

func (e *responsesStreamEncoder) encode(ev coreEvent) []protocol.StreamEvent {
	if e.finished {
		return nil
	}
	switch ev.kind {
	case coreMeta:
		if ev.id != "" {
			e.id = ev.id
		}
		if ev.model != "" {
			e.model = ev.model
		}
		if ev.created != 0 {
			e.created = ev.created
		}
		return e.start()

	case coreText, coreRefusal:
		if ev.kind == coreRefusal {
			e.sawRefusal = true
		}
		out := e.start()
		out = append(out, e.openMessage()...)
		e.msgText += ev.text
		return append(out, e.event("response.output_text.delta", map[string]any{
			"item_id":       e.msgID,
			"output_index":  e.msgIndex,
			"content_index": 0,
			"delta":         ev.text,
		}))

	case coreThinking:
		return nil

	case coreToolStart:
		out := e.start()
		out = append(out, e.closeMessage()...)
		index := e.nextIndex
		e.nextIndex++
		e.toolIndex[ev.tool] = index
		e.toolID[ev.tool] = fmt.Sprintf("fc_%d", index)
		e.toolCall[ev.tool] = ev.toolID
		e.toolName[ev.tool] = ev.toolName
		e.toolOpen[ev.tool] = true
		return append(out, e.event("response.output_item.added", map[string]any{
			"output_index": index,
			"item": map[string]any{
				"id":        e.toolID[ev.tool],
				"type":      "function_call",
				"status":    protocol.ResponsesStatusInProgress,
				"call_id":   ev.toolID,
				"name":      ev.toolName,
				"arguments": "",
			},
		}))

	case coreToolArgs:
		if !e.toolOpen[ev.tool] {
			return nil
		}
		e.toolArgs[ev.tool] += ev.text
		return []protocol.StreamEvent{e.event("response.function_call_arguments.delta", map[string]any{
			"item_id":      e.toolID[ev.tool],
			"output_index": e.toolIndex[ev.tool],
			"delta":        ev.text,
		})}

	case coreToolDone:
		if ev.args != "" {
			e.toolArgs[ev.tool] = ev.args
		}
		return e.closeTool(ev.tool)

	case coreFinish:
		e.finished = true
		out := e.start()
		out = append(out, e.closeMessage()...)
		for slot := 0; slot < len(e.toolIndex); slot++ {
			out = append(out, e.closeTool(slot)...)
		}

		reason := ev.finish.reason
		if e.sawRefusal {
			reason = protocol.ClaudeStopRefusal
		}
		name := "response.completed"
		status, details := terminalStatus(
			reason == protocol.ClaudeStopMaxTokens,
			reason == protocol.ClaudeStopRefusal,
		)
		if ev.finish.failed {
			name, status, details = "response.failed", protocol.ResponsesStatusFailed, nil
		} else if status == protocol.ResponsesStatusIncomplete {
			name = "response.incomplete"
		}

		snap := e.snapshot(status)
		if details != nil {
			snap["incomplete_details"] = details
		}
		if u := ev.finish.usage.toResponses(); u != nil {
			snap["usage"] = u
		}
		return append(out, e.event(name, map[string]any{"response": snap}))
	}
	return nil
}
