package transform

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/eugener/heimdall/internal/protocol"
)

// --- claude source ---

type claudeBlockState struct {
	kind string
	tool int
	args string
	done bool
}

type claudeStreamDecoder struct {
	blocks   map[int]*claudeBlockState
	nextTool int
	sawTools bool
	reason   string
	usage    *coreUsage
	finished bool
}

func newClaudeStreamDecoder() *claudeStreamDecoder {
	return &claudeStreamDecoder{blocks: map[int]*claudeBlockState{}}
}

func (d *claudeStreamDecoder) decode(ev protocol.StreamEvent) []coreEvent {
	if d.finished {
		return nil
	}
	var frame struct {
		Type         string                `json:"type"`
		Index        int                   `json:"index"`
		Message      *protocol.ClaudeResponse `json:"message"`
		ContentBlock *protocol.ClaudeBlock `json:"content_block"`
		Delta        struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			Thinking    string `json:"thinking"`
			Signature   string `json:"signature"`
			PartialJSON string `json:"partial_json"`
			StopReason  string `json:"stop_reason"`
		} `json:"delta"`
		Usage *protocol.ClaudeUsage `json:"usage"`
	}
	if json.Unmarshal(ev.Data, &frame) != nil {
		return nil
	}
	name := frame.Type
	if name == "" {
		name = ev.Event
	}

	switch name {
	case "message_start":
		if frame.Message == nil {
			return nil
		}
		if frame.Message.Usage != nil {
			d.usage = usageFromClaude(frame.Message.Usage)
		}
		return []coreEvent{{kind: coreMeta, id: frame.Message.ID, model: frame.Message.Model}}

	case "content_block_start":
		if frame.ContentBlock == nil {
			return nil
		}
		state := &claudeBlockState{kind: frame.ContentBlock.Type}
		d.blocks[frame.Index] = state
		switch frame.ContentBlock.Type {
		case "text":
			if frame.ContentBlock.Text != "" {
				return []coreEvent{{kind: coreText, text: frame.ContentBlock.Text}}
			}
		case "thinking":
			if frame.ContentBlock.Thinking != "" {
				return []coreEvent{{kind: coreThinking, text: frame.ContentBlock.Thinking}}
			}
		case "tool_use", "server_tool_use", "mcp_tool_use":
			state.tool = d.nextTool
			d.nextTool++
			d.sawTools = true
			if args := string(frame.ContentBlock.Input); args != "" && args != "{}" && args != "null" {
				state.args = args
			}
			return []coreEvent{{
				kind:     coreToolStart,
				tool:     state.tool,
				toolID:   frame.ContentBlock.ID,
				toolName: frame.ContentBlock.Name,
			}}
		}
		return nil

	case "content_block_delta":
		state := d.blocks[frame.Index]
		switch frame.Delta.Type {
		case "text_delta":
			return []coreEvent{{kind: coreText, text: frame.Delta.Text}}
		case "thinking_delta":
			return []coreEvent{{kind: coreThinking, text: frame.Delta.Thinking}}
		case "signature_delta":
			return []coreEvent{{kind: coreThinking, signature: frame.Delta.Signature}}
		case "input_json_delta":
			if state == nil || frame.Delta.PartialJSON == "" {
				return nil
			}
			state.args += frame.Delta.PartialJSON
			return []coreEvent{{kind: coreToolArgs, tool: state.tool, text: frame.Delta.PartialJSON}}
		}
		return nil

	case "content_block_stop":
		state := d.blocks[frame.Index]
		if state == nil || state.done {
			return nil
		}
		state.done = true
		switch state.kind {
		case "tool_use", "server_tool_use", "mcp_tool_use":
			args := state.args
			if args == "" {
				args = "{}"
			}
			return []coreEvent{{kind: coreToolDone, tool: state.tool, args: args}}
		}
		return nil

	case "message_delta":
		if frame.Delta.StopReason != "" {
			d.reason = frame.Delta.StopReason
		}
		if frame.Usage != nil && (frame.Usage.InputTokens > 0 || frame.Usage.OutputTokens > 0) {
			merged := usageFromClaude(frame.Usage)
			if d.usage != nil && merged.input == 0 {
				merged.input = d.usage.input
			}
			d.usage = merged
		}
		return nil

	case "message_stop":
		d.finished = true
		out := d.closeOpenTools()
		reason := d.reason
		if reason == "" {
			reason = protocol.ClaudeStopEndTurn
		}
		return append(out, coreEvent{kind: coreFinish, finish: &coreFinishData{reason: reason, usage: d.usage}})
	}
	return nil
}

func (d *claudeStreamDecoder) closeOpenTools() []coreEvent {
	var out []coreEvent
	for _, state := range d.blocks {
		if state.done || (state.kind != "tool_use" && state.kind != "server_tool_use" && state.kind != "mcp_tool_use") {
			continue
		}
		state.done = true
		args := state.args
		if args == "" {
			args = "{}"
		}
		out = append(out, coreEvent{kind: coreToolDone, tool: state.tool, args: args})
	}
	return out
}

// --- gemini source ---

type geminiStreamDecoder struct {
	metaSent bool
	nextTool int
	sawTools bool
	usage    *coreUsage
	finished bool
}

func newGeminiStreamDecoder() *geminiStreamDecoder {
	return &geminiStreamDecoder{}
}

func (d *geminiStreamDecoder) decode(ev protocol.StreamEvent) []coreEvent {
	if d.finished {
		return nil
	}
	data := bytes.TrimSpace(ev.Data)
	if len(data) == 0 {
		return nil
	}
	// Some upstreams frame the whole stream as a JSON array.
	if data[0] == '[' {
		var chunks []protocol.GeminiResponse
		if json.Unmarshal(data, &chunks) != nil {
			return nil
		}
		var out []coreEvent
		for i := range chunks {
			out = append(out, d.decodeChunk(&chunks[i])...)
		}
		return out
	}
	var chunk protocol.GeminiResponse
	if json.Unmarshal(data, &chunk) != nil {
		return nil
	}
	return d.decodeChunk(&chunk)
}

func (d *geminiStreamDecoder) decodeChunk(chunk *protocol.GeminiResponse) []coreEvent {
	var out []coreEvent
	if !d.metaSent && (chunk.ResponseID != "" || chunk.ModelVersion != "") {
		d.metaSent = true
		out = append(out, coreEvent{
			kind:  coreMeta,
			id:    chunk.ResponseID,
			model: modelID(chunk.ModelVersion),
		})
	}
	if chunk.UsageMetadata != nil {
		d.usage = usageFromGemini(chunk.UsageMetadata)
	}

	finish := ""
	if len(chunk.Candidates) > 0 {
		cand := &chunk.Candidates[0]
		finish = cand.FinishReason
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				tool := d.nextTool
				d.nextTool++
				d.sawTools = true
				args := argsString(p.FunctionCall.Args)
				out = append(out,
					coreEvent{kind: coreToolStart, tool: tool, toolID: p.FunctionCall.ID, toolName: p.FunctionCall.Name},
					coreEvent{kind: coreToolArgs, tool: tool, text: args},
					coreEvent{kind: coreToolDone, tool: tool, args: args},
				)
			case p.Thought:
				out = append(out, coreEvent{kind: coreThinking, text: p.Text, signature: p.ThoughtSignature})
			case p.Text != "":
				out = append(out, coreEvent{kind: coreText, text: p.Text})
			}
		}
	}

	if finish != "" {
		d.finished = true
		out = append(out, coreEvent{kind: coreFinish, finish: &coreFinishData{
			reason: geminiFinishToClaudeStop(finish, d.sawTools),
			usage:  d.usage,
		}})
	}
	return out
}

// --- openai chat source ---

type chatToolState struct {
	slot    int
	args    string
	started bool
	done    bool
}

type chatStreamDecoder struct {
	metaSent bool
	tools    map[int]*chatToolState // keyed by wire tool-call index
	order    []int
	nextTool int
	sawTools bool
	reason   string // pending, in claude vocabulary
	pending  bool
	usage    *coreUsage
	finished bool
}

func newChatStreamDecoder() *chatStreamDecoder {
	return &chatStreamDecoder{tools: map[int]*chatToolState{}}
}

func (d *chatStreamDecoder) decode(ev protocol.StreamEvent) []coreEvent {
	if d.finished {
		return nil
	}
	data := bytes.TrimSpace(ev.Data)
	if string(data) == "[DONE]" {
		if d.pending {
			return d.emitFinish()
		}
		return nil
	}
	var chunk protocol.ChatChunk
	if json.Unmarshal(data, &chunk) != nil {
		return nil
	}

	var out []coreEvent
	if !d.metaSent && (chunk.ID != "" || chunk.Model != "") {
		d.metaSent = true
		out = append(out, coreEvent{kind: coreMeta, id: chunk.ID, model: chunk.Model, created: chunk.Created})
	}
	if chunk.Usage != nil {
		d.usage = usageFromChat(chunk.Usage)
	}

	if len(chunk.Choices) > 0 {
		choice := &chunk.Choices[0]
		if choice.Delta.Content != "" {
			out = append(out, coreEvent{kind: coreText, text: choice.Delta.Content})
		}
		if choice.Delta.Refusal != "" {
			out = append(out, coreEvent{kind: coreRefusal, text: choice.Delta.Refusal})
		}
		for _, tc := range choice.Delta.ToolCalls {
			state := d.tools[tc.Index]
			if state == nil {
				state = &chatToolState{slot: d.nextTool}
				d.nextTool++
				d.tools[tc.Index] = state
				d.order = append(d.order, tc.Index)
			}
			if !state.started && (tc.ID != "" || (tc.Function != nil && tc.Function.Name != "")) {
				state.started = true
				d.sawTools = true
				name := ""
				if tc.Function != nil {
					name = tc.Function.Name
				}
				out = append(out, coreEvent{kind: coreToolStart, tool: state.slot, toolID: tc.ID, toolName: name})
			}
			if tc.Function != nil && tc.Function.Arguments != "" {
				state.args += tc.Function.Arguments
				out = append(out, coreEvent{kind: coreToolArgs, tool: state.slot, text: tc.Function.Arguments})
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			d.reason = chatFinishToClaudeStop(*choice.FinishReason)
			d.pending = true
		}
	}

	// Hold the finish until usage lands (the final usage-only chunk), falling
	// back to the [DONE] sentinel when the upstream never sends counters.
	if d.pending && d.usage != nil {
		out = append(out, d.emitFinish()...)
	}
	return out
}

func (d *chatStreamDecoder) emitFinish() []coreEvent {
	d.finished = true
	var out []coreEvent
	for _, idx := range d.order {
		state := d.tools[idx]
		if state.done || !state.started {
			continue
		}
		state.done = true
		args := state.args
		if args == "" {
			args = "{}"
		}
		out = append(out, coreEvent{kind: coreToolDone, tool: state.slot, args: args})
	}
	reason := d.reason
	if reason == "" {
		reason = protocol.ClaudeStopEndTurn
	}
	return append(out, coreEvent{kind: coreFinish, finish: &coreFinishData{reason: reason, usage: d.usage}})
}

// --- openai responses source ---

type responsesToolState struct {
	slot string // output item id
	tool int
	args string
	done bool
}

type responsesStreamDecoder struct {
	metaSent   bool
	tools      map[int]*responsesToolState // keyed by output_index
	order      []int
	nextTool   int
	sawTools   bool
	sawRefusal bool
	textBuf    map[string]string // keyed by "<output_index>/<content_index>"
	finished   bool
}

func newResponsesStreamDecoder() *responsesStreamDecoder {
	return &responsesStreamDecoder{
		tools:   map[int]*responsesToolState{},
		textBuf: map[string]string{},
	}
}

func bufKey(outIdx, contentIdx int64) string {
	return fmt.Sprintf("%d/%d", outIdx, contentIdx)
}

func (d *responsesStreamDecoder) decode(ev protocol.StreamEvent) []coreEvent {
	if d.finished {
		return nil
	}
	root := gjson.ParseBytes(ev.Data)
	name := ev.Event
	if name == "" {
		name = root.Get("type").String()
	}

	switch name {
	case "response.created", "response.in_progress":
		if d.metaSent {
			return nil
		}
		d.metaSent = true
		resp := root.Get("response")
		return []coreEvent{{
			kind:    coreMeta,
			id:      resp.Get("id").String(),
			model:   resp.Get("model").String(),
			created: resp.Get("created_at").Int(),
		}}

	case "response.output_item.added":
		item := root.Get("item")
		switch item.Get("type").String() {
		case "function_call", "mcp_call":
			outIdx := int(root.Get("output_index").Int())
			state := &responsesToolState{tool: d.nextTool}
			d.nextTool++
			d.tools[outIdx] = state
			d.order = append(d.order, outIdx)
			d.sawTools = true
			id := item.Get("call_id").String()
			if id == "" {
				id = item.Get("id").String()
			}
			if args := item.Get("arguments").String(); args != "" {
				state.args = args
			}
			return []coreEvent{{
				kind:     coreToolStart,
				tool:     state.tool,
				toolID:   id,
				toolName: item.Get("name").String(),
			}}
		}
		return nil

	case "response.output_text.delta":
		delta := root.Get("delta").String()
		key := bufKey(root.Get("output_index").Int(), root.Get("content_index").Int())
		d.textBuf[key] += delta
		if delta == "" {
			return nil
		}
		return []coreEvent{{kind: coreText, text: delta}}

	case "response.output_text.done":
		key := bufKey(root.Get("output_index").Int(), root.Get("content_index").Int())
		full := root.Get("text").String()
		suffix := computeDelta(d.textBuf[key], full)
		d.textBuf[key] = full
		if suffix == "" {
			return nil
		}
		return []coreEvent{{kind: coreText, text: suffix}}

	case "response.refusal.delta":
		d.sawRefusal = true
		delta := root.Get("delta").String()
		key := "r" + bufKey(root.Get("output_index").Int(), root.Get("content_index").Int())
		d.textBuf[key] += delta
		if delta == "" {
			return nil
		}
		return []coreEvent{{kind: coreRefusal, text: delta}}

	case "response.refusal.done":
		d.sawRefusal = true
		key := "r" + bufKey(root.Get("output_index").Int(), root.Get("content_index").Int())
		suffix := computeDelta(d.textBuf[key], root.Get("refusal").String())
		d.textBuf[key] += suffix
		if suffix == "" {
			return nil
		}
		return []coreEvent{{kind: coreRefusal, text: suffix}}

	case "response.reasoning_summary_text.delta":
		if delta := root.Get("delta").String(); delta != "" {
			return []coreEvent{{kind: coreThinking, text: delta}}
		}
		return nil

	case "response.function_call_arguments.delta":
		state := d.tools[int(root.Get("output_index").Int())]
		if state == nil {
			return nil
		}
		delta := root.Get("delta").String()
		state.args += delta
		if delta == "" {
			return nil
		}
		return []coreEvent{{kind: coreToolArgs, tool: state.tool, text: delta}}

	case "response.function_call_arguments.done":
		state := d.tools[int(root.Get("output_index").Int())]
		if state == nil {
			return nil
		}
		full := root.Get("arguments").String()
		suffix := computeDelta(state.args, full)
		state.args = full
		if suffix == "" {
			return nil
		}
		return []coreEvent{{kind: coreToolArgs, tool: state.tool, text: suffix}}

	case "response.output_item.done":
		item := root.Get("item")
		switch item.Get("type").String() {
		case "function_call", "mcp_call":
			state := d.tools[int(root.Get("output_index").Int())]
			if state == nil || state.done {
				return nil
			}
			state.done = true
			args := item.Get("arguments").String()
			if args == "" {
				args = state.args
			}
			if args == "" {
				args = "{}"
			}
			state.args = args
			return []coreEvent{{kind: coreToolDone, tool: state.tool, args: args}}
		}
		return nil

	case "response.completed", "response.failed", "response.incomplete":
		d.finished = true
		out := d.closeOpenTools()
		resp := root.Get("response")

		reason := protocol.ClaudeStopEndTurn
		failed := false
		switch name {
		case "response.failed":
			reason = protocol.ClaudeStopPauseTurn
			failed = true
		case "response.incomplete":
			switch resp.Get("incomplete_details.reason").String() {
			case "max_output_tokens":
				reason = protocol.ClaudeStopMaxTokens
			case "content_filter":
				reason = protocol.ClaudeStopRefusal
			default:
				reason = protocol.ClaudeStopPauseTurn
			}
		default:
			switch {
			case d.sawRefusal:
				reason = protocol.ClaudeStopRefusal
			case d.sawTools:
				reason = protocol.ClaudeStopToolUse
			}
		}

		var usage *coreUsage
		if u := resp.Get("usage"); u.Exists() {
			var ru protocol.ResponsesUsage
			if json.Unmarshal([]byte(u.Raw), &ru) == nil {
				usage = usageFromResponses(&ru)
			}
		}
		return append(out, coreEvent{kind: coreFinish, finish: &coreFinishData{reason: reason, failed: failed, usage: usage}})
	}
	return nil
}

func (d *responsesStreamDecoder) closeOpenTools() []coreEvent {
	var out []coreEvent
	for _, idx := range d.order {
		state := d.tools[idx]
		if state.done {
			continue
		}
		state.done = true
		args := state.args
		if args == "" {
			args = "{}"
		}
		out = append(out, coreEvent{kind: coreToolDone, tool: state.tool, args: args})
	}
	return out
}
