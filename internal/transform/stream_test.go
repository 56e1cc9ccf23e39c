package transform

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/eugener/heimdall/internal/protocol"
)

func named(name, data string) protocol.StreamEvent {
	return protocol.StreamEvent{Event: name, Data: []byte(data)}
}

func data(body string) protocol.StreamEvent {
	return protocol.StreamEvent{Data: []byte(body)}
}

func pushAll(tr StreamTranslator, events ...protocol.StreamEvent) []protocol.StreamEvent {
	var out []protocol.StreamEvent
	for _, ev := range events {
		out = append(out, tr.Push(ev)...)
	}
	return out
}

func decodeChunk(t *testing.T, ev protocol.StreamEvent) *protocol.ChatChunk {
	t.Helper()
	var chunk protocol.ChatChunk
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		t.Fatalf("chunk decode: %v (%s)", err, ev.Data)
	}
	return &chunk
}

// Responses upstream translated to a Chat stream: role chunk, tool-call open,
// two argument deltas, terminal chunk with finish_reason and usage.
func TestStreamResponsesToChat(t *testing.T) {
	t.Parallel()

	tr := NewStreamResponsesToChat()
	out := pushAll(tr,
		named("response.created", `{"response":{"id":"resp_1","model":"gpt-x","created_at":1}}`),
		named("response.output_item.added", `{"output_index":0,"item":{"type":"function_call","id":"fc_1","call_id":"call_1","name":"do_x"}}`),
		named("response.function_call_arguments.delta", `{"output_index":0,"delta":"{\"a\":"}`),
		named("response.function_call_arguments.delta", `{"output_index":0,"delta":"1}"}`),
		named("response.output_item.done", `{"output_index":0,"item":{"type":"function_call","call_id":"call_1","name":"do_x","arguments":"{\"a\":1}"}}`),
		named("response.completed", `{"response":{"status":"completed","usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15}}}`),
	)

	// role, tool open, two arg deltas, final, [DONE]
	if len(out) != 6 {
		t.Fatalf("got %d events, want 6: %v", len(out), out)
	}

	if c := decodeChunk(t, out[0]); c.Choices[0].Delta.Role != "assistant" {
		t.Errorf("chunk 0 role = %q, want assistant", c.Choices[0].Delta.Role)
	}

	c := decodeChunk(t, out[1])
	tc := c.Choices[0].Delta.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "do_x" || tc.Index != 0 {
		t.Errorf("tool open chunk = %+v", tc)
	}

	if c := decodeChunk(t, out[2]); c.Choices[0].Delta.ToolCalls[0].Function.Arguments != `{"a":` {
		t.Errorf("args delta 1 = %+v", c.Choices[0].Delta.ToolCalls[0])
	}
	if c := decodeChunk(t, out[3]); c.Choices[0].Delta.ToolCalls[0].Function.Arguments != `1}` {
		t.Errorf("args delta 2 = %+v", c.Choices[0].Delta.ToolCalls[0])
	}

	final := decodeChunk(t, out[4])
	if final.Choices[0].FinishReason == nil || *final.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish = %+v, want tool_calls", final.Choices[0].FinishReason)
	}
	if final.Usage == nil || final.Usage.PromptTokens != 10 || final.Usage.CompletionTokens != 5 || final.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", final.Usage)
	}

	if string(out[5].Data) != "[DONE]" {
		t.Errorf("last event = %q, want [DONE]", out[5].Data)
	}
}

func TestStreamClaudeToGemini(t *testing.T) {
	t.Parallel()

	tr := NewStreamClaudeToGemini()
	out := pushAll(tr,
		named("message_start", `{"type":"message_start","message":{"id":"msg_1","model":"claude-3.7","usage":{"input_tokens":3}}}`),
		named("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		named("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`),
		named("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`),
		named("content_block_stop", `{"type":"content_block_stop","index":0}`),
		named("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`),
		named("message_stop", `{"type":"message_stop"}`),
	)

	if len(out) != 3 {
		t.Fatalf("got %d chunks, want 3: %v", len(out), out)
	}

	var first protocol.GeminiResponse
	if err := json.Unmarshal(out[0].Data, &first); err != nil {
		t.Fatal(err)
	}
	if first.ResponseID != "msg_1" || first.ModelVersion != "models/claude-3.7" {
		t.Errorf("identity = %q / %q", first.ResponseID, first.ModelVersion)
	}
	if first.Candidates[0].Content.Parts[0].Text != "hel" {
		t.Errorf("part = %+v", first.Candidates[0].Content.Parts[0])
	}

	var last protocol.GeminiResponse
	if err := json.Unmarshal(out[2].Data, &last); err != nil {
		t.Fatal(err)
	}
	if last.Candidates[0].FinishReason != "STOP" {
		t.Errorf("finish = %q, want STOP", last.Candidates[0].FinishReason)
	}
	if last.UsageMetadata == nil || last.UsageMetadata.PromptTokenCount != 3 || last.UsageMetadata.CandidatesTokenCount != 2 {
		t.Errorf("usage = %+v", last.UsageMetadata)
	}
}

func TestStreamGeminiToClaudeClosure(t *testing.T) {
	t.Parallel()

	tr := NewStreamGeminiToClaude()
	out := pushAll(tr,
		data(`{"responseId":"r1","modelVersion":"models/g-1","candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]}}]}`),
		data(`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"do_x","args":{"a":1}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6,"totalTokenCount":10}}`),
	)

	starts, stops := 0, 0
	var sawStop, sawDelta bool
	for _, ev := range out {
		switch ev.Event {
		case "content_block_start":
			starts++
		case "content_block_stop":
			stops++
		case "message_delta":
			sawDelta = true
		case "message_stop":
			sawStop = true
		}
	}
	if starts != stops {
		t.Errorf("starts = %d, stops = %d; every open block must close", starts, stops)
	}
	if !sawDelta || !sawStop {
		t.Error("terminal message_delta + message_stop missing")
	}

	// finish with tools maps to tool_use
	for _, ev := range out {
		if ev.Event != "message_delta" {
			continue
		}
		if !strings.Contains(string(ev.Data), `"stop_reason":"tool_use"`) {
			t.Errorf("message_delta = %s, want tool_use stop", ev.Data)
		}
	}

	// terminal event twice emits nothing further
	if extra := tr.Push(data(`{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"STOP"}]}`)); len(extra) != 0 {
		t.Errorf("after finish = %v, want none", extra)
	}
}

func TestStreamChatToResponses(t *testing.T) {
	t.Parallel()

	tr := NewStreamChatToResponses()
	out := pushAll(tr,
		data(`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-x","choices":[{"index":0,"delta":{"role":"assistant","content":"he"},"finish_reason":null}]}`),
		data(`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-x","choices":[{"index":0,"delta":{"content":"y"},"finish_reason":null}]}`),
		data(`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-x","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`),
		data(`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-x","choices":[],"usage":{"prompt_tokens":2,"completion_tokens":1,"total_tokens":3}}`),
	)

	var names []string
	for _, ev := range out {
		names = append(names, ev.Event)
	}
	want := []string{
		"response.created",
		"response.output_item.added",
		"response.content_part.added",
		"response.output_text.delta",
		"response.output_text.delta",
		"response.output_text.done",
		"response.content_part.done",
		"response.output_item.done",
		"response.completed",
	}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, names[i], want[i])
		}
	}

	var final struct {
		Response protocol.ResponsesResponse `json:"response"`
	}
	if err := json.Unmarshal(out[len(out)-1].Data, &final); err != nil {
		t.Fatal(err)
	}
	if final.Response.Status != protocol.ResponsesStatusCompleted {
		t.Errorf("status = %q", final.Response.Status)
	}
	if len(final.Response.Output) != 1 || final.Response.Output[0].Content[0].Text != "hey" {
		t.Errorf("output = %+v, want accumulated 'hey'", final.Response.Output)
	}
	if final.Response.Usage == nil || final.Response.Usage.TotalTokens != 3 {
		t.Errorf("usage = %+v", final.Response.Usage)
	}
}

func TestResponsesDoneSuffixOnly(t *testing.T) {
	t.Parallel()

	tr := NewStreamResponsesToClaude()
	out := pushAll(tr,
		named("response.created", `{"response":{"id":"r1","model":"gpt-x"}}`),
		named("response.output_text.delta", `{"output_index":0,"content_index":0,"delta":"hel"}`),
		named("response.output_text.done", `{"output_index":0,"content_index":0,"text":"hello"}`),
	)

	var text string
	for _, ev := range out {
		if ev.Event != "content_block_delta" {
			continue
		}
		var frame struct {
			Delta struct {
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(ev.Data, &frame); err != nil {
			t.Fatal(err)
		}
		text += frame.Delta.Text
	}
	if text != "hello" {
		t.Errorf("accumulated text = %q, want hello (done must forward suffix only)", text)
	}
}

func TestStreamifyAggregateChat(t *testing.T) {
	t.Parallel()

	orig := &protocol.ChatResponse{
		ID:    "chatcmpl-7",
		Model: "gpt-x",
		Choices: []protocol.ChatChoice{{
			Message: protocol.ChatMessage{
				Role:    "assistant",
				Content: json.RawMessage(`"hello"`),
				ToolCalls: []protocol.ChatToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: protocol.ChatFunctionCall{Name: "do_x", Arguments: `{"a":1}`},
				}},
			},
			FinishReason: protocol.ChatFinishToolCalls,
		}},
		Usage: &protocol.ChatUsage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}

	agg := NewChatAggregator()
	for _, ev := range StreamifyChat(orig) {
		agg.Push(ev)
	}
	got := agg.Result()

	if got.ID != "chatcmpl-7" || got.Model != "gpt-x" {
		t.Errorf("identity = %q / %q", got.ID, got.Model)
	}
	if text := chatPartsText(got.Choices[0].Message.ContentParts()); text != "hello" {
		t.Errorf("text = %q, want hello", text)
	}
	tc := got.Choices[0].Message.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "do_x" || tc.Function.Arguments != `{"a":1}` {
		t.Errorf("tool call = %+v", tc)
	}
	if got.Choices[0].FinishReason != protocol.ChatFinishToolCalls {
		t.Errorf("finish = %q", got.Choices[0].FinishReason)
	}
	if got.Usage == nil || got.Usage.PromptTokens != 5 || got.Usage.CompletionTokens != 7 {
		t.Errorf("usage = %+v", got.Usage)
	}
}

func TestStreamifyClaudeShape(t *testing.T) {
	t.Parallel()

	resp := &protocol.ClaudeResponse{
		ID:         "msg_9",
		Model:      "claude-3.7",
		Content:    []protocol.ClaudeBlock{{Type: "text", Text: "hi"}},
		StopReason: protocol.ClaudeStopEndTurn,
		Usage:      &protocol.ClaudeUsage{InputTokens: 1, OutputTokens: 1},
	}

	events := StreamifyClaude(resp)
	var names []string
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	want := []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, names[i], want[i])
		}
	}
}

// Two parallel tool calls from a Chat upstream: every Claude content block
// must open and close exactly once, even though the source only settles the
// calls at finish.
func TestStreamChatToClaudeParallelToolClosure(t *testing.T) {
	t.Parallel()

	tr := NewStreamChatToClaude()
	out := pushAll(tr,
		data(`{"id":"chatcmpl-1","model":"gpt-x","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_a","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`),
		data(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"fetch","arguments":"{\"u\":1}"}}]}}]}`),
		data(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"2}"}}]},"finish_reason":"tool_calls"}]}`),
		data(`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":6,"total_tokens":10}}`),
		data(`[DONE]`),
	)

	starts := map[int]int{}
	stops := map[int]int{}
	for _, ev := range out {
		var frame struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
		}
		if err := json.Unmarshal(ev.Data, &frame); err != nil {
			t.Fatalf("frame decode: %v (%s)", err, ev.Data)
		}
		switch frame.Type {
		case "content_block_start":
			starts[frame.Index]++
		case "content_block_stop":
			stops[frame.Index]++
		}
	}

	if len(starts) != 2 {
		t.Fatalf("opened %d blocks, want 2: %v", len(starts), starts)
	}
	for index, n := range starts {
		if n != 1 {
			t.Errorf("index %d: %d starts, want 1", index, n)
		}
		if stops[index] != 1 {
			t.Errorf("index %d: %d stops, want 1", index, stops[index])
		}
	}
	if len(stops) != len(starts) {
		t.Errorf("stops = %v for starts = %v", stops, starts)
	}
}
