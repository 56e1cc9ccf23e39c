package dispatch

import (
	"encoding/json"
	"errors"
	"testing"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/protocol"
)

func sampleRequest(op gateway.Op) *gateway.Request {
	req := &gateway.Request{Op: op}
	switch op.Family() {
	case gateway.FamilyGenerate, gateway.FamilyStream:
		switch op.Proto() {
		case gateway.ProtoClaude:
			req.Claude = &protocol.ClaudeRequest{
				Model:     "claude-3-7-sonnet",
				MaxTokens: 1024,
				Messages:  []protocol.ClaudeMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
			}
		case gateway.ProtoGemini:
			req.Gemini = &protocol.GeminiRequest{
				Model:    "gemini-2.0-flash",
				Contents: []protocol.GeminiContent{{Role: "user", Parts: []protocol.GeminiPart{{Text: "hi"}}}},
			}
		case gateway.ProtoOpenAIChat:
			req.Chat = &protocol.ChatRequest{
				Model:    "gpt-4o",
				Messages: []protocol.ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
			}
		case gateway.ProtoOpenAIResponses:
			req.Responses = &protocol.ResponsesRequest{
				Model: "gpt-5",
				Input: json.RawMessage(`"hi"`),
			}
		}
	case gateway.FamilyCountTokens:
		if op.Proto() == gateway.ProtoClaude {
			req.ClaudeCount = &protocol.ClaudeCountTokensRequest{
				Model:    "claude-3-7-sonnet",
				Messages: []protocol.ClaudeMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
			}
		} else {
			req.GeminiCount = &protocol.GeminiCountTokensRequest{
				Model:    "gemini-2.0-flash",
				Contents: []protocol.GeminiContent{{Parts: []protocol.GeminiPart{{Text: "hi"}}}},
			}
		}
	case gateway.FamilyModelsGet:
		req.ModelID = "some-model"
	}
	return req
}

func TestResolveNative(t *testing.T) {
	t.Parallel()
	var table gateway.DispatchTable
	table[gateway.OpClaudeMessages] = gateway.Native(gateway.UsageClaudeMessage)

	plan, err := Resolve(sampleRequest(gateway.OpClaudeMessages), &table)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Mode != gateway.ModeNative || plan.Shape != ShapeDirect {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Source != gateway.ProtoClaude || plan.Target != gateway.ProtoClaude {
		t.Fatalf("protocols = %v -> %v", plan.Source, plan.Target)
	}
	if plan.Usage != gateway.UsageClaudeMessage {
		t.Fatalf("usage = %v", plan.Usage)
	}
}

func TestResolveTransform(t *testing.T) {
	t.Parallel()
	var table gateway.DispatchTable
	table[gateway.OpClaudeMessagesStream] = gateway.Transform(gateway.ProtoOpenAIResponses, gateway.UsageOpenAIResponses)

	plan, err := Resolve(sampleRequest(gateway.OpClaudeMessagesStream), &table)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Mode != gateway.ModeTransform || plan.Target != gateway.ProtoOpenAIResponses {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Shape != ShapeDirect {
		t.Fatalf("shape = %v", plan.Shape)
	}
}

func TestResolveStreamFallbacks(t *testing.T) {
	t.Parallel()
	// Only the non-stream op has a rule: a stream caller gets streamify.
	var table gateway.DispatchTable
	table[gateway.OpOpenAIChat] = gateway.Transform(gateway.ProtoClaude, gateway.UsageClaudeMessage)

	plan, err := Resolve(sampleRequest(gateway.OpOpenAIChatStream), &table)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Shape != ShapeStreamify {
		t.Fatalf("shape = %v, want streamify", plan.Shape)
	}
	if plan.Op != gateway.OpOpenAIChat {
		t.Fatalf("upstream op = %v, want the non-stream sibling", plan.Op)
	}

	// Only the stream op has a rule: a buffered caller gets aggregate.
	var table2 gateway.DispatchTable
	table2[gateway.OpGeminiGenerateStream] = gateway.Native(gateway.UsageGeminiGenerate)

	plan, err = Resolve(sampleRequest(gateway.OpGeminiGenerate), &table2)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Shape != ShapeAggregate {
		t.Fatalf("shape = %v, want aggregate", plan.Shape)
	}
	if plan.Op != gateway.OpGeminiGenerateStream {
		t.Fatalf("upstream op = %v, want the stream sibling", plan.Op)
	}
}

func TestResolveUnsupported(t *testing.T) {
	t.Parallel()
	var table gateway.DispatchTable

	for op := gateway.Op(0); op < gateway.OpCount; op++ {
		if _, err := Resolve(sampleRequest(op), &table); !errors.Is(err, gateway.ErrUnsupported) {
			t.Fatalf("%s: err = %v, want ErrUnsupported", op, err)
		}
	}
}

// Every (op, target) pair the resolver accepts must have a working request
// translation, and every accepted stream pair a live translator.
func TestDispatchTotality(t *testing.T) {
	t.Parallel()
	protos := []gateway.Protocol{
		gateway.ProtoClaude, gateway.ProtoGemini,
		gateway.ProtoOpenAIChat, gateway.ProtoOpenAIResponses,
	}
	for op := gateway.Op(0); op < gateway.OpCount; op++ {
		for _, target := range protos {
			var table gateway.DispatchTable
			table[op] = gateway.Transform(target, gateway.UsageNone)

			req := sampleRequest(op)
			plan, err := Resolve(req, &table)
			if err != nil {
				if !errors.Is(err, gateway.ErrUnsupported) {
					t.Fatalf("%s -> %s: unexpected error %v", op, target, err)
				}
				continue
			}

			if _, err := TranslateRequest(plan, req); err != nil {
				t.Errorf("%s -> %s: request translation failed: %v", op, target, err)
			}
			if op.Family() == gateway.FamilyStream {
				if _, err := NewStreamTranslator(plan); err != nil {
					t.Errorf("%s -> %s: no stream translator: %v", op, target, err)
				}
			}
		}
	}
}

func TestControlOpsNeverTransform(t *testing.T) {
	t.Parallel()
	for _, op := range []gateway.Op{gateway.OpOAuthStart, gateway.OpOAuthCallback, gateway.OpUsage} {
		var table gateway.DispatchTable
		table[op] = gateway.Transform(gateway.ProtoClaude, gateway.UsageNone)
		if _, err := Resolve(sampleRequest(op), &table); !errors.Is(err, gateway.ErrUnsupported) {
			t.Fatalf("%s: err = %v, want ErrUnsupported", op, err)
		}
	}
}

func TestTranslateRequestStreamFlags(t *testing.T) {
	t.Parallel()
	var table gateway.DispatchTable
	table[gateway.OpClaudeMessagesStream] = gateway.Transform(gateway.ProtoOpenAIChat, gateway.UsageOpenAIChat)

	req := sampleRequest(gateway.OpClaudeMessagesStream)
	plan, err := Resolve(req, &table)
	if err != nil {
		t.Fatal(err)
	}
	out, err := TranslateRequest(plan, req)
	if err != nil {
		t.Fatal(err)
	}
	if out.Op != gateway.OpOpenAIChatStream {
		t.Fatalf("target op = %v", out.Op)
	}
	if out.Chat == nil || !out.Chat.Stream {
		t.Fatal("chat stream flag not set")
	}
	if out.Chat.StreamOptions == nil || !out.Chat.StreamOptions.IncludeUsage {
		t.Fatal("include_usage not forced for chat stream target")
	}

	// Streamify: the upstream call is the non-stream sibling, so the target
	// body must not carry a stream flag.
	var table2 gateway.DispatchTable
	table2[gateway.OpOpenAIResponses] = gateway.Transform(gateway.ProtoClaude, gateway.UsageClaudeMessage)

	req2 := sampleRequest(gateway.OpOpenAIResponsesStream)
	plan2, err := Resolve(req2, &table2)
	if err != nil {
		t.Fatal(err)
	}
	out2, err := TranslateRequest(plan2, req2)
	if err != nil {
		t.Fatal(err)
	}
	if out2.Claude == nil || out2.Claude.Stream {
		t.Fatalf("claude body = %+v, want non-stream", out2.Claude)
	}
}

func TestTranslateResponseRoundTrip(t *testing.T) {
	t.Parallel()
	var table gateway.DispatchTable
	table[gateway.OpClaudeMessages] = gateway.Transform(gateway.ProtoGemini, gateway.UsageGeminiGenerate)

	req := sampleRequest(gateway.OpClaudeMessages)
	plan, err := Resolve(req, &table)
	if err != nil {
		t.Fatal(err)
	}

	upstream := `{
		"responseId": "r1",
		"modelVersion": "models/gemini-2.0-flash",
		"candidates": [{"content": {"role": "model", "parts": [{"text": "hello"}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 2, "totalTokenCount": 5}
	}`
	body, err := TranslateResponse(plan, []byte(upstream))
	if err != nil {
		t.Fatal(err)
	}
	var resp protocol.ClaudeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.StopReason != protocol.ClaudeStopEndTurn {
		t.Fatalf("stop_reason = %q", resp.StopReason)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hello" {
		t.Fatalf("content = %+v", resp.Content)
	}
}

func TestAggregatorBody(t *testing.T) {
	t.Parallel()
	agg, err := NewAggregator(gateway.ProtoOpenAIChat)
	if err != nil {
		t.Fatal(err)
	}
	chunk := func(s string) protocol.StreamEvent {
		return protocol.StreamEvent{Data: []byte(s)}
	}
	agg.Push(chunk(`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"he"}}]}`))
	agg.Push(chunk(`{"id":"c1","choices":[{"index":0,"delta":{"content":"y"}}]}`))
	agg.Push(chunk(`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`))
	agg.Push(chunk(`[DONE]`))

	body, err := agg.Body()
	if err != nil {
		t.Fatal(err)
	}
	var resp protocol.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	parts := resp.Choices[0].Message.ContentParts()
	if len(parts) != 1 || parts[0].Text != "hey" {
		t.Fatalf("content = %+v", parts)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 3 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}
