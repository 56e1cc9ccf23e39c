package compat

import (
	"context"
	"encoding/json"
	"testing"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/protocol"
)

func keyEntry(key string) gateway.CredentialEntry {
	return gateway.CredentialEntry{
		ID:      "cred-1",
		Name:    "primary",
		Enabled: true,
		Weight:  1,
		Value: gateway.Credential{
			Kind:   gateway.CredAPIKey,
			APIKey: &gateway.APIKeyCredential{APIKey: key},
		},
	}
}

func mustNew(t *testing.T, opts Options) *Provider {
	t.Helper()
	p, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestTableShapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		proto     gateway.Protocol
		nativeOp  gateway.Op
		crossOp   gateway.Op
		wantCross gateway.Protocol
	}{
		{gateway.ProtoClaude, gateway.OpClaudeMessages, gateway.OpGeminiGenerate, gateway.ProtoClaude},
		{gateway.ProtoGemini, gateway.OpGeminiGenerateStream, gateway.OpOpenAIChat, gateway.ProtoGemini},
		{gateway.ProtoOpenAIChat, gateway.OpOpenAIChat, gateway.OpClaudeMessagesStream, gateway.ProtoOpenAIChat},
		{gateway.ProtoOpenAIResponses, gateway.OpOpenAIResponses, gateway.OpOpenAIChat, gateway.ProtoOpenAIResponses},
	}
	for _, tc := range tests {
		p := mustNew(t, Options{Name: "backend", Protocol: tc.proto, BaseURL: "http://b"})
		tbl := p.Table()
		if tbl[tc.nativeOp].Mode != gateway.ModeNative {
			t.Errorf("%v: op %v not native", tc.proto, tc.nativeOp)
		}
		if spec := tbl[tc.crossOp]; spec.Mode != gateway.ModeTransform || spec.Target != tc.wantCross {
			t.Errorf("%v: op %v spec = %+v", tc.proto, tc.crossOp, spec)
		}
		if tbl[gateway.OpOAuthStart].Mode != gateway.ModeUnsupported {
			t.Errorf("%v: oauth should be unsupported", tc.proto)
		}
	}
}

func TestOpenAIBackendCountsLocally(t *testing.T) {
	t.Parallel()
	p := mustNew(t, Options{Name: "backend", Protocol: gateway.ProtoOpenAIChat, BaseURL: "http://b"})

	if p.Table()[gateway.OpClaudeCountTokens].Mode != gateway.ModeNative {
		t.Fatal("claude count should be native (served locally)")
	}
	req := &gateway.Request{
		Op: gateway.OpClaudeCountTokens,
		ClaudeCount: &protocol.ClaudeCountTokensRequest{
			Model:    "gpt-4o",
			Messages: []protocol.ClaudeMessage{{Role: "user", Content: json.RawMessage(`"hello there"`)}},
		},
	}
	body, ok, err := p.LocalResponse(context.Background(), req)
	if err != nil || !ok {
		t.Fatalf("local count = %v %v", ok, err)
	}
	var cr protocol.ClaudeCountTokensResponse
	if err := json.Unmarshal(body, &cr); err != nil || cr.InputTokens == 0 {
		t.Fatalf("count body %s: %v", body, err)
	}

	// Claude backends count upstream, not locally.
	claude := mustNew(t, Options{Name: "b2", Protocol: gateway.ProtoClaude, BaseURL: "http://b"})
	if _, ok, _ := claude.LocalResponse(context.Background(), req); ok {
		t.Fatal("claude backend served count locally")
	}
}

func TestBuildClaudeRequest(t *testing.T) {
	t.Parallel()
	p := mustNew(t, Options{
		Name:     "backend",
		Protocol: gateway.ProtoClaude,
		BaseURL:  "http://b/",
		Headers:  map[string]string{"X-Custom": "yes"},
	})
	req := &gateway.Request{
		Op: gateway.OpClaudeMessagesStream,
		Claude: &protocol.ClaudeRequest{
			Model:    "claude-sonnet-4-5",
			Messages: []protocol.ClaudeMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		},
	}
	cred := keyEntry("sk-test")

	up, err := p.BuildRequest(context.Background(), req, &cred, &gateway.DownstreamContext{})
	if err != nil {
		t.Fatal(err)
	}
	if up.URL != "http://b/v1/messages" || !up.IsStream {
		t.Fatalf("request = %s stream=%v", up.URL, up.IsStream)
	}
	if got := up.Header.Get("x-api-key"); got != "sk-test" {
		t.Fatalf("api key header = %q", got)
	}
	if up.Header.Get("anthropic-version") == "" || up.Header.Get("X-Custom") != "yes" {
		t.Fatalf("headers = %v", up.Header)
	}
}

func TestBuildGeminiRequest(t *testing.T) {
	t.Parallel()
	p := mustNew(t, Options{Name: "backend", Protocol: gateway.ProtoGemini, BaseURL: "http://b"})
	cred := keyEntry("g-key")

	gen := &gateway.Request{
		Op: gateway.OpGeminiGenerate,
		Gemini: &protocol.GeminiRequest{
			Model:    "models/gemini-2.5-pro",
			Contents: []protocol.GeminiContent{{Role: "user", Parts: []protocol.GeminiPart{{Text: "hi"}}}},
		},
	}
	up, err := p.BuildRequest(context.Background(), gen, &cred, &gateway.DownstreamContext{})
	if err != nil {
		t.Fatal(err)
	}
	if up.URL != "http://b/v1beta/models/gemini-2.5-pro:generateContent" {
		t.Fatalf("url = %s", up.URL)
	}
	if got := up.Header.Get("x-goog-api-key"); got != "g-key" {
		t.Fatalf("key header = %q", got)
	}

	count := &gateway.Request{
		Op: gateway.OpGeminiCountTokens,
		GeminiCount: &protocol.GeminiCountTokensRequest{
			Model:    "gemini-2.5-flash",
			Contents: []protocol.GeminiContent{{Role: "user", Parts: []protocol.GeminiPart{{Text: "count"}}}},
		},
	}
	up, err = p.BuildRequest(context.Background(), count, &cred, &gateway.DownstreamContext{})
	if err != nil {
		t.Fatal(err)
	}
	if up.URL != "http://b/v1beta/models/gemini-2.5-flash:countTokens" {
		t.Fatalf("count url = %s", up.URL)
	}

	list := &gateway.Request{Op: gateway.OpGeminiModelsList}
	up, err = p.BuildRequest(context.Background(), list, &cred, &gateway.DownstreamContext{})
	if err != nil {
		t.Fatal(err)
	}
	if up.Method != "GET" || up.URL != "http://b/v1beta/models" {
		t.Fatalf("list = %s %s", up.Method, up.URL)
	}
}

func TestBuildOpenAIRequest(t *testing.T) {
	t.Parallel()
	p := mustNew(t, Options{Name: "backend", Protocol: gateway.ProtoOpenAIChat, BaseURL: "http://b"})
	cred := keyEntry("sk-oai")

	req := &gateway.Request{
		Op: gateway.OpOpenAIChat,
		Chat: &protocol.ChatRequest{
			Model:    "gpt-4o",
			Messages: []protocol.ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		},
	}
	up, err := p.BuildRequest(context.Background(), req, &cred, &gateway.DownstreamContext{})
	if err != nil {
		t.Fatal(err)
	}
	if up.URL != "http://b/v1/chat/completions" {
		t.Fatalf("url = %s", up.URL)
	}
	if got := up.Header.Get("Authorization"); got != "Bearer sk-oai" {
		t.Fatalf("auth header = %q", got)
	}

	if _, err := p.BuildRequest(context.Background(), &gateway.Request{Op: gateway.OpOAuthStart}, &cred, &gateway.DownstreamContext{}); err == nil {
		t.Fatal("oauth op should be rejected")
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	if _, err := New(Options{Protocol: gateway.ProtoClaude, BaseURL: "http://b"}); err == nil {
		t.Fatal("missing name accepted")
	}
	if _, err := New(Options{Name: "x", Protocol: gateway.ProtoClaude}); err == nil {
		t.Fatal("missing base URL accepted")
	}
}
