package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/app"
	"github.com/eugener/heimdall/internal/auth"
	"github.com/eugener/heimdall/internal/cache"
	"github.com/eugener/heimdall/internal/storage/sqlite"
)

// recordingTraffic captures traffic events for assertions.
type recordingTraffic struct {
	mu   sync.Mutex
	down []gateway.DownstreamTrafficEvent
	up   []gateway.UpstreamTrafficEvent
}

func (rt *recordingTraffic) RecordDownstream(ev gateway.DownstreamTrafficEvent) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.down = append(rt.down, ev)
}

func (rt *recordingTraffic) RecordUpstream(ev gateway.UpstreamTrafficEvent) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.up = append(rt.up, ev)
}

func (rt *recordingTraffic) upstreamEvents() []gateway.UpstreamTrafficEvent {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]gateway.UpstreamTrafficEvent(nil), rt.up...)
}

type testEnv struct {
	handler  http.Handler
	store    *sqlite.Store
	runtime  *app.Runtime
	traffic  *recordingTraffic
	adminKey string
	userKey  string
}

// newTestEnv stands up the full server over a sqlite store with one compat
// provider speaking the OpenAI chat protocol at the given fake upstream.
func newTestEnv(t *testing.T, upstreamURL string) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if upstreamURL != "" {
		rec := gateway.ProviderRecord{
			Name: "backend", Kind: "compat", Protocol: "openai",
			BaseURL: upstreamURL, Enabled: true,
		}
		if err := store.UpsertProvider(ctx, &rec); err != nil {
			t.Fatal(err)
		}
		cred := gateway.CredentialRecord{
			ProviderID: rec.ID, Name: "primary", Enabled: true, Weight: 1,
			Value: gateway.Credential{
				Kind:   gateway.CredAPIKey,
				APIKey: &gateway.APIKeyCredential{APIKey: "sk-test"},
			},
		}
		if err := store.UpsertCredential(ctx, &cred); err != nil {
			t.Fatal(err)
		}
	}

	rt := app.NewRuntime(store, slog.Default())
	if err := rt.Reload(ctx); err != nil {
		t.Fatal(err)
	}

	km := app.NewKeyManager(store)
	adminKey, _, err := km.CreateKey(ctx, app.CreateKeyOpts{Owner: "root", Role: "admin"})
	if err != nil {
		t.Fatal(err)
	}
	userKey, _, err := km.CreateKey(ctx, app.CreateKeyOpts{Owner: "dev", Role: "user"})
	if err != nil {
		t.Fatal(err)
	}

	authn, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		t.Fatal(err)
	}
	catalog, err := cache.NewMemory(128, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	traffic := &recordingTraffic{}
	handler := New(Deps{
		Auth:           authn,
		Runtime:        rt,
		Store:          store,
		Keys:           km,
		KeyInvalidator: authn,
		Traffic:        traffic,
		Catalog:        catalog,
		CatalogTTL:     time.Minute,
		ReadyCheck:     store.Ping,
	})

	return &testEnv{
		handler:  handler,
		store:    store,
		runtime:  rt,
		traffic:  traffic,
		adminKey: adminKey,
		userKey:  userKey,
	}
}

func (e *testEnv) do(t *testing.T, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

const chatResponseBody = `{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"gpt-4o",` +
	`"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],` +
	`"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`

// fakeChatBackend is an OpenAI-protocol upstream serving chat completions,
// streaming, and a model catalog.
func fakeChatBackend(t *testing.T, hits *sync.Map) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		n, _ := hits.LoadOrStore(r.URL.Path, new(int))
		*(n.(*int))++

		switch r.URL.Path {
		case "/v1/chat/completions":
			if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
				t.Errorf("upstream auth = %q", got)
			}
			var req struct {
				Stream bool `json:"stream"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("upstream decode: %v", err)
			}
			if req.Stream {
				w.Header().Set("Content-Type", "text/event-stream")
				chunks := []string{
					`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
					`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"hello"}}]}`,
					`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
					`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`,
					`[DONE]`,
				}
				for _, c := range chunks {
					_, _ = w.Write([]byte("data: " + c + "\n\n"))
				}
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(chatResponseBody))

		case "/v1/models":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o","object":"model","created":1700000000,"owned_by":"openai"}]}`))

		default:
			http.NotFound(w, r)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	if w := env.do(t, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/readyz", "", ""); w.Code != http.StatusOK {
		t.Errorf("readyz = %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodPost, "/v1/chat/completions", "", `{"model":"m","messages":[]}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Type != "authentication_error" {
		t.Errorf("error type = %q", body.Error.Type)
	}

	// Wrong protocol surface gets its protocol's envelope.
	w = env.do(t, http.MethodPost, "/v1/messages", "", `{}`)
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), `"type":"error"`) {
		t.Errorf("claude 401 body = %s", w.Body.String())
	}
}

func TestChatCompletionsNative(t *testing.T) {
	t.Parallel()
	var hits sync.Map
	up := httptest.NewServer(fakeChatBackend(t, &hits))
	t.Cleanup(up.Close)
	env := newTestEnv(t, up.URL)

	w := env.do(t, http.MethodPost, "/v1/chat/completions", env.userKey,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != chatResponseBody {
		t.Errorf("body = %s", got)
	}

	ups := env.traffic.upstreamEvents()
	if len(ups) != 1 {
		t.Fatalf("upstream events = %d, want 1", len(ups))
	}
	ev := ups[0]
	if ev.ProviderName != "backend" || ev.Op != "openai_chat" || ev.Model != "gpt-4o" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Usage == nil || ev.Usage.OpenAIChat == nil || ev.Usage.OpenAIChat.PromptTokens != 3 {
		t.Errorf("usage = %+v", ev.Usage)
	}
}

func TestClaudeMessagesAgainstChatBackend(t *testing.T) {
	t.Parallel()
	var hits sync.Map
	up := httptest.NewServer(fakeChatBackend(t, &hits))
	t.Cleanup(up.Close)
	env := newTestEnv(t, up.URL)

	w := env.do(t, http.MethodPost, "/v1/messages", env.userKey,
		`{"model":"gpt-4o-mini","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != "message" || resp.Role != "assistant" {
		t.Errorf("envelope = %+v", resp)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want the requested name echoed back", resp.Model)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hello" {
		t.Errorf("content = %+v", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q", resp.StopReason)
	}

	if n, ok := hits.Load("/v1/chat/completions"); !ok || *(n.(*int)) != 1 {
		t.Error("expected exactly one upstream chat call")
	}
}

func TestChatCompletionsStream(t *testing.T) {
	t.Parallel()
	var hits sync.Map
	up := httptest.NewServer(fakeChatBackend(t, &hits))
	t.Cleanup(up.Close)
	env := newTestEnv(t, up.URL)

	w := env.do(t, http.MethodPost, "/v1/chat/completions", env.userKey,
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"content":"hello"`) {
		t.Errorf("missing delta in %s", body)
	}
	if strings.Count(body, "data: [DONE]") != 1 {
		t.Errorf("sentinel count wrong in %s", body)
	}
}

func TestClaudeStreamAgainstChatBackend(t *testing.T) {
	t.Parallel()
	var hits sync.Map
	up := httptest.NewServer(fakeChatBackend(t, &hits))
	t.Cleanup(up.Close)
	env := newTestEnv(t, up.URL)

	w := env.do(t, http.MethodPost, "/v1/messages", env.userKey,
		`{"model":"gpt-4o","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, want := range []string{"event: message_start", "event: content_block_delta", "event: message_stop"} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in stream:\n%s", want, body)
		}
	}
	if strings.Contains(body, "[DONE]") {
		t.Errorf("claude stream must not carry the chat sentinel:\n%s", body)
	}
}

func TestGeminiUnknownAction(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodPost, "/v1beta/models/gemini-2.5-pro:explodeContent", env.userKey, `{}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"NOT_FOUND"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestModelsCatalogCache(t *testing.T) {
	t.Parallel()
	var hits sync.Map
	up := httptest.NewServer(fakeChatBackend(t, &hits))
	t.Cleanup(up.Close)
	env := newTestEnv(t, up.URL)

	for range 3 {
		w := env.do(t, http.MethodGet, "/v1/models", env.userKey, "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
		if !strings.Contains(w.Body.String(), `"gpt-4o"`) {
			t.Fatalf("body = %s", w.Body.String())
		}
	}

	if n, ok := hits.Load("/v1/models"); !ok || *(n.(*int)) != 1 {
		t.Error("catalog cache should absorb repeat lookups")
	}
}

func TestNoProviderSupportsOp(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodPost, "/v1/chat/completions", env.userKey,
		`{"model":"gpt-4o","messages":[]}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminRequiresAdminRole(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/v0/management/keys", env.userKey, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("user key status = %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/v0/management/keys", env.adminKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("admin key status = %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminKeyLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodPost, "/v0/management/keys", env.adminKey,
		`{"owner":"ci","name":"deploy"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Key string `json:"key"`
		Rec struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"record"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(created.Key, gateway.APIKeyPrefix) || created.Rec.Name != "deploy" {
		t.Fatalf("created = %+v", created)
	}

	w = env.do(t, http.MethodGet, "/v0/management/keys", env.adminKey, "")
	if !strings.Contains(w.Body.String(), created.Rec.ID) {
		t.Fatalf("list missing new key: %s", w.Body.String())
	}

	w = env.do(t, http.MethodDelete, "/v0/management/keys/"+created.Rec.ID, env.adminKey, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/v0/management/keys", env.adminKey, "")
	if strings.Contains(w.Body.String(), created.Rec.ID) {
		t.Fatal("key not deleted")
	}
}

func TestAdminProviderLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodPut, "/v0/management/providers", env.adminKey,
		`{"name":"anthropic","kind":"compat","protocol":"claude","base_url":"https://api.anthropic.com","enabled":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("upsert = %d: %s", w.Code, w.Body.String())
	}

	if _, ok := env.runtime.ByName("anthropic"); !ok {
		t.Fatal("runtime not reloaded after provider upsert")
	}

	w = env.do(t, http.MethodPut, "/v0/management/providers/anthropic/credentials", env.adminKey,
		`{"name":"primary","value":{"kind":"api_key","api_key":{"api_key":"sk-ant"}}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("credential upsert = %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "sk-ant") {
		t.Fatal("credential secret leaked in response")
	}

	rp, _ := env.runtime.ByName("anthropic")
	if _, ok := rp.Pool.Select(gateway.DisallowScope{}, nil); !ok {
		t.Fatal("credential not published to pool")
	}

	w = env.do(t, http.MethodGet, "/v0/management/providers/anthropic/credentials", env.adminKey, "")
	if !strings.Contains(w.Body.String(), `"primary"`) || strings.Contains(w.Body.String(), "sk-ant") {
		t.Fatalf("credential list = %s", w.Body.String())
	}

	w = env.do(t, http.MethodDelete, "/v0/management/providers/anthropic", env.adminKey, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if _, ok := env.runtime.ByName("anthropic"); ok {
		t.Fatal("provider still live after delete")
	}
}

func TestUsageEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")
	ctx := context.Background()

	err := env.store.InsertUpstream(ctx, []gateway.UpstreamTrafficEvent{{
		ID: "ev-1", TraceID: "t-1", ProviderID: 1, ProviderName: "backend",
		CredentialID: "c-1", Op: "openai_chat", Model: "gpt-4o", Status: 200,
		Usage: &gateway.TrafficUsage{
			OpenAIChat: &gateway.OpenAIChatUsageCounters{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		},
		CreatedAt: time.Now().UTC(),
	}})
	if err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/v0/usage?model=gpt-4o", env.userKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var usage gateway.TrafficUsage
	if err := json.Unmarshal(w.Body.Bytes(), &usage); err != nil {
		t.Fatal(err)
	}
	if usage.OpenAIChat == nil || usage.OpenAIChat.TotalTokens != 7 {
		t.Errorf("usage = %+v", usage)
	}

	w = env.do(t, http.MethodGet, "/v0/usage?start=notatime", env.userKey, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad start accepted: %d", w.Code)
	}
}

func TestOAuthUnknownProvider(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/v0/oauth/nope/start", env.adminKey, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("start = %d", w.Code)
	}
	// Callback is unauthenticated by design; unknown provider still 404s.
	w = env.do(t, http.MethodGet, "/v0/oauth/nope/callback?state=x", "", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("callback = %d", w.Code)
	}
}
