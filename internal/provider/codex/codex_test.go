package codex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/protocol"
)

func codexEntry(cc gateway.CodexCredential) gateway.CredentialEntry {
	return gateway.CredentialEntry{
		ID:      "cred-1",
		Name:    "primary",
		Enabled: true,
		Weight:  1,
		Value:   gateway.Credential{Kind: gateway.CredCodex, Codex: &cc},
	}
}

type sinkFunc func(ctx context.Context, name string, v gateway.Credential) (gateway.CredentialEntry, error)

func (f sinkFunc) SaveCredential(ctx context.Context, name string, v gateway.Credential) (gateway.CredentialEntry, error) {
	return f(ctx, name, v)
}

func idToken(t *testing.T, email, accountID string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"email":               email,
		accountClaimNamespace: map[string]any{"chatgpt_account_id": accountID},
	})
	if err != nil {
		t.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`)) +
		"." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

func TestTableShape(t *testing.T) {
	t.Parallel()
	p := New(Options{})
	tbl := p.Table()

	if tbl[gateway.OpOpenAIResponses].Mode != gateway.ModeNative {
		t.Fatal("responses not native")
	}
	if spec := tbl[gateway.OpClaudeMessages]; spec.Mode != gateway.ModeTransform || spec.Target != gateway.ProtoOpenAIResponses {
		t.Fatalf("claude messages spec = %+v", spec)
	}
	if spec := tbl[gateway.OpClaudeModelsList]; spec.Target != gateway.ProtoOpenAIChat {
		t.Fatalf("models transform target = %v", spec.Target)
	}
	if tbl[gateway.OpClaudeCountTokens].Mode != gateway.ModeNative {
		t.Fatal("claude count should be native (served locally)")
	}
}

func TestBuildResponsesRequest(t *testing.T) {
	t.Parallel()
	p := New(Options{BaseURL: "http://upstream"})
	capTokens := 512
	req := &gateway.Request{
		Op: gateway.OpOpenAIResponsesStream,
		Responses: &protocol.ResponsesRequest{
			Model:           "gpt-5",
			Input:           json.RawMessage(`"hi"`),
			MaxOutputTokens: &capTokens,
			Stream:          true,
		},
	}
	cred := codexEntry(gateway.CodexCredential{AccessToken: "at", AccountID: "acct_7"})

	up, err := p.BuildRequest(context.Background(), req, &cred, &gateway.DownstreamContext{})
	if err != nil {
		t.Fatal(err)
	}
	if up.URL != "http://upstream/responses" || !up.IsStream {
		t.Fatalf("request = %s stream=%v", up.URL, up.IsStream)
	}
	if got := up.Header.Get("chatgpt-account-id"); got != "acct_7" {
		t.Fatalf("account header = %q", got)
	}
	if up.Header.Get("session_id") == "" {
		t.Fatal("session_id header missing")
	}

	var sent protocol.ResponsesRequest
	if err := json.Unmarshal(up.Body, &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Store == nil || *sent.Store {
		t.Fatal("store not forced to false")
	}
	if sent.MaxOutputTokens != nil {
		t.Fatal("max_output_tokens survived")
	}
	if sent.Instructions == "" {
		t.Fatal("instructions not defaulted")
	}
	if req.Responses.MaxOutputTokens == nil {
		t.Fatal("inbound request mutated")
	}
}

func TestLocalResponses(t *testing.T) {
	t.Parallel()
	p := New(Options{})

	count := &gateway.Request{
		Op: gateway.OpClaudeCountTokens,
		ClaudeCount: &protocol.ClaudeCountTokensRequest{
			Model:    "claude-sonnet-4-5",
			Messages: []protocol.ClaudeMessage{{Role: "user", Content: json.RawMessage(`"hello world"`)}},
		},
	}
	body, ok, err := p.LocalResponse(context.Background(), count)
	if err != nil || !ok {
		t.Fatalf("local count = %v %v", ok, err)
	}
	var cr protocol.ClaudeCountTokensResponse
	if err := json.Unmarshal(body, &cr); err != nil || cr.InputTokens == 0 {
		t.Fatalf("count body %s: %v", body, err)
	}

	get := &gateway.Request{Op: gateway.OpOpenAIModelsGet, ModelID: "gpt-5-codex"}
	body, ok, err = p.LocalResponse(context.Background(), get)
	if err != nil || !ok {
		t.Fatalf("local models get = %v %v", ok, err)
	}
	var mi protocol.OpenAIModelInfo
	if err := json.Unmarshal(body, &mi); err != nil || mi.ID != "gpt-5-codex" {
		t.Fatalf("model body %s: %v", body, err)
	}

	if _, ok, _ := p.LocalResponse(context.Background(), &gateway.Request{Op: gateway.OpOpenAIResponses}); ok {
		t.Fatal("generate op served locally")
	}
}

func TestDeviceAuthFlow(t *testing.T) {
	t.Parallel()
	var approved atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/accounts/deviceauth/usercode":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"device_auth_id":"da-1","user_code":"ABCD-1234","interval":2}`))
		case "/api/accounts/deviceauth/token":
			if !approved.Load() {
				http.Error(w, "pending", http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"authorization_code":"dev-code","code_verifier":"dev-verifier"}`))
		case "/oauth/token":
			if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "dev-code" || r.PostForm.Get("code_verifier") != "dev-verifier" {
				http.Error(w, "bad exchange", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			resp := map[string]any{
				"access_token":  "at-1",
				"refresh_token": "rt-1",
				"id_token":      idToken(t, "dev@example.com", "acct_7"),
				"expires_in":    3600,
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var saved *gateway.Credential
	var savedName string
	p := New(Options{
		Issuer:     srv.URL,
		HTTPClient: srv.Client(),
		Sink: sinkFunc(func(_ context.Context, name string, v gateway.Credential) (gateway.CredentialEntry, error) {
			saved, savedName = &v, name
			return gateway.CredentialEntry{ID: "new", Name: name, Value: v}, nil
		}),
	})

	start, err := p.OAuthStart(context.Background(), url.Values{}, nil)
	if err != nil || start.Status != http.StatusOK {
		t.Fatalf("start = %+v, %v", start, err)
	}
	var startBody struct {
		State    string `json:"state"`
		UserCode string `json:"user_code"`
		Interval int    `json:"interval"`
	}
	if err := json.Unmarshal(start.Body, &startBody); err != nil {
		t.Fatal(err)
	}
	if startBody.UserCode != "ABCD-1234" || startBody.Interval != 2 {
		t.Fatalf("start body = %+v", startBody)
	}

	// Grant still pending: 409, state stays redeemable.
	pendingResp, err := p.OAuthCallback(context.Background(), url.Values{"state": {startBody.State}}, nil)
	if err != nil || pendingResp.Status != http.StatusConflict {
		t.Fatalf("pending = %+v, %v", pendingResp, err)
	}

	approved.Store(true)
	done, err := p.OAuthCallback(context.Background(), url.Values{"state": {startBody.State}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != http.StatusOK {
		t.Fatalf("callback status %d: %s", done.Status, done.Body)
	}
	if saved == nil || saved.Codex == nil {
		t.Fatal("credential not persisted")
	}
	if saved.Codex.AccountID != "acct_7" || saved.Codex.RefreshToken != "rt-1" {
		t.Fatalf("credential = %+v", saved.Codex)
	}
	if savedName != "dev@example.com" {
		t.Fatalf("credential name = %q", savedName)
	}
}

func TestRefreshKeepsOldTokens(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-new","expires_in":3600}`))
	}))
	defer srv.Close()

	p := New(Options{Issuer: srv.URL, HTTPClient: srv.Client()})
	cred := codexEntry(gateway.CodexCredential{
		AccessToken:  "at-old",
		RefreshToken: "rt-keep",
		IDToken:      idToken(t, "dev@example.com", "acct_7"),
		AccountID:    "acct_7",
	})

	action := p.OnAuthFailure(context.Background(), nil, &cred, nil)
	if action.Kind != gateway.AuthRetryUpdate || action.Credential == nil {
		t.Fatalf("action = %+v", action)
	}
	cc := action.Credential.Codex
	if cc.AccessToken != "at-new" || cc.RefreshToken != "rt-keep" || cc.IDToken == "" {
		t.Fatalf("refreshed credential = %+v", cc)
	}
	if cc.UserEmail != "dev@example.com" {
		t.Fatalf("email not derived: %+v", cc)
	}
}
