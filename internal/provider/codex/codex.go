// Package codex implements the OpenAI Codex (ChatGPT backend) upstream. The
// Responses API is native; every other protocol is transformed to it.
// Credentials are OAuth token sets obtained through the authorization-code or
// device-auth flow in oauth.go.
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/oauth"
	"github.com/eugener/heimdall/internal/protocol"
	"github.com/eugener/heimdall/internal/provider"
	"github.com/eugener/heimdall/internal/tokencount"
)

const (
	providerName = "codex"

	defaultBaseURL = "https://chatgpt.com/backend-api/codex"
	defaultIssuer  = "https://auth.openai.com"

	clientID      = "app_EMoamEEZ73f0CkXaXp7hrann"
	clientVersion = "0.99.0"
	oauthScope    = "openid profile email offline_access"
	originator    = "codex_cli_rs"

	accountClaimNamespace = "https://api.openai.com/auth"

	defaultInstructions = "You are Codex, based on GPT-5. You are running as a coding agent in the Codex CLI on a user's computer."
)

// Options configure a Provider; zero values pick the production defaults.
type Options struct {
	BaseURL    string
	Issuer     string
	HTTPClient *http.Client
	Sink       gateway.CredentialSink
}

// Provider is the codex upstream adapter.
type Provider struct {
	baseURL string
	issuer  string
	client  *http.Client
	sink    gateway.CredentialSink
	states  *oauth.States
	now     func() time.Time
}

// New builds a Provider from options.
func New(opts Options) *Provider {
	p := &Provider{
		baseURL: strings.TrimSuffix(defString(opts.BaseURL, defaultBaseURL), "/"),
		issuer:  strings.TrimSuffix(defString(opts.Issuer, defaultIssuer), "/"),
		client:  opts.HTTPClient,
		sink:    opts.Sink,
		states:  oauth.NewStates(),
		now:     time.Now,
	}
	if p.client == nil {
		p.client = provider.NewOAuthClient()
	}
	return p
}

func defString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Name implements gateway.UpstreamProvider.
func (p *Provider) Name() string { return providerName }

var dispatchTable = func() gateway.DispatchTable {
	var t gateway.DispatchTable
	t[gateway.OpOpenAIResponses] = gateway.Native(gateway.UsageOpenAIResponses)
	t[gateway.OpOpenAIResponsesStream] = gateway.Native(gateway.UsageOpenAIResponses)
	t[gateway.OpOpenAIChat] = gateway.Transform(gateway.ProtoOpenAIResponses, gateway.UsageOpenAIResponses)
	t[gateway.OpOpenAIChatStream] = gateway.Transform(gateway.ProtoOpenAIResponses, gateway.UsageOpenAIResponses)

	t[gateway.OpClaudeMessages] = gateway.Transform(gateway.ProtoOpenAIResponses, gateway.UsageOpenAIResponses)
	t[gateway.OpClaudeMessagesStream] = gateway.Transform(gateway.ProtoOpenAIResponses, gateway.UsageOpenAIResponses)
	t[gateway.OpGeminiGenerate] = gateway.Transform(gateway.ProtoOpenAIResponses, gateway.UsageOpenAIResponses)
	t[gateway.OpGeminiGenerateStream] = gateway.Transform(gateway.ProtoOpenAIResponses, gateway.UsageOpenAIResponses)

	// No server-side counter on the Codex backend; counted locally.
	t[gateway.OpClaudeCountTokens] = gateway.Native(gateway.UsageNone)
	t[gateway.OpGeminiCountTokens] = gateway.Native(gateway.UsageNone)

	t[gateway.OpOpenAIModelsList] = gateway.Native(gateway.UsageNone)
	t[gateway.OpOpenAIModelsGet] = gateway.Native(gateway.UsageNone)
	t[gateway.OpClaudeModelsList] = gateway.Transform(gateway.ProtoOpenAIChat, gateway.UsageNone)
	t[gateway.OpClaudeModelsGet] = gateway.Transform(gateway.ProtoOpenAIChat, gateway.UsageNone)
	t[gateway.OpGeminiModelsList] = gateway.Transform(gateway.ProtoOpenAIChat, gateway.UsageNone)
	t[gateway.OpGeminiModelsGet] = gateway.Transform(gateway.ProtoOpenAIChat, gateway.UsageNone)

	t[gateway.OpOAuthStart] = gateway.Native(gateway.UsageNone)
	t[gateway.OpOAuthCallback] = gateway.Native(gateway.UsageNone)
	return t
}()

// Table implements gateway.UpstreamProvider.
func (p *Provider) Table() *gateway.DispatchTable { return &dispatchTable }

// LocalResponse serves count-tokens locally and synthesizes models-get
// entries; everything else goes upstream.
func (p *Provider) LocalResponse(_ context.Context, req *gateway.Request) ([]byte, bool, error) {
	switch req.Op {
	case gateway.OpClaudeCountTokens:
		body, err := json.Marshal(protocol.ClaudeCountTokensResponse{InputTokens: tokencount.Request(req)})
		return body, true, err
	case gateway.OpGeminiCountTokens:
		body, err := json.Marshal(protocol.GeminiCountTokensResponse{TotalTokens: tokencount.Request(req)})
		return body, true, err
	case gateway.OpOpenAIModelsGet:
		body, err := json.Marshal(protocol.OpenAIModelInfo{ID: req.ModelID, Object: "model", OwnedBy: "openai"})
		return body, true, err
	}
	return nil, false, nil
}

// BuildRequest implements gateway.UpstreamProvider for the Responses-native
// ops.
func (p *Provider) BuildRequest(_ context.Context, req *gateway.Request, cred *gateway.CredentialEntry, _ *gateway.DownstreamContext) (*gateway.UpstreamHTTPRequest, error) {
	cc := cred.Value.Codex
	if cc == nil || cc.AccessToken == "" {
		return nil, fmt.Errorf("codex: credential %s has no access token: %w", cred.ID, gateway.ErrNoCredential)
	}

	switch req.Op {
	case gateway.OpOpenAIResponses, gateway.OpOpenAIResponsesStream:
		body := *req.Responses
		// The backend rejects persisted responses and caller token caps.
		store := false
		body.Store = &store
		body.MaxOutputTokens = nil
		if body.Instructions == "" {
			body.Instructions = defaultInstructions
		}
		raw, err := json.Marshal(&body)
		if err != nil {
			return nil, err
		}
		return &gateway.UpstreamHTTPRequest{
			Method:   http.MethodPost,
			URL:      p.baseURL + "/responses",
			Header:   p.headers(cc, true),
			Body:     raw,
			IsStream: req.Op == gateway.OpOpenAIResponsesStream,
		}, nil

	case gateway.OpOpenAIModelsList:
		return &gateway.UpstreamHTTPRequest{
			Method: http.MethodGet,
			URL:    p.baseURL + "/models?client_version=" + clientVersion,
			Header: p.headers(cc, false),
		}, nil
	}
	return nil, fmt.Errorf("codex: op %s: %w", req.Op, gateway.ErrUnsupported)
}

func (p *Provider) headers(cc *gateway.CodexCredential, hasBody bool) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cc.AccessToken)
	h.Set("Accept", "application/json")
	if hasBody {
		h.Set("Content-Type", "application/json")
	}
	if cc.AccountID != "" {
		h.Set("chatgpt-account-id", cc.AccountID)
	}
	h.Set("OpenAI-Beta", "responses=experimental")
	h.Set("originator", originator)
	h.Set("session_id", uuid.NewString())
	return h
}
