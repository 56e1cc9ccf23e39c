// Package geminicli implements the Google Cloud Code (Gemini CLI) upstream.
// The Gemini protocol is native; requests are wrapped in the v1internal
// envelope and responses unwrapped from it. Credentials are Google OAuth
// token sets.
package geminicli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/oauth"
	"github.com/eugener/heimdall/internal/protocol"
	"github.com/eugener/heimdall/internal/provider"
)

const (
	providerName = "geminicli"

	defaultBaseURL = "https://cloudcode-pa.googleapis.com"
	userAgent      = "GeminiCLI/0.1.5 (Windows; AMD64)"

	defaultAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	clientID        = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	clientSecret    = "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"
	oauthScope      = "https://www.googleapis.com/auth/cloud-platform https://www.googleapis.com/auth/userinfo.email https://www.googleapis.com/auth/userinfo.profile"
)

// Options configure a Provider; zero values pick the production defaults.
type Options struct {
	BaseURL    string
	AuthURL    string
	TokenURL   string
	HTTPClient *http.Client
	Sink       gateway.CredentialSink
}

// Provider is the geminicli upstream adapter.
type Provider struct {
	baseURL  string
	authURL  string
	tokenURL string
	client   *http.Client
	sink     gateway.CredentialSink
	states   *oauth.States
	now      func() time.Time
}

// New builds a Provider from options.
func New(opts Options) *Provider {
	p := &Provider{
		baseURL:  strings.TrimSuffix(defString(opts.BaseURL, defaultBaseURL), "/"),
		authURL:  defString(opts.AuthURL, defaultAuthURL),
		tokenURL: defString(opts.TokenURL, defaultTokenURL),
		client:   opts.HTTPClient,
		sink:     opts.Sink,
		states:   oauth.NewStates(),
		now:      time.Now,
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
	t[gateway.OpGeminiGenerate] = gateway.Native(gateway.UsageGeminiGenerate)
	t[gateway.OpGeminiGenerateStream] = gateway.Native(gateway.UsageGeminiGenerate)
	t[gateway.OpGeminiCountTokens] = gateway.Native(gateway.UsageGeminiGenerate)
	t[gateway.OpGeminiModelsList] = gateway.Native(gateway.UsageNone)
	t[gateway.OpGeminiModelsGet] = gateway.Native(gateway.UsageNone)

	t[gateway.OpClaudeMessages] = gateway.Transform(gateway.ProtoGemini, gateway.UsageGeminiGenerate)
	t[gateway.OpClaudeMessagesStream] = gateway.Transform(gateway.ProtoGemini, gateway.UsageGeminiGenerate)
	t[gateway.OpClaudeCountTokens] = gateway.Transform(gateway.ProtoGemini, gateway.UsageGeminiGenerate)
	t[gateway.OpClaudeModelsList] = gateway.Transform(gateway.ProtoGemini, gateway.UsageNone)
	t[gateway.OpClaudeModelsGet] = gateway.Transform(gateway.ProtoGemini, gateway.UsageNone)

	t[gateway.OpOpenAIChat] = gateway.Transform(gateway.ProtoGemini, gateway.UsageGeminiGenerate)
	t[gateway.OpOpenAIChatStream] = gateway.Transform(gateway.ProtoGemini, gateway.UsageGeminiGenerate)
	t[gateway.OpOpenAIResponses] = gateway.Transform(gateway.ProtoGemini, gateway.UsageGeminiGenerate)
	t[gateway.OpOpenAIResponsesStream] = gateway.Transform(gateway.ProtoGemini, gateway.UsageGeminiGenerate)
	t[gateway.OpOpenAIModelsList] = gateway.Transform(gateway.ProtoGemini, gateway.UsageNone)
	t[gateway.OpOpenAIModelsGet] = gateway.Transform(gateway.ProtoGemini, gateway.UsageNone)

	t[gateway.OpOAuthStart] = gateway.Native(gateway.UsageNone)
	t[gateway.OpOAuthCallback] = gateway.Native(gateway.UsageNone)
	return t
}()

// Table implements gateway.UpstreamProvider.
func (p *Provider) Table() *gateway.DispatchTable { return &dispatchTable }

// catalog is the static model list Cloud Code exposes; the backend has no
// models endpoint.
var catalog = []protocol.GeminiModelInfo{
	{Name: "models/gemini-2.5-pro", Version: "2.5", DisplayName: "Gemini 2.5 Pro",
		InputTokenLimit: 1048576, OutputTokenLimit: 65536,
		SupportedGenerationMethods: []string{"generateContent", "streamGenerateContent", "countTokens"}},
	{Name: "models/gemini-2.5-flash", Version: "2.5", DisplayName: "Gemini 2.5 Flash",
		InputTokenLimit: 1048576, OutputTokenLimit: 65536,
		SupportedGenerationMethods: []string{"generateContent", "streamGenerateContent", "countTokens"}},
	{Name: "models/gemini-2.5-flash-lite", Version: "2.5", DisplayName: "Gemini 2.5 Flash-Lite",
		InputTokenLimit: 1048576, OutputTokenLimit: 65536,
		SupportedGenerationMethods: []string{"generateContent", "streamGenerateContent", "countTokens"}},
}

// LocalResponse serves the static model catalog.
func (p *Provider) LocalResponse(_ context.Context, req *gateway.Request) ([]byte, bool, error) {
	switch req.Op {
	case gateway.OpGeminiModelsList:
		body, err := json.Marshal(protocol.GeminiModelsList{Models: catalog})
		return body, true, err
	case gateway.OpGeminiModelsGet:
		want := "models/" + normalizeModel(req.ModelID)
		for i := range catalog {
			if catalog[i].Name == want {
				body, err := json.Marshal(catalog[i])
				return body, true, err
			}
		}
		return nil, true, fmt.Errorf("model %q: %w", req.ModelID, gateway.ErrNotFound)
	}
	return nil, false, nil
}

func normalizeModel(model string) string {
	return strings.TrimPrefix(model, "models/")
}

// BuildRequest implements gateway.UpstreamProvider for the Gemini-native ops.
func (p *Provider) BuildRequest(_ context.Context, req *gateway.Request, cred *gateway.CredentialEntry, _ *gateway.DownstreamContext) (*gateway.UpstreamHTTPRequest, error) {
	gc := cred.Value.GeminiCLI
	if gc == nil || gc.AccessToken == "" {
		return nil, fmt.Errorf("geminicli: credential %s has no access token: %w", cred.ID, gateway.ErrNoCredential)
	}

	switch req.Op {
	case gateway.OpGeminiGenerate, gateway.OpGeminiGenerateStream:
		envelope := struct {
			Model        string                  `json:"model"`
			Project      string                  `json:"project,omitempty"`
			UserPromptID string                  `json:"user_prompt_id"`
			Request      *protocol.GeminiRequest `json:"request"`
		}{
			Model:        normalizeModel(req.Gemini.Model),
			Project:      gc.ProjectID,
			UserPromptID: uuid.NewString(),
			Request:      req.Gemini,
		}
		raw, err := json.Marshal(&envelope)
		if err != nil {
			return nil, err
		}
		path := "/v1internal:generateContent"
		if req.Op == gateway.OpGeminiGenerateStream {
			path = "/v1internal:streamGenerateContent?alt=sse"
		}
		return &gateway.UpstreamHTTPRequest{
			Method:   http.MethodPost,
			URL:      p.baseURL + path,
			Header:   p.headers(gc.AccessToken),
			Body:     raw,
			IsStream: req.Op == gateway.OpGeminiGenerateStream,
		}, nil

	case gateway.OpGeminiCountTokens:
		contents := req.GeminiCount.Contents
		if len(contents) == 0 && req.GeminiCount.GenerateContentRequest != nil {
			contents = req.GeminiCount.GenerateContentRequest.Contents
		}
		envelope := struct {
			Request struct {
				Model    string                   `json:"model"`
				Contents []protocol.GeminiContent `json:"contents"`
			} `json:"request"`
		}{}
		envelope.Request.Model = "models/" + normalizeModel(req.GeminiCount.Model)
		envelope.Request.Contents = contents
		raw, err := json.Marshal(&envelope)
		if err != nil {
			return nil, err
		}
		return &gateway.UpstreamHTTPRequest{
			Method: http.MethodPost,
			URL:    p.baseURL + "/v1internal:countTokens",
			Header: p.headers(gc.AccessToken),
			Body:   raw,
		}, nil
	}
	return nil, fmt.Errorf("geminicli: op %s: %w", req.Op, gateway.ErrUnsupported)
}

func (p *Provider) headers(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("User-Agent", userAgent)
	return h
}

// NormalizeNonStreamResponse strips the v1internal {"response": …} envelope.
func (p *Provider) NormalizeNonStreamResponse(_ gateway.Op, body []byte) []byte {
	if inner := gjson.GetBytes(body, "response"); inner.Exists() {
		return []byte(inner.Raw)
	}
	return body
}

// NormalizeStreamData strips the same envelope from each SSE data payload.
func (p *Provider) NormalizeStreamData(_ gateway.Op, data []byte) []byte {
	if inner := gjson.GetBytes(data, "response"); inner.Exists() {
		return []byte(inner.Raw)
	}
	return data
}
