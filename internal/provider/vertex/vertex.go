// Package vertex implements the Google Vertex AI upstream. Gemini is native,
// OpenAI chat rides Vertex's OpenAPI-compatible endpoint, and everything else
// is transformed to Gemini. Credentials are service-account keys; access
// tokens come from the two-legged JWT grant.
package vertex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/protocol"
	"github.com/eugener/heimdall/internal/transform"
)

const (
	providerName = "vertex"

	defaultBaseURL  = "https://aiplatform.googleapis.com"
	defaultLocation = "us-central1"
	defaultTokenURL = "https://oauth2.googleapis.com/token"

	scopeCloudPlatform = "https://www.googleapis.com/auth/cloud-platform"
)

// Options configure a Provider; zero values pick the production defaults.
type Options struct {
	BaseURL  string
	TokenURL string
}

// Provider is the vertex upstream adapter.
type Provider struct {
	baseURL  string
	tokenURL string

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource // credential ID -> cached source
}

// New builds a Provider from options.
func New(opts Options) *Provider {
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Provider{
		baseURL:  strings.TrimSuffix(base, "/"),
		tokenURL: opts.TokenURL,
		sources:  make(map[string]oauth2.TokenSource),
	}
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

	// Vertex speaks OpenAI chat directly through its OpenAPI endpoint.
	t[gateway.OpOpenAIChat] = gateway.Native(gateway.UsageOpenAIChat)
	t[gateway.OpOpenAIChatStream] = gateway.Native(gateway.UsageOpenAIChat)
	t[gateway.OpOpenAIResponses] = gateway.Transform(gateway.ProtoGemini, gateway.UsageGeminiGenerate)
	t[gateway.OpOpenAIResponsesStream] = gateway.Transform(gateway.ProtoGemini, gateway.UsageGeminiGenerate)
	t[gateway.OpOpenAIModelsList] = gateway.Transform(gateway.ProtoGemini, gateway.UsageNone)
	t[gateway.OpOpenAIModelsGet] = gateway.Transform(gateway.ProtoGemini, gateway.UsageNone)

	t[gateway.OpClaudeMessages] = gateway.Transform(gateway.ProtoGemini, gateway.UsageGeminiGenerate)
	t[gateway.OpClaudeMessagesStream] = gateway.Transform(gateway.ProtoGemini, gateway.UsageGeminiGenerate)
	t[gateway.OpClaudeCountTokens] = gateway.Transform(gateway.ProtoGemini, gateway.UsageGeminiGenerate)
	t[gateway.OpClaudeModelsList] = gateway.Transform(gateway.ProtoGemini, gateway.UsageNone)
	t[gateway.OpClaudeModelsGet] = gateway.Transform(gateway.ProtoGemini, gateway.UsageNone)

	// OAuth slots stay unsupported: service-account keys are pasted in, not
	// obtained interactively.
	return t
}()

// Table implements gateway.UpstreamProvider.
func (p *Provider) Table() *gateway.DispatchTable { return &dispatchTable }

func (p *Provider) tokenSource(vc *gateway.VertexCredential, credID string) oauth2.TokenSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ts, ok := p.sources[credID]; ok {
		return ts
	}
	tokenURL := p.tokenURL
	if tokenURL == "" {
		tokenURL = vc.TokenURI
	}
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	cfg := &jwt.Config{
		Email:      vc.ClientEmail,
		PrivateKey: []byte(vc.PrivateKey),
		TokenURL:   tokenURL,
		Scopes:     []string{scopeCloudPlatform},
	}
	ts := oauth2.ReuseTokenSource(nil, cfg.TokenSource(context.Background()))
	p.sources[credID] = ts
	return ts
}

func (p *Provider) accessToken(vc *gateway.VertexCredential, credID string) (string, error) {
	tok, err := p.tokenSource(vc, credID).Token()
	if err != nil {
		return "", fmt.Errorf("vertex: obtain access token: %w", err)
	}
	return tok.AccessToken, nil
}

func location(vc *gateway.VertexCredential) string {
	if vc.Location != "" {
		return vc.Location
	}
	return defaultLocation
}

// modelPath is the publisher-model resource under the credential's project.
func (p *Provider) modelPath(vc *gateway.VertexCredential, model string) string {
	return fmt.Sprintf("%s/v1beta1/projects/%s/locations/%s/publishers/google/models/%s",
		p.baseURL, vc.ProjectID, location(vc), strings.TrimPrefix(model, "models/"))
}

// BuildRequest implements gateway.UpstreamProvider.
func (p *Provider) BuildRequest(_ context.Context, req *gateway.Request, cred *gateway.CredentialEntry, _ *gateway.DownstreamContext) (*gateway.UpstreamHTTPRequest, error) {
	vc := cred.Value.Vertex
	if vc == nil || vc.ProjectID == "" || vc.ClientEmail == "" || vc.PrivateKey == "" {
		return nil, fmt.Errorf("vertex: credential %s is incomplete: %w", cred.ID, gateway.ErrNoCredential)
	}
	token, err := p.accessToken(vc, cred.ID)
	if err != nil {
		return nil, err
	}

	switch req.Op {
	case gateway.OpGeminiGenerate, gateway.OpGeminiGenerateStream:
		raw, err := json.Marshal(req.Gemini)
		if err != nil {
			return nil, err
		}
		action := ":generateContent"
		if req.Op == gateway.OpGeminiGenerateStream {
			action = ":streamGenerateContent?alt=sse"
		}
		return &gateway.UpstreamHTTPRequest{
			Method:   http.MethodPost,
			URL:      p.modelPath(vc, req.Gemini.Model) + action,
			Header:   headers(token, true),
			Body:     raw,
			IsStream: req.Op == gateway.OpGeminiGenerateStream,
		}, nil

	case gateway.OpGeminiCountTokens:
		contents := req.GeminiCount.Contents
		if len(contents) == 0 && req.GeminiCount.GenerateContentRequest != nil {
			contents = req.GeminiCount.GenerateContentRequest.Contents
		}
		raw, err := json.Marshal(struct {
			Contents []protocol.GeminiContent `json:"contents"`
		}{Contents: contents})
		if err != nil {
			return nil, err
		}
		return &gateway.UpstreamHTTPRequest{
			Method: http.MethodPost,
			URL:    p.modelPath(vc, req.GeminiCount.Model) + ":countTokens",
			Header: headers(token, true),
			Body:   raw,
		}, nil

	case gateway.OpOpenAIChat, gateway.OpOpenAIChatStream:
		body := *req.Chat
		// The OpenAPI endpoint addresses models as "<publisher>/<id>".
		if !strings.Contains(body.Model, "/") {
			body.Model = "google/" + body.Model
		}
		raw, err := json.Marshal(&body)
		if err != nil {
			return nil, err
		}
		return &gateway.UpstreamHTTPRequest{
			Method: http.MethodPost,
			URL: fmt.Sprintf("%s/v1beta1/projects/%s/locations/%s/endpoints/openapi/chat/completions",
				p.baseURL, vc.ProjectID, location(vc)),
			Header:   headers(token, true),
			Body:     raw,
			IsStream: req.Op == gateway.OpOpenAIChatStream,
		}, nil

	case gateway.OpGeminiModelsList:
		return &gateway.UpstreamHTTPRequest{
			Method: http.MethodGet,
			URL:    p.baseURL + "/v1beta1/publishers/google/models",
			Header: headers(token, false),
		}, nil

	case gateway.OpGeminiModelsGet:
		return &gateway.UpstreamHTTPRequest{
			Method: http.MethodGet,
			URL:    p.baseURL + "/v1beta1/publishers/google/models/" + strings.TrimPrefix(req.ModelID, "models/"),
			Header: headers(token, false),
		}, nil
	}
	return nil, fmt.Errorf("vertex: op %s: %w", req.Op, gateway.ErrUnsupported)
}

func headers(token string, hasBody bool) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("Accept", "application/json")
	if hasBody {
		h.Set("Content-Type", "application/json")
	}
	return h
}

// NormalizeNonStreamResponse flattens Vertex's publisher-model catalog into
// the Gemini models shape so the shared model translators apply.
func (p *Provider) NormalizeNonStreamResponse(op gateway.Op, body []byte) []byte {
	switch op {
	case gateway.OpGeminiModelsList:
		var list protocol.VertexModelsList
		if err := json.Unmarshal(body, &list); err != nil || list.PublisherModels == nil {
			return body
		}
		out, err := json.Marshal(transform.VertexModelsToGemini(&list))
		if err != nil {
			return body
		}
		return out
	case gateway.OpGeminiModelsGet:
		var m protocol.VertexPublisherModel
		if err := json.Unmarshal(body, &m); err != nil || !strings.Contains(m.Name, "/models/") {
			return body
		}
		out, err := json.Marshal(transform.VertexModelToGemini(&m))
		if err != nil {
			return body
		}
		return out
	}
	return body
}
