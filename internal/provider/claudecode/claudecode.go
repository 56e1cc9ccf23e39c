// Package claudecode implements the Anthropic OAuth (Claude Code) upstream.
// All inbound protocols are served by transforming to the Claude Messages
// API; credentials are OAuth token sets obtained through the PKCE flow in
// oauth.go.
package claudecode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/oauth"
	"github.com/eugener/heimdall/internal/protocol"
	"github.com/eugener/heimdall/internal/provider"
)

const (
	providerName = "claudecode"

	defaultAPIBaseURL      = "https://api.anthropic.com"
	defaultClaudeAIBaseURL = "https://claude.ai"
	defaultRedirectURI     = "https://platform.claude.com/oauth/code/callback"

	anthropicVersion = "2023-06-01"
	claudeCodeUA     = "claude-code/2.1.27"
	tokenUA          = "claude-cli/2.1.27 (external, cli)"

	headerBeta    = "anthropic-beta"
	oauthBeta     = "oauth-2025-04-20"
	context1MBeta = "context-1m-2025-08-07"

	clientID   = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	oauthScope = "user:profile user:inference user:sessions:claude_code"

	systemPrelude = "You are Claude Code, Anthropic's official CLI for Claude."
)

// Options configure a Provider; zero values pick the production defaults.
type Options struct {
	APIBaseURL      string
	ClaudeAIBaseURL string
	RedirectURI     string
	HTTPClient      *http.Client
	Sink            gateway.CredentialSink
}

// Provider is the claudecode upstream adapter.
type Provider struct {
	apiBase      string
	claudeAIBase string
	redirectURI  string
	client       *http.Client
	sink         gateway.CredentialSink
	states       *oauth.States
	now          func() time.Time

	mu             sync.Mutex
	sessionRetried map[string]bool
}

// New builds a Provider from options.
func New(opts Options) *Provider {
	p := &Provider{
		apiBase:        strings.TrimSuffix(defString(opts.APIBaseURL, defaultAPIBaseURL), "/"),
		claudeAIBase:   strings.TrimSuffix(defString(opts.ClaudeAIBaseURL, defaultClaudeAIBaseURL), "/"),
		redirectURI:    defString(opts.RedirectURI, defaultRedirectURI),
		client:         opts.HTTPClient,
		sink:           opts.Sink,
		states:         oauth.NewStates(),
		now:            time.Now,
		sessionRetried: make(map[string]bool),
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
	t[gateway.OpClaudeMessages] = gateway.Native(gateway.UsageClaudeMessage)
	t[gateway.OpClaudeMessagesStream] = gateway.Native(gateway.UsageClaudeMessage)
	t[gateway.OpClaudeCountTokens] = gateway.Native(gateway.UsageClaudeMessage)
	t[gateway.OpClaudeModelsList] = gateway.Native(gateway.UsageNone)
	t[gateway.OpClaudeModelsGet] = gateway.Native(gateway.UsageNone)

	t[gateway.OpGeminiGenerate] = gateway.Transform(gateway.ProtoClaude, gateway.UsageClaudeMessage)
	t[gateway.OpGeminiGenerateStream] = gateway.Transform(gateway.ProtoClaude, gateway.UsageClaudeMessage)
	t[gateway.OpGeminiCountTokens] = gateway.Transform(gateway.ProtoClaude, gateway.UsageClaudeMessage)
	t[gateway.OpGeminiModelsList] = gateway.Transform(gateway.ProtoClaude, gateway.UsageNone)
	t[gateway.OpGeminiModelsGet] = gateway.Transform(gateway.ProtoClaude, gateway.UsageNone)

	t[gateway.OpOpenAIChat] = gateway.Transform(gateway.ProtoClaude, gateway.UsageClaudeMessage)
	t[gateway.OpOpenAIChatStream] = gateway.Transform(gateway.ProtoClaude, gateway.UsageClaudeMessage)
	t[gateway.OpOpenAIResponses] = gateway.Transform(gateway.ProtoClaude, gateway.UsageClaudeMessage)
	t[gateway.OpOpenAIResponsesStream] = gateway.Transform(gateway.ProtoClaude, gateway.UsageClaudeMessage)
	t[gateway.OpOpenAIModelsList] = gateway.Transform(gateway.ProtoClaude, gateway.UsageNone)
	t[gateway.OpOpenAIModelsGet] = gateway.Transform(gateway.ProtoClaude, gateway.UsageNone)

	t[gateway.OpOAuthStart] = gateway.Native(gateway.UsageNone)
	t[gateway.OpOAuthCallback] = gateway.Native(gateway.UsageNone)
	return t
}()

// Table implements gateway.UpstreamProvider.
func (p *Provider) Table() *gateway.DispatchTable { return &dispatchTable }

// BuildRequest implements gateway.UpstreamProvider for the Claude-native ops.
func (p *Provider) BuildRequest(_ context.Context, req *gateway.Request, cred *gateway.CredentialEntry, dctx *gateway.DownstreamContext) (*gateway.UpstreamHTTPRequest, error) {
	tok, err := accessToken(cred)
	if err != nil {
		return nil, err
	}

	switch req.Op {
	case gateway.OpClaudeMessages, gateway.OpClaudeMessagesStream:
		body := *req.Claude
		applySystemPrelude(&body.System, dctx.UserAgent)
		normalizeSampling(&body)
		raw, err := json.Marshal(&body)
		if err != nil {
			return nil, err
		}
		h := p.jsonHeaders(tok)
		h.Set(headerBeta, betaHeader(&cred.Value, body.Model))
		return &gateway.UpstreamHTTPRequest{
			Method:   http.MethodPost,
			URL:      p.apiBase + "/v1/messages",
			Header:   h,
			Body:     raw,
			IsStream: req.Op == gateway.OpClaudeMessagesStream,
		}, nil

	case gateway.OpClaudeCountTokens:
		body := *req.ClaudeCount
		applySystemPrelude(&body.System, dctx.UserAgent)
		raw, err := json.Marshal(&body)
		if err != nil {
			return nil, err
		}
		h := p.jsonHeaders(tok)
		h.Set(headerBeta, oauthBeta)
		return &gateway.UpstreamHTTPRequest{
			Method: http.MethodPost,
			URL:    p.apiBase + "/v1/messages/count_tokens",
			Header: h,
			Body:   raw,
		}, nil

	case gateway.OpClaudeModelsList:
		h := p.jsonHeaders(tok)
		h.Set(headerBeta, oauthBeta)
		return &gateway.UpstreamHTTPRequest{
			Method: http.MethodGet,
			URL:    p.apiBase + "/v1/models",
			Header: h,
		}, nil

	case gateway.OpClaudeModelsGet:
		h := p.jsonHeaders(tok)
		h.Set(headerBeta, oauthBeta)
		return &gateway.UpstreamHTTPRequest{
			Method: http.MethodGet,
			URL:    p.apiBase + "/v1/models/" + req.ModelID,
			Header: h,
		}, nil
	}
	return nil, fmt.Errorf("claudecode: op %s: %w", req.Op, gateway.ErrUnsupported)
}

func (p *Provider) jsonHeaders(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("User-Agent", claudeCodeUA)
	h.Set("anthropic-version", anthropicVersion)
	return h
}

func accessToken(cred *gateway.CredentialEntry) (string, error) {
	cc := cred.Value.ClaudeCode
	if cc == nil || cc.AccessToken == "" {
		return "", fmt.Errorf("claudecode: credential %s has no access token: %w", cred.ID, gateway.ErrNoCredential)
	}
	return cc.AccessToken, nil
}

// applySystemPrelude prepends the Claude Code system text unless the caller
// is itself a Claude Code client or the prelude is already present.
func applySystemPrelude(system *json.RawMessage, userAgent string) {
	ua := strings.ToLower(userAgent)
	if strings.Contains(ua, "claude-code") || strings.Contains(ua, "claude-cli") {
		return
	}
	blocks := protocol.ClaudeBlocks(*system)
	for i := range blocks {
		if strings.Contains(blocks[i].Text, systemPrelude) {
			return
		}
	}
	out := append([]protocol.ClaudeBlock{{Type: "text", Text: systemPrelude}}, blocks...)
	raw, err := json.Marshal(out)
	if err != nil {
		return
	}
	*system = raw
}

// Opus 4 and Sonnet 4.5 reject requests that set both temperature and top_p.
func normalizeSampling(body *protocol.ClaudeRequest) {
	if body.Temperature == nil || body.TopP == nil {
		return
	}
	m := strings.ToLower(body.Model)
	if strings.Contains(m, "opus-4") || strings.Contains(m, "sonnet-4-5") {
		body.TopP = nil
	}
}

// --- context-1m capability state ---

type oneMFamily uint8

const (
	familyNone oneMFamily = iota
	familySonnet
	familyOpus
)

func oneMFamilyFor(model string) oneMFamily {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude-sonnet-4"):
		return familySonnet
	case strings.HasPrefix(m, "claude-opus-4-6"):
		return familyOpus
	}
	return familyNone
}

// credSettings is the provider-owned settings blob on claudecode credentials.
type credSettings struct {
	Enable1MSonnet   *bool `json:"enable_1m_sonnet,omitempty"`
	Enable1MOpus     *bool `json:"enable_1m_opus,omitempty"`
	Supports1MSonnet *bool `json:"supports_1m_sonnet,omitempty"`
	Supports1MOpus   *bool `json:"supports_1m_opus,omitempty"`
}

func loadSettings(cred *gateway.Credential) credSettings {
	var s credSettings
	if len(cred.Settings) > 0 {
		_ = json.Unmarshal(cred.Settings, &s)
	}
	return s
}

func (s credSettings) enabled(f oneMFamily) bool {
	var v *bool
	switch f {
	case familySonnet:
		v = s.Enable1MSonnet
	case familyOpus:
		v = s.Enable1MOpus
	}
	return v == nil || *v
}

func (s credSettings) supports(f oneMFamily) *bool {
	switch f {
	case familySonnet:
		return s.Supports1MSonnet
	case familyOpus:
		return s.Supports1MOpus
	}
	return nil
}

func useContext1M(cred *gateway.Credential, model string) bool {
	f := oneMFamilyFor(model)
	if f == familyNone {
		return false
	}
	s := loadSettings(cred)
	if !s.enabled(f) {
		return false
	}
	sup := s.supports(f)
	return sup == nil || *sup
}

// setSupports1M returns a credential copy with the learned capability flag.
func setSupports1M(cred *gateway.Credential, f oneMFamily, v bool) *gateway.Credential {
	s := loadSettings(cred)
	switch f {
	case familySonnet:
		s.Supports1MSonnet = &v
	case familyOpus:
		s.Supports1MOpus = &v
	default:
		return nil
	}
	out := *cred
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	out.Settings = raw
	return &out
}

func betaHeader(cred *gateway.Credential, model string) string {
	if useContext1M(cred, model) {
		return oauthBeta + "," + context1MBeta
	}
	return oauthBeta
}

// OnUpstreamSuccess learns that the account supports the 1M context window
// for the model family once a request carrying the beta succeeds.
func (p *Provider) OnUpstreamSuccess(_ context.Context, req *gateway.Request, cred *gateway.CredentialEntry, _ *gateway.UpstreamHTTPResponse) *gateway.Credential {
	model := req.Model()
	f := oneMFamilyFor(model)
	if f == familyNone || !useContext1M(&cred.Value, model) {
		return nil
	}
	if loadSettings(&cred.Value).supports(f) != nil {
		return nil
	}
	return setSupports1M(&cred.Value, f, true)
}
