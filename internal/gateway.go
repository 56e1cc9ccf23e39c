// Package gateway defines domain types and collaborator interfaces for the
// Heimdall multi-protocol LLM gateway. It imports only internal/protocol --
// every other package depends on it, not the other way around.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/eugener/heimdall/internal/protocol"
)

// Protocol identifies one of the inbound/upstream wire protocols.
type Protocol uint8

const (
	ProtoClaude Protocol = iota
	ProtoGemini
	ProtoOpenAIChat
	ProtoOpenAIResponses
)

// String returns the protocol name used in config and logs.
func (p Protocol) String() string {
	switch p {
	case ProtoClaude:
		return "claude"
	case ProtoGemini:
		return "gemini"
	case ProtoOpenAIChat:
		return "openai_chat"
	case ProtoOpenAIResponses:
		return "openai_responses"
	default:
		return "unknown"
	}
}

// ParseProtocol maps a config string to a Protocol.
func ParseProtocol(s string) (Protocol, bool) {
	switch s {
	case "claude":
		return ProtoClaude, true
	case "gemini":
		return ProtoGemini, true
	case "openai_chat", "openai":
		return ProtoOpenAIChat, true
	case "openai_responses":
		return ProtoOpenAIResponses, true
	}
	return 0, false
}

// StreamFormat returns the wire framing the protocol uses when streaming.
func (p Protocol) StreamFormat() protocol.StreamFormat {
	switch p {
	case ProtoClaude, ProtoOpenAIResponses:
		return protocol.StreamFormatSSENamed
	case ProtoOpenAIChat:
		return protocol.StreamFormatSSEData
	case ProtoGemini:
		return protocol.StreamFormatJSON
	default:
		return protocol.StreamFormatNone
	}
}

// --- Credentials ---

// CredentialKind tags the Credential variant.
type CredentialKind string

const (
	CredAPIKey     CredentialKind = "api_key"
	CredClaudeCode CredentialKind = "claude_code"
	CredCodex      CredentialKind = "codex"
	CredVertex     CredentialKind = "vertex"
	CredGeminiCLI  CredentialKind = "gemini_cli"
)

// Credential is the tagged secret value of a pool entry. Exactly one of the
// variant pointers is set, matching Kind. Settings is a provider-owned blob
// for learned capability state (e.g. "context-1m").
type Credential struct {
	Kind       CredentialKind        `json:"kind"`
	APIKey     *APIKeyCredential     `json:"api_key,omitempty"`
	ClaudeCode *ClaudeCodeCredential `json:"claude_code,omitempty"`
	Codex      *CodexCredential      `json:"codex,omitempty"`
	Vertex     *VertexCredential     `json:"vertex,omitempty"`
	GeminiCLI  *GeminiCLICredential  `json:"gemini_cli,omitempty"`
	Settings   json.RawMessage       `json:"settings,omitempty"`
}

// APIKeyCredential is a plain upstream API key.
type APIKeyCredential struct {
	APIKey string `json:"api_key"`
}

// ClaudeCodeCredential is an Anthropic OAuth token set.
type ClaudeCodeCredential struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	ExpiresAt        int64  `json:"expires_at,omitempty"` // unix millis
	SubscriptionType string `json:"subscription_type,omitempty"`
	RateLimitTier    string `json:"rate_limit_tier,omitempty"`
	UserEmail        string `json:"user_email,omitempty"`
	SessionKey       string `json:"session_key,omitempty"`
}

// CodexCredential is an OpenAI OAuth token set.
type CodexCredential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	UserEmail    string `json:"user_email,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix seconds
}

// VertexCredential is a GCP service-account key subset.
type VertexCredential struct {
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri,omitempty"`
	Location    string `json:"location,omitempty"`
}

// GeminiCLICredential is a Google OAuth token set.
type GeminiCLICredential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix seconds
	UserEmail    string `json:"user_email,omitempty"`
}

// CredentialEntry is one pool member.
type CredentialEntry struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Enabled bool       `json:"enabled"`
	Weight  uint32     `json:"weight"` // 0 = never pick
	Value   Credential `json:"value"`
}

// --- Disallow ---

// ScopeKind tags the DisallowScope variant.
type ScopeKind uint8

const (
	ScopeAllModels ScopeKind = iota
	ScopeModel
	ScopeCapability
)

// DisallowScope is the granularity of a credential disallow.
type DisallowScope struct {
	Kind ScopeKind `json:"kind"`
	Name string    `json:"name,omitempty"`
}

// ModelScope builds a Model-kind scope, or AllModels when model is empty.
func ModelScope(model string) DisallowScope {
	if model == "" {
		return DisallowScope{Kind: ScopeAllModels}
	}
	return DisallowScope{Kind: ScopeModel, Name: model}
}

// Covers reports whether a disallow at scope s excludes a request at scope r.
// AllModels covers everything; Model and Capability cover only an equal scope.
func (s DisallowScope) Covers(r DisallowScope) bool {
	if s.Kind == ScopeAllModels {
		return true
	}
	return s.Kind == r.Kind && s.Name == r.Name
}

// UnavailableLevel is the disallow severity.
type UnavailableLevel uint8

const (
	// LevelCooldown excludes the credential until a finite deadline.
	LevelCooldown UnavailableLevel = iota
	// LevelDead excludes the credential effectively forever.
	LevelDead
)

// DeadDuration is the "forever" horizon for LevelDead entries: the largest
// representable Duration (about 292 years), which no cooldown ever outlives.
const DeadDuration time.Duration = math.MaxInt64

// DisallowEntry marks one credential unavailable at one scope.
type DisallowEntry struct {
	CredentialID string           `json:"credential_id"`
	Scope        DisallowScope    `json:"scope"`
	Level        UnavailableLevel `json:"level"`
	Until        time.Time        `json:"until"`
	Reason       string           `json:"reason,omitempty"`
}

// Active reports whether the entry still excludes its credential at now.
func (d *DisallowEntry) Active(now time.Time) bool { return d.Until.After(now) }

// Disallow reasons reported by the default classifier.
const (
	ReasonRateLimit   = "rate_limit"
	ReasonAuthInvalid = "auth_invalid"
	ReasonUpstream5xx = "upstream_5xx"
	ReasonTimeout     = "timeout"
)

// UnavailableDecision is a provider's verdict on a failed attempt.
type UnavailableDecision struct {
	Level    UnavailableLevel
	Duration time.Duration
	Reason   string
}

// --- Auth retry ---

// AuthRetryKind tags the AuthRetryAction variant.
type AuthRetryKind uint8

const (
	// AuthRetryNone proceeds to normal failure classification.
	AuthRetryNone AuthRetryKind = iota
	// AuthRetrySame retries immediately with the same credential.
	AuthRetrySame
	// AuthRetryUpdate publishes the replacement credential, then retries it.
	AuthRetryUpdate
)

// AuthRetryAction is the result of a provider's auth-failure hook.
type AuthRetryAction struct {
	Kind       AuthRetryKind
	Credential *Credential // set when Kind == AuthRetryUpdate
}

// --- Usage ---

// ClaudeUsageCounters are the Claude-shaped token counters.
type ClaudeUsageCounters struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// GeminiUsageCounters are the Gemini-shaped token counters.
type GeminiUsageCounters struct {
	PromptTokens     int `json:"prompt_tokens"`
	CandidatesTokens int `json:"candidates_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
}

// OpenAIChatUsageCounters are the Chat Completions token counters.
type OpenAIChatUsageCounters struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIResponsesUsageCounters are the Responses token counters.
type OpenAIResponsesUsageCounters struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	TotalTokens     int `json:"total_tokens"`
	InputCached     int `json:"input_cached,omitempty"`
	OutputReasoning int `json:"output_reasoning,omitempty"`
}

// TrafficUsage aggregates per-protocol token counters extracted from an
// upstream response. Only the populated group is persisted.
type TrafficUsage struct {
	Claude          *ClaudeUsageCounters          `json:"claude,omitempty"`
	Gemini          *GeminiUsageCounters          `json:"gemini,omitempty"`
	OpenAIChat      *OpenAIChatUsageCounters      `json:"openai_chat,omitempty"`
	OpenAIResponses *OpenAIResponsesUsageCounters `json:"openai_responses,omitempty"`
}

// Empty reports whether no counter group is populated.
func (u *TrafficUsage) Empty() bool {
	return u == nil || (u.Claude == nil && u.Gemini == nil && u.OpenAIChat == nil && u.OpenAIResponses == nil)
}

// --- Upstream HTTP ---

// UpstreamHTTPRequest is a provider-built outbound request.
type UpstreamHTTPRequest struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	IsStream bool
}

// UpstreamHTTPResponse is a classified 2xx upstream response. Exactly one of
// Body and Stream is set, per the request's IsStream.
type UpstreamHTTPResponse struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
}

// --- Downstream context ---

// DownstreamContext carries per-request identity through the attempt loop.
type DownstreamContext struct {
	TraceID       string
	UserID        string
	UserAgent     string
	OutboundProxy string // proxy URL, "" = direct
	ProviderID    int64
	ProviderName  string
	AttemptNo     int
}

// --- Collaborator interfaces ---

// Clock supplies wall and monotonic time; injected for tests.
type Clock interface {
	Now() time.Time
}

// RandomBytes supplies cryptographically secure randomness.
type RandomBytes interface {
	Read(n int) ([]byte, error)
}

// OAuthResult is the JSON body returned by OAuth start/callback endpoints.
type OAuthResult struct {
	Status int
	Body   json.RawMessage
}

// CredentialSink persists an OAuth-derived credential under a stable name
// and publishes it into the provider's pool. Implemented by the app wiring;
// providers call it at the end of a successful OAuth flow.
type CredentialSink interface {
	SaveCredential(ctx context.Context, name string, value Credential) (CredentialEntry, error)
}

// UpstreamProvider is implemented once per upstream kind. BuildRequest
// dispatches on the request's Op; ops absent from the provider's dispatch
// table are never routed to it.
type UpstreamProvider interface {
	// Name returns the provider kind identifier (e.g. "claude-code", "codex").
	Name() string
	// Table returns the provider's dense dispatch table.
	Table() *DispatchTable
	// BuildRequest builds the upstream HTTP request for a native-protocol or
	// already-transformed request using the selected credential.
	BuildRequest(ctx context.Context, req *Request, cred *CredentialEntry, dctx *DownstreamContext) (*UpstreamHTTPRequest, error)
}

// UnavailableDecider overrides the default failure classification.
// Returning nil means "no disallow".
type UnavailableDecider interface {
	DecideUnavailable(err error) *UnavailableDecision
}

// AuthRefresher handles 401/403 before classification. The zero action means
// "proceed to classify".
type AuthRefresher interface {
	OnAuthFailure(ctx context.Context, req *Request, cred *CredentialEntry, cause error) AuthRetryAction
}

// SuccessObserver may learn capability state from a 2xx response. A non-nil
// return replaces the credential value in the pool.
type SuccessObserver interface {
	OnUpstreamSuccess(ctx context.Context, req *Request, cred *CredentialEntry, resp *UpstreamHTTPResponse) *Credential
}

// CredentialUpgrader may swap the selected credential before the attempt
// (e.g. proactive token refresh near expiry).
type CredentialUpgrader interface {
	UpgradeCredential(ctx context.Context, cred *CredentialEntry) (*Credential, error)
}

// OAuthHandler serves the provider's OAuth start and callback endpoints.
type OAuthHandler interface {
	OAuthStart(ctx context.Context, query url.Values, header http.Header) (*OAuthResult, error)
	OAuthCallback(ctx context.Context, query url.Values, header http.Header) (*OAuthResult, error)
}

// LocalResponder serves ops locally without an upstream round trip (static
// model catalogs, local token counting). ok=false falls through to the
// normal upstream path.
type LocalResponder interface {
	LocalResponse(ctx context.Context, req *Request) (body []byte, ok bool, err error)
}

// ResponseNormalizer rewrites a buffered 2xx body before transformation
// (e.g. unwrapping a provider-internal envelope). Default is identity.
type ResponseNormalizer interface {
	NormalizeNonStreamResponse(op Op, body []byte) []byte
}

// StreamNormalizer rewrites each SSE data payload before stream translation,
// for providers whose streams carry the same envelope as their buffered
// bodies. Default is identity.
type StreamNormalizer interface {
	NormalizeStreamData(op Op, data []byte) []byte
}

// UsageShaper lets a provider declare that its responses always carry the
// wire shape its dispatch table advertises, disabling the cross-protocol
// usage fallback heuristic.
type UsageShaper interface {
	KnownUsageShape() bool
}
