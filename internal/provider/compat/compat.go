// Package compat implements a generic API-key upstream speaking one of the
// standard wire protocols (Anthropic, Gemini, OpenAI chat, OpenAI Responses)
// at a configurable base URL. One compat instance fronts one backend; its
// dispatch table is picked by the backend's protocol.
package compat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/protocol"
	"github.com/eugener/heimdall/internal/tokencount"
)

const anthropicVersion = "2023-06-01"

// Options configure a compat Provider.
type Options struct {
	Name     string
	Protocol gateway.Protocol
	BaseURL  string
	// Headers are extra static headers sent on every upstream request.
	Headers map[string]string
}

// Provider is a protocol-generic upstream adapter.
type Provider struct {
	name    string
	proto   gateway.Protocol
	baseURL string
	headers map[string]string
	table   *gateway.DispatchTable
}

// New builds a Provider from options.
func New(opts Options) (*Provider, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("compat: provider name required")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("compat: base URL required for %s", opts.Name)
	}
	if int(opts.Protocol) >= len(tables) {
		return nil, fmt.Errorf("compat: unknown protocol %d for %s", opts.Protocol, opts.Name)
	}
	return &Provider{
		name:    opts.Name,
		proto:   opts.Protocol,
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		headers: opts.Headers,
		table:   &tables[opts.Protocol],
	}, nil
}

// Name implements gateway.UpstreamProvider.
func (p *Provider) Name() string { return p.name }

// Table implements gateway.UpstreamProvider.
func (p *Provider) Table() *gateway.DispatchTable { return p.table }

// KnownUsageShape reports that usage always arrives in the advertised shape,
// so the cross-protocol fallback probes stay off.
func (p *Provider) KnownUsageShape() bool { return true }

// tables holds one precomputed dispatch table per backend protocol, indexed
// by gateway.Protocol.
var tables = [4]gateway.DispatchTable{
	gateway.ProtoClaude:          tableFor(gateway.ProtoClaude),
	gateway.ProtoGemini:          tableFor(gateway.ProtoGemini),
	gateway.ProtoOpenAIChat:      tableFor(gateway.ProtoOpenAIChat),
	gateway.ProtoOpenAIResponses: tableFor(gateway.ProtoOpenAIResponses),
}

func usageFor(p gateway.Protocol) gateway.UsageKind {
	switch p {
	case gateway.ProtoClaude:
		return gateway.UsageClaudeMessage
	case gateway.ProtoGemini:
		return gateway.UsageGeminiGenerate
	case gateway.ProtoOpenAIResponses:
		return gateway.UsageOpenAIResponses
	default:
		return gateway.UsageOpenAIChat
	}
}

func catalogProto(p gateway.Protocol) gateway.Protocol {
	if p == gateway.ProtoOpenAIResponses {
		return gateway.ProtoOpenAIChat
	}
	return p
}

func tableFor(p gateway.Protocol) gateway.DispatchTable {
	var t gateway.DispatchTable
	usage := usageFor(p)

	rule := func(op gateway.Op) gateway.OpSpec {
		if op.Proto() == p {
			return gateway.Native(usage)
		}
		return gateway.Transform(p, usage)
	}
	t[gateway.OpClaudeMessages] = rule(gateway.OpClaudeMessages)
	t[gateway.OpClaudeMessagesStream] = rule(gateway.OpClaudeMessagesStream)
	t[gateway.OpGeminiGenerate] = rule(gateway.OpGeminiGenerate)
	t[gateway.OpGeminiGenerateStream] = rule(gateway.OpGeminiGenerateStream)
	t[gateway.OpOpenAIChat] = rule(gateway.OpOpenAIChat)
	t[gateway.OpOpenAIChatStream] = rule(gateway.OpOpenAIChatStream)
	t[gateway.OpOpenAIResponses] = rule(gateway.OpOpenAIResponses)
	t[gateway.OpOpenAIResponsesStream] = rule(gateway.OpOpenAIResponsesStream)

	// Count-tokens translates only between Claude and Gemini; OpenAI backends
	// have no counter endpoint and count locally.
	switch p {
	case gateway.ProtoClaude:
		t[gateway.OpClaudeCountTokens] = gateway.Native(usage)
		t[gateway.OpGeminiCountTokens] = gateway.Transform(p, usage)
	case gateway.ProtoGemini:
		t[gateway.OpGeminiCountTokens] = gateway.Native(usage)
		t[gateway.OpClaudeCountTokens] = gateway.Transform(p, usage)
	default:
		t[gateway.OpClaudeCountTokens] = gateway.Native(gateway.UsageNone)
		t[gateway.OpGeminiCountTokens] = gateway.Native(gateway.UsageNone)
	}

	catalog := catalogProto(p)
	models := func(op gateway.Op) gateway.OpSpec {
		if catalogProto(op.Proto()) == catalog {
			return gateway.Native(gateway.UsageNone)
		}
		return gateway.Transform(catalog, gateway.UsageNone)
	}
	t[gateway.OpClaudeModelsList] = models(gateway.OpClaudeModelsList)
	t[gateway.OpClaudeModelsGet] = models(gateway.OpClaudeModelsGet)
	t[gateway.OpGeminiModelsList] = models(gateway.OpGeminiModelsList)
	t[gateway.OpGeminiModelsGet] = models(gateway.OpGeminiModelsGet)
	t[gateway.OpOpenAIModelsList] = models(gateway.OpOpenAIModelsList)
	t[gateway.OpOpenAIModelsGet] = models(gateway.OpOpenAIModelsGet)

	// OAuth and usage slots stay unsupported: API keys are pasted in.
	return t
}

// LocalResponse counts tokens locally for OpenAI-protocol backends.
func (p *Provider) LocalResponse(_ context.Context, req *gateway.Request) ([]byte, bool, error) {
	if p.proto != gateway.ProtoOpenAIChat && p.proto != gateway.ProtoOpenAIResponses {
		return nil, false, nil
	}
	switch req.Op {
	case gateway.OpClaudeCountTokens:
		body, err := json.Marshal(protocol.ClaudeCountTokensResponse{InputTokens: tokencount.Request(req)})
		return body, true, err
	case gateway.OpGeminiCountTokens:
		body, err := json.Marshal(protocol.GeminiCountTokensResponse{TotalTokens: tokencount.Request(req)})
		return body, true, err
	}
	return nil, false, nil
}

// BuildRequest implements gateway.UpstreamProvider for the backend's native
// protocol.
func (p *Provider) BuildRequest(_ context.Context, req *gateway.Request, cred *gateway.CredentialEntry, _ *gateway.DownstreamContext) (*gateway.UpstreamHTTPRequest, error) {
	key := cred.Value.APIKey
	if key == nil || key.APIKey == "" {
		return nil, fmt.Errorf("compat %s: credential %s has no API key: %w", p.name, cred.ID, gateway.ErrNoCredential)
	}

	var (
		method   = http.MethodPost
		path     string
		payload  any
		isStream bool
	)
	switch req.Op {
	case gateway.OpClaudeMessages, gateway.OpClaudeMessagesStream:
		path, payload = "/v1/messages", req.Claude
		isStream = req.Op == gateway.OpClaudeMessagesStream
	case gateway.OpClaudeCountTokens:
		path, payload = "/v1/messages/count_tokens", req.ClaudeCount
	case gateway.OpClaudeModelsList:
		method, path = http.MethodGet, "/v1/models"
	case gateway.OpClaudeModelsGet:
		method, path = http.MethodGet, "/v1/models/"+req.ModelID

	case gateway.OpGeminiGenerate, gateway.OpGeminiGenerateStream:
		action := ":generateContent"
		if req.Op == gateway.OpGeminiGenerateStream {
			action = ":streamGenerateContent?alt=sse"
			isStream = true
		}
		path, payload = "/v1beta/models/"+strings.TrimPrefix(req.Gemini.Model, "models/")+action, req.Gemini
	case gateway.OpGeminiCountTokens:
		contents := req.GeminiCount.Contents
		if len(contents) == 0 && req.GeminiCount.GenerateContentRequest != nil {
			contents = req.GeminiCount.GenerateContentRequest.Contents
		}
		path = "/v1beta/models/" + strings.TrimPrefix(req.GeminiCount.Model, "models/") + ":countTokens"
		payload = struct {
			Contents []protocol.GeminiContent `json:"contents"`
		}{Contents: contents}
	case gateway.OpGeminiModelsList:
		method, path = http.MethodGet, "/v1beta/models"
	case gateway.OpGeminiModelsGet:
		method, path = http.MethodGet, "/v1beta/models/"+strings.TrimPrefix(req.ModelID, "models/")

	case gateway.OpOpenAIChat, gateway.OpOpenAIChatStream:
		path, payload = "/v1/chat/completions", req.Chat
		isStream = req.Op == gateway.OpOpenAIChatStream
	case gateway.OpOpenAIResponses, gateway.OpOpenAIResponsesStream:
		path, payload = "/v1/responses", req.Responses
		isStream = req.Op == gateway.OpOpenAIResponsesStream
	case gateway.OpOpenAIModelsList:
		method, path = http.MethodGet, "/v1/models"
	case gateway.OpOpenAIModelsGet:
		method, path = http.MethodGet, "/v1/models/"+req.ModelID

	default:
		return nil, fmt.Errorf("compat %s: op %s: %w", p.name, req.Op, gateway.ErrUnsupported)
	}

	var body []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = raw
	}
	return &gateway.UpstreamHTTPRequest{
		Method:   method,
		URL:      p.baseURL + path,
		Header:   p.buildHeaders(key.APIKey, body != nil),
		Body:     body,
		IsStream: isStream,
	}, nil
}

func (p *Provider) buildHeaders(key string, hasBody bool) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if hasBody {
		h.Set("Content-Type", "application/json")
	}
	switch p.proto {
	case gateway.ProtoClaude:
		h.Set("x-api-key", key)
		h.Set("anthropic-version", anthropicVersion)
	case gateway.ProtoGemini:
		h.Set("x-goog-api-key", key)
	default:
		h.Set("Authorization", "Bearer "+key)
	}
	for k, v := range p.headers {
		h.Set(k, v)
	}
	return h
}
