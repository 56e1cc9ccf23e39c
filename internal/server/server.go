// Package server implements the HTTP boundary for the heimdall gateway:
// inbound decode for the four wire protocols, the dispatch pipeline, SSE
// output, admin CRUD, OAuth endpoints, and the usage endpoint.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/app"
	"github.com/eugener/heimdall/internal/cache"
	"github.com/eugener/heimdall/internal/storage"
	"github.com/eugener/heimdall/internal/telemetry"
)

// Authenticator validates an inbound request's API key.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error)
}

// KeyInvalidator drops a cached API key after admin edits.
type KeyInvalidator interface {
	InvalidateByKeyID(id string)
}

// TrafficRecorder buffers traffic events for asynchronous batch persistence.
type TrafficRecorder interface {
	RecordDownstream(gateway.DownstreamTrafficEvent)
	RecordUpstream(gateway.UpstreamTrafficEvent)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           Authenticator
	Runtime        *app.Runtime
	Store          storage.Store
	Keys           *app.KeyManager
	KeyInvalidator KeyInvalidator     // nil = no key cache to invalidate
	Traffic        TrafficRecorder    // nil = no traffic recording
	Catalog        cache.Cache        // nil = no model-catalog caching
	CatalogTTL     time.Duration      // zero picks a 5-minute default
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics route
	ReadyCheck     func(ctx context.Context) error
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.CatalogTTL <= 0 {
		deps.CatalogTTL = 5 * time.Minute
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(s.logging)

	// System endpoints (no auth).
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// OAuth callbacks arrive from browser redirects without a gateway key;
	// the state token is the credential.
	r.Get("/v0/oauth/{provider}/callback", s.handleOAuthCallback)

	// Client-facing API (auth required).
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		// Anthropic Messages surface.
		r.Post("/v1/messages", s.handleClaudeMessages)
		r.Post("/v1/messages/count_tokens", s.handleClaudeCountTokens)

		// Gemini surface. The model segment carries the action after a colon
		// (".../models/gemini-2.5-pro:generateContent").
		r.Post("/v1beta/models/{model}", s.handleGeminiAction)
		r.Get("/v1beta/models", s.handleGeminiModelsList)
		r.Get("/v1beta/models/{model}", s.handleGeminiModelsGet)

		// OpenAI surfaces.
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/responses", s.handleResponses)

		// /v1/models is shared between the Anthropic and OpenAI surfaces;
		// the anthropic-version header picks the catalog shape.
		r.Get("/v1/models", s.handleModelsList)
		r.Get("/v1/models/{id}", s.handleModelsGet)

		r.Get("/v0/usage", s.handleUsage)
	})

	// Admin surface.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requireAdmin)

		r.Get("/v0/oauth/{provider}/start", s.handleOAuthStart)

		r.Route("/v0/management", func(r chi.Router) {
			r.Get("/providers", s.handleListProviders)
			r.Put("/providers", s.handleUpsertProvider)
			r.Delete("/providers/{name}", s.handleDeleteProvider)

			r.Get("/providers/{name}/credentials", s.handleListCredentials)
			r.Put("/providers/{name}/credentials", s.handleUpsertCredential)
			r.Delete("/providers/{name}/credentials/{id}", s.handleDeleteCredential)

			r.Get("/keys", s.handleListKeys)
			r.Post("/keys", s.handleCreateKey)
			r.Delete("/keys/{id}", s.handleDeleteKey)
		})
	})

	return r
}

type server struct {
	deps Deps
}
