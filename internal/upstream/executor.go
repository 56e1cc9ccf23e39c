// Package upstream runs the attempt loop: select a credential, build and
// send the provider request, classify failures into pool disallows, and hand
// back the raw 2xx response. Protocol translation happens before and after
// this package; it only moves bytes.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/pool"
)

// maxBufferedBody caps buffered upstream bodies.
const maxBufferedBody = 32 << 20

// Doer abstracts the HTTP client for tests.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// attemptLimiter is an optional provider interface overriding the default
// attempt cap.
type attemptLimiter interface {
	MaxAttempts() int
}

// defaultMaxAttempts bounds the credential failover loop.
const defaultMaxAttempts = 3

// Executor owns the per-provider attempt loop. One executor per provider,
// sharing a process-wide client cache.
type Executor struct {
	pool   *pool.Pool
	log    *slog.Logger
	client func(proxyURL string) (Doer, error)
}

// NewExecutor wires an executor over the pool. clients are created lazily,
// one per outbound-proxy choice.
func NewExecutor(p *pool.Pool, log *slog.Logger) *Executor {
	cache := newClientCache()
	return &Executor{
		pool: p,
		log:  log,
		client: func(proxyURL string) (Doer, error) {
			return cache.get(proxyURL)
		},
	}
}

// Execute runs the attempt loop for an already-translated request. The
// returned credential is the one the winning attempt used; local responses
// carry a zero credential.
func (e *Executor) Execute(ctx context.Context, prov gateway.UpstreamProvider, req *gateway.Request, dctx *gateway.DownstreamContext) (*gateway.UpstreamHTTPResponse, gateway.CredentialEntry, error) {
	var zero gateway.CredentialEntry

	if lr, ok := prov.(gateway.LocalResponder); ok {
		body, served, err := lr.LocalResponse(ctx, req)
		if err != nil {
			return nil, zero, err
		}
		if served {
			return &gateway.UpstreamHTTPResponse{Status: http.StatusOK, Body: body}, zero, nil
		}
	}

	maxAttempts := defaultMaxAttempts
	if al, ok := prov.(attemptLimiter); ok && al.MaxAttempts() > 0 {
		maxAttempts = al.MaxAttempts()
	}

	scope := req.Scope()
	tried := make(map[string]bool)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cred, ok := e.pool.Select(scope, tried)
		if !ok {
			break
		}
		dctx.AttemptNo = attempt

		if up, ok := prov.(gateway.CredentialUpgrader); ok {
			nv, err := up.UpgradeCredential(ctx, &cred)
			if err != nil {
				e.log.WarnContext(ctx, "credential upgrade failed",
					slog.String("provider", prov.Name()),
					slog.String("credential", cred.ID),
					slog.Any("error", err))
				lastErr = err
				tried[cred.ID] = true
				continue
			}
			if nv != nil {
				e.pool.ReplaceCredential(cred.ID, *nv)
				cred.Value = *nv
			}
		}

		resp, err := e.attempt(ctx, prov, req, &cred, dctx)
		if err == nil {
			if so, ok := prov.(gateway.SuccessObserver); ok {
				if nv := so.OnUpstreamSuccess(ctx, req, &cred, resp); nv != nil {
					e.pool.ReplaceCredential(cred.ID, *nv)
				}
			}
			return resp, cred, nil
		}
		if ctx.Err() != nil {
			// Cancelled or timed out downstream: release without touching
			// the pool. A cancelled attempt proves nothing about the
			// credential.
			return nil, zero, ctx.Err()
		}
		lastErr = err

		if isAuthFailure(err) {
			if ar, ok := prov.(gateway.AuthRefresher); ok {
				switch action := ar.OnAuthFailure(ctx, req, &cred, err); action.Kind {
				case gateway.AuthRetrySame:
					continue
				case gateway.AuthRetryUpdate:
					if action.Credential != nil {
						e.pool.ReplaceCredential(cred.ID, *action.Credential)
					}
					continue
				}
			}
		}

		var decision *gateway.UnavailableDecision
		if ud, ok := prov.(gateway.UnavailableDecider); ok {
			decision = ud.DecideUnavailable(err)
		} else {
			decision = DefaultDecision(err)
		}
		if decision != nil {
			e.pool.MarkUnavailable(cred.ID, scope, decision.Level, decision.Duration, decision.Reason)
			e.log.WarnContext(ctx, "credential marked unavailable",
				slog.String("provider", prov.Name()),
				slog.String("credential", cred.ID),
				slog.String("reason", decision.Reason),
				slog.Duration("duration", decision.Duration),
				slog.Int("attempt", attempt))
		}
		tried[cred.ID] = true
	}

	if lastErr != nil {
		return nil, zero, lastErr
	}
	return nil, zero, fmt.Errorf("%s scope %v: %w", prov.Name(), scope, gateway.ErrNoCredential)
}

// attempt performs one upstream round trip.
func (e *Executor) attempt(ctx context.Context, prov gateway.UpstreamProvider, req *gateway.Request, cred *gateway.CredentialEntry, dctx *gateway.DownstreamContext) (*gateway.UpstreamHTTPResponse, error) {
	upReq, err := prov.BuildRequest(ctx, req, cred, dctx)
	if err != nil {
		return nil, fmt.Errorf("%s build: %w", prov.Name(), err)
	}

	client, err := e.client(dctx.OutboundProxy)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, upReq.Method, upReq.URL, bytes.NewReader(upReq.Body))
	if err != nil {
		return nil, err
	}
	if upReq.Header != nil {
		httpReq.Header = upReq.Header
	}
	if dctx.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", dctx.UserAgent)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, wrapTransport(err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		httpResp.Body.Close()
		return nil, &HTTPError{Status: httpResp.StatusCode, Header: httpResp.Header, Body: body}
	}

	if upReq.IsStream {
		return &gateway.UpstreamHTTPResponse{
			Status: httpResp.StatusCode,
			Header: httpResp.Header,
			Stream: httpResp.Body,
		}, nil
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBufferedBody))
	httpResp.Body.Close()
	if err != nil {
		return nil, wrapTransport(err)
	}
	if rn, ok := prov.(gateway.ResponseNormalizer); ok {
		body = rn.NormalizeNonStreamResponse(req.Op, body)
	}
	return &gateway.UpstreamHTTPResponse{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   body,
	}, nil
}
