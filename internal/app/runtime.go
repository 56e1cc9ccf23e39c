// Package app wires stored gateway configuration into runnable upstream
// state: one adapter, credential pool, and executor per configured provider.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/pool"
	"github.com/eugener/heimdall/internal/provider"
	"github.com/eugener/heimdall/internal/provider/claudecode"
	"github.com/eugener/heimdall/internal/provider/codex"
	"github.com/eugener/heimdall/internal/provider/compat"
	"github.com/eugener/heimdall/internal/provider/geminicli"
	"github.com/eugener/heimdall/internal/provider/vertex"
	"github.com/eugener/heimdall/internal/storage"
	"github.com/eugener/heimdall/internal/upstream"
)

// RuntimeProvider is one configured provider in runnable form.
type RuntimeProvider struct {
	Record   gateway.ProviderRecord
	Provider gateway.UpstreamProvider
	Pool     *pool.Pool
	Executor *upstream.Executor
}

// Runtime owns the live provider set. Reload rebuilds it from the store;
// readers see a consistent slice ordered by provider ID, which is the
// failover order for requests.
type Runtime struct {
	store    storage.Store
	log      *slog.Logger
	registry *provider.Registry

	mu        sync.RWMutex
	providers []*RuntimeProvider
}

// NewRuntime returns an empty runtime; call Reload to populate it.
func NewRuntime(store storage.Store, log *slog.Logger) *Runtime {
	return &Runtime{store: store, log: log, registry: provider.NewRegistry()}
}

// Providers returns the current provider set in failover order.
func (rt *Runtime) Providers() []*RuntimeProvider {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return slices.Clone(rt.providers)
}

// ByName returns the runtime provider with the given configured name.
func (rt *Runtime) ByName(name string) (*RuntimeProvider, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, rp := range rt.providers {
		if rp.Record.Name == name {
			return rp, true
		}
	}
	return nil, false
}

// Registry exposes the name-indexed adapter registry.
func (rt *Runtime) Registry() *provider.Registry { return rt.registry }

// Reload rebuilds the provider set from the store. Adapters and pools are
// reused when the provider row is unchanged, so in-memory disallow state and
// in-flight OAuth flows survive admin edits elsewhere. A provider row that
// fails to build is skipped with a log line rather than wedging the rest.
func (rt *Runtime) Reload(ctx context.Context) error {
	records, err := rt.store.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}

	prior := make(map[int64]*RuntimeProvider)
	rt.mu.RLock()
	for _, rp := range rt.providers {
		prior[rp.Record.ID] = rp
	}
	rt.mu.RUnlock()

	var next []*RuntimeProvider
	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		rp, err := rt.buildOne(ctx, rec, prior[rec.ID])
		if err != nil {
			rt.log.ErrorContext(ctx, "provider skipped",
				slog.String("provider", rec.Name),
				slog.String("kind", rec.Kind),
				slog.Any("error", err))
			continue
		}
		next = append(next, rp)
	}

	rt.mu.Lock()
	old := rt.providers
	rt.providers = next
	rt.mu.Unlock()

	for _, rp := range old {
		rt.registry.Remove(rp.Record.Name)
	}
	for _, rp := range next {
		rt.registry.Register(rp.Record.Name, rp.Provider)
	}
	return nil
}

// buildOne assembles one runtime provider, reusing the prior adapter and
// pool when the row is unchanged. Credentials are always re-read.
func (rt *Runtime) buildOne(ctx context.Context, rec gateway.ProviderRecord, prior *RuntimeProvider) (*RuntimeProvider, error) {
	creds, err := rt.store.ListCredentials(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	entries := make([]gateway.CredentialEntry, 0, len(creds))
	for i := range creds {
		entries = append(entries, creds[i].Entry())
	}

	if prior != nil && sameProviderRow(prior.Record, rec) {
		prior.Pool.Load(entries)
		return &RuntimeProvider{
			Record:   rec,
			Provider: prior.Provider,
			Pool:     prior.Pool,
			Executor: prior.Executor,
		}, nil
	}

	adapter, err := rt.buildAdapter(rec)
	if err != nil {
		return nil, err
	}
	p := pool.New(entries)
	if err := rt.seedDisallow(ctx, rec.ID, p); err != nil {
		return nil, err
	}
	return &RuntimeProvider{
		Record:   rec,
		Provider: adapter,
		Pool:     p,
		Executor: upstream.NewExecutor(p, rt.log),
	}, nil
}

// sameProviderRow reports whether the fields that feed adapter construction
// are unchanged between reloads.
func sameProviderRow(a, b gateway.ProviderRecord) bool {
	return a.Kind == b.Kind &&
		a.Protocol == b.Protocol &&
		a.BaseURL == b.BaseURL &&
		a.OutboundProxy == b.OutboundProxy &&
		maps.Equal(a.Headers, b.Headers)
}

// seedDisallow replays persisted disallow rows into a freshly built pool so
// cooldowns survive restarts.
func (rt *Runtime) seedDisallow(ctx context.Context, providerID int64, p *pool.Pool) error {
	entries, err := rt.store.ListDisallow(ctx, providerID)
	if err != nil {
		return fmt.Errorf("list disallow: %w", err)
	}
	now := time.Now()
	for i := range entries {
		e := &entries[i]
		if !e.Active(now) {
			continue
		}
		p.MarkUnavailable(e.CredentialID, e.Scope, e.Level, e.Until.Sub(now), e.Reason)
	}
	return nil
}

// buildAdapter constructs the adapter for a provider row by kind.
func (rt *Runtime) buildAdapter(rec gateway.ProviderRecord) (gateway.UpstreamProvider, error) {
	switch rec.Kind {
	case "claudecode":
		return claudecode.New(claudecode.Options{
			APIBaseURL: rec.BaseURL,
			Sink:       rt.sinkFor(rec.Name),
		}), nil
	case "codex":
		return codex.New(codex.Options{
			BaseURL: rec.BaseURL,
			Sink:    rt.sinkFor(rec.Name),
		}), nil
	case "geminicli":
		return geminicli.New(geminicli.Options{
			BaseURL: rec.BaseURL,
			Sink:    rt.sinkFor(rec.Name),
		}), nil
	case "vertex":
		return vertex.New(vertex.Options{BaseURL: rec.BaseURL}), nil
	case "compat":
		proto, ok := gateway.ParseProtocol(rec.Protocol)
		if !ok {
			return nil, fmt.Errorf("unknown protocol %q for %s", rec.Protocol, rec.Name)
		}
		return compat.New(compat.Options{
			Name:     rec.Name,
			Protocol: proto,
			BaseURL:  rec.BaseURL,
			Headers:  rec.Headers,
		})
	}
	return nil, fmt.Errorf("unknown provider kind %q", rec.Kind)
}

// SaveCredential persists an OAuth-derived credential under (provider, name)
// and publishes it into the provider's pool. Weight and enabled state of an
// existing row are preserved; new rows default to enabled with weight 1.
func (rt *Runtime) SaveCredential(ctx context.Context, providerName, name string, value gateway.Credential) (gateway.CredentialEntry, error) {
	rp, ok := rt.ByName(providerName)
	if !ok {
		return gateway.CredentialEntry{}, fmt.Errorf("provider %q: %w", providerName, gateway.ErrNotFound)
	}

	rec := gateway.CredentialRecord{
		ProviderID: rp.Record.ID,
		Name:       name,
		Enabled:    true,
		Weight:     1,
		Value:      value,
	}
	existing, err := rt.store.ListCredentials(ctx, rp.Record.ID)
	if err != nil {
		return gateway.CredentialEntry{}, err
	}
	for i := range existing {
		if existing[i].Name == name {
			rec.ID = existing[i].ID
			rec.Enabled = existing[i].Enabled
			rec.Weight = existing[i].Weight
			break
		}
	}

	if err := rt.store.UpsertCredential(ctx, &rec); err != nil {
		return gateway.CredentialEntry{}, err
	}
	entry := rec.Entry()
	rp.Pool.Upsert(entry)
	rt.log.InfoContext(ctx, "credential saved",
		slog.String("provider", providerName),
		slog.String("credential", name))
	return entry, nil
}

// sinkFor adapts the runtime into the per-provider gateway.CredentialSink
// the OAuth-capable adapters call after a successful flow.
func (rt *Runtime) sinkFor(providerName string) gateway.CredentialSink {
	return credentialSink{rt: rt, provider: providerName}
}

type credentialSink struct {
	rt       *Runtime
	provider string
}

func (s credentialSink) SaveCredential(ctx context.Context, name string, value gateway.Credential) (gateway.CredentialEntry, error) {
	return s.rt.SaveCredential(ctx, s.provider, name, value)
}
