package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func apiKeyCred(key string) gateway.Credential {
	return gateway.Credential{
		Kind:   gateway.CredAPIKey,
		APIKey: &gateway.APIKeyCredential{APIKey: key},
	}
}

func seedProvider(t *testing.T, store *sqlite.Store, rec *gateway.ProviderRecord, creds ...gateway.CredentialRecord) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertProvider(ctx, rec); err != nil {
		t.Fatal(err)
	}
	for i := range creds {
		creds[i].ProviderID = rec.ID
		if err := store.UpsertCredential(ctx, &creds[i]); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRuntimeReload(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	seedProvider(t, store, &gateway.ProviderRecord{
		Name: "anthropic", Kind: "compat", Protocol: "claude",
		BaseURL: "https://api.anthropic.com", Enabled: true,
	}, gateway.CredentialRecord{Name: "primary", Enabled: true, Weight: 1, Value: apiKeyCred("sk-1")})
	seedProvider(t, store, &gateway.ProviderRecord{
		Name: "claude-sub", Kind: "claudecode", Enabled: true,
	})
	seedProvider(t, store, &gateway.ProviderRecord{
		Name: "disabled", Kind: "vertex", Enabled: false,
	})

	rt := NewRuntime(store, slog.Default())
	if err := rt.Reload(ctx); err != nil {
		t.Fatal(err)
	}

	providers := rt.Providers()
	if len(providers) != 2 {
		t.Fatalf("got %d providers, want 2", len(providers))
	}
	// Ordered by provider ID, i.e. insertion order.
	if providers[0].Record.Name != "anthropic" || providers[1].Record.Name != "claude-sub" {
		t.Fatalf("order = %s, %s", providers[0].Record.Name, providers[1].Record.Name)
	}

	rp, ok := rt.ByName("anthropic")
	if !ok {
		t.Fatal("ByName(anthropic) missing")
	}
	entry, ok := rp.Pool.Select(gateway.DisallowScope{}, nil)
	if !ok || entry.Name != "primary" {
		t.Fatalf("Select = %+v, %v", entry, ok)
	}

	if _, err := rt.Registry().Get("claude-sub"); err != nil {
		t.Fatalf("registry: %v", err)
	}
	if _, ok := rt.ByName("disabled"); ok {
		t.Fatal("disabled provider must not load")
	}
}

func TestRuntimeReloadSkipsBrokenRow(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	seedProvider(t, store, &gateway.ProviderRecord{
		Name: "bad", Kind: "compat", Protocol: "claude", Enabled: true, // no base URL
	})
	seedProvider(t, store, &gateway.ProviderRecord{
		Name: "good", Kind: "vertex", Enabled: true,
	})

	rt := NewRuntime(store, slog.Default())
	if err := rt.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	providers := rt.Providers()
	if len(providers) != 1 || providers[0].Record.Name != "good" {
		t.Fatalf("providers = %+v", providers)
	}
}

func TestRuntimeReloadKeepsPoolState(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	seedProvider(t, store, &gateway.ProviderRecord{
		Name: "anthropic", Kind: "compat", Protocol: "claude",
		BaseURL: "https://api.anthropic.com", Enabled: true,
	}, gateway.CredentialRecord{Name: "only", Enabled: true, Weight: 1, Value: apiKeyCred("sk-1")})

	rt := NewRuntime(store, slog.Default())
	if err := rt.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	rp, _ := rt.ByName("anthropic")
	rp.Pool.MarkUnavailable(poolCredID(t, rt), gateway.DisallowScope{}, gateway.LevelCooldown, time.Hour, "rate_limit")

	if err := rt.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	after, _ := rt.ByName("anthropic")
	if after.Pool != rp.Pool {
		t.Fatal("unchanged row must reuse the pool")
	}
	if after.Provider != rp.Provider {
		t.Fatal("unchanged row must reuse the adapter")
	}
	if _, ok := after.Pool.Select(gateway.DisallowScope{}, nil); ok {
		t.Fatal("disallow must survive reload")
	}
}

func poolCredID(t *testing.T, rt *Runtime) string {
	t.Helper()
	rp, _ := rt.ByName("anthropic")
	snap := rp.Pool.Snapshot()
	if len(snap.Credentials) == 0 {
		t.Fatal("empty pool")
	}
	return snap.Credentials[0].ID
}

func TestRuntimeReloadRebuildsChangedRow(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	rec := gateway.ProviderRecord{
		Name: "anthropic", Kind: "compat", Protocol: "claude",
		BaseURL: "https://api.anthropic.com", Enabled: true,
	}
	seedProvider(t, store, &rec)

	rt := NewRuntime(store, slog.Default())
	if err := rt.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	before, _ := rt.ByName("anthropic")

	rec.BaseURL = "https://proxy.example.com"
	if err := store.UpsertProvider(ctx, &rec); err != nil {
		t.Fatal(err)
	}
	if err := rt.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	after, _ := rt.ByName("anthropic")
	if after.Provider == before.Provider {
		t.Fatal("changed base URL must rebuild the adapter")
	}
}

func TestRuntimeSeedsPersistedDisallow(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	rec := gateway.ProviderRecord{
		Name: "anthropic", Kind: "compat", Protocol: "claude",
		BaseURL: "https://api.anthropic.com", Enabled: true,
	}
	cred := gateway.CredentialRecord{Name: "only", Enabled: true, Weight: 1, Value: apiKeyCred("sk-1")}
	seedProvider(t, store, &rec, cred)

	creds, err := store.ListCredentials(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	err = store.UpsertDisallow(ctx, rec.ID, gateway.DisallowEntry{
		CredentialID: creds[0].ID,
		Scope:        gateway.DisallowScope{},
		Level:        gateway.LevelCooldown,
		Until:        time.Now().Add(time.Hour),
		Reason:       "rate_limit",
	})
	if err != nil {
		t.Fatal(err)
	}

	rt := NewRuntime(store, slog.Default())
	if err := rt.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	rp, _ := rt.ByName("anthropic")
	if _, ok := rp.Pool.Select(gateway.DisallowScope{}, nil); ok {
		t.Fatal("persisted cooldown must be live after startup")
	}
}

func TestSaveCredential(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	seedProvider(t, store, &gateway.ProviderRecord{
		Name: "claude-sub", Kind: "claudecode", Enabled: true,
	})
	rt := NewRuntime(store, slog.Default())
	if err := rt.Reload(ctx); err != nil {
		t.Fatal(err)
	}

	value := gateway.Credential{
		Kind:       gateway.CredClaudeCode,
		ClaudeCode: &gateway.ClaudeCodeCredential{AccessToken: "tok-1", RefreshToken: "ref-1"},
	}
	entry, err := rt.SaveCredential(ctx, "claude-sub", "alice@example.com", value)
	if err != nil {
		t.Fatal(err)
	}
	if entry.ID == "" || !entry.Enabled || entry.Weight != 1 {
		t.Fatalf("entry = %+v", entry)
	}

	rp, _ := rt.ByName("claude-sub")
	got, ok := rp.Pool.Select(gateway.DisallowScope{}, nil)
	if !ok || got.ID != entry.ID {
		t.Fatalf("pool entry = %+v, %v", got, ok)
	}

	// Re-save with a refreshed token: same row, preserved weight.
	value.ClaudeCode.AccessToken = "tok-2"
	again, err := rt.SaveCredential(ctx, "claude-sub", "alice@example.com", value)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != entry.ID {
		t.Fatalf("re-save changed ID: %s -> %s", entry.ID, again.ID)
	}
	if again.Value.ClaudeCode.AccessToken != "tok-2" {
		t.Fatalf("token = %s", again.Value.ClaudeCode.AccessToken)
	}

	if _, err := rt.SaveCredential(ctx, "nope", "x", value); err == nil {
		t.Fatal("unknown provider must fail")
	}
}
