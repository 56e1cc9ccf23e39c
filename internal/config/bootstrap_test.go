package config

import (
	"context"
	"strings"
	"testing"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := sqlite.New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := Default()
	cfg.Auth.AdminKey = "hmd_bootstrap_admin"
	cfg.Providers = []ProviderEntry{
		{
			Name:     "anthropic",
			Kind:     "compat",
			Protocol: "claude",
			BaseURL:  "https://api.anthropic.com",
			Credentials: []CredentialEntry{
				{Name: "primary", APIKey: "sk-1"},
				{Name: "backup", APIKey: "sk-2", Weight: 2},
			},
		},
	}

	adminKey, err := Bootstrap(ctx, cfg, store)
	if err != nil {
		t.Fatal("bootstrap:", err)
	}
	if adminKey != "hmd_bootstrap_admin" {
		t.Fatalf("admin key = %q", adminKey)
	}

	p, err := store.GetProviderByName(ctx, "anthropic")
	if err != nil {
		t.Fatal("provider:", err)
	}
	creds, err := store.ListCredentials(ctx, p.ID)
	if err != nil {
		t.Fatal("credentials:", err)
	}
	if len(creds) != 2 {
		t.Fatalf("credentials = %d, want 2", len(creds))
	}
	for _, c := range creds {
		if c.Weight < 1 {
			t.Errorf("credential %q weight = %d, want >= 1", c.Name, c.Weight)
		}
	}

	key, err := store.GetKeyByHash(ctx, gateway.HashKey("hmd_bootstrap_admin"))
	if err != nil {
		t.Fatal("admin key:", err)
	}
	if key.Name != "admin" {
		t.Fatalf("admin key record = %+v", key)
	}

	// A second run must not duplicate or clobber store state, even if the
	// config has drifted.
	cfg.Providers[0].BaseURL = "https://drifted.example.com"
	if _, err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("second bootstrap:", err)
	}
	p2, _ := store.GetProviderByName(ctx, "anthropic")
	if p2.BaseURL != "https://api.anthropic.com" {
		t.Errorf("base_url clobbered on re-bootstrap: %q", p2.BaseURL)
	}
	creds, _ = store.ListCredentials(ctx, p.ID)
	if len(creds) != 2 {
		t.Fatalf("credentials after rerun = %d, want 2", len(creds))
	}
}

func TestBootstrapGeneratesAdminKey(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	adminKey, err := Bootstrap(ctx, Default(), store)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(adminKey, gateway.APIKeyPrefix) {
		t.Fatalf("generated key = %q, want %q prefix", adminKey, gateway.APIKeyPrefix)
	}
	if _, err := store.GetKeyByHash(ctx, gateway.HashKey(adminKey)); err != nil {
		t.Fatalf("generated key not stored: %v", err)
	}
}

func TestBootstrapRejectsBadCredential(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	cfg := Default()
	cfg.Providers = []ProviderEntry{{
		Name: "broken", Kind: "compat", Protocol: "claude", BaseURL: "https://x",
		Credentials: []CredentialEntry{{Name: "empty"}},
	}}
	if _, err := Bootstrap(context.Background(), cfg, store); err == nil {
		t.Fatal("expected error for credential without material")
	}
}

func TestGenerateAdminKey(t *testing.T) {
	t.Parallel()
	a, b := GenerateAdminKey(), GenerateAdminKey()
	if a == b {
		t.Fatal("admin keys should be random")
	}
	if !strings.HasPrefix(a, gateway.APIKeyPrefix) {
		t.Fatalf("key = %q, want prefix %q", a, gateway.APIKeyPrefix)
	}
}
