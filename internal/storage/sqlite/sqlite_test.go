package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testProvider(t *testing.T, s *Store, name string) *gateway.ProviderRecord {
	t.Helper()
	p := &gateway.ProviderRecord{
		Name:    name,
		Kind:    "compat",
		BaseURL: "https://api.example.com",
		Enabled: true,
	}
	if err := s.UpsertProvider(context.Background(), p); err != nil {
		t.Fatal("upsert provider:", err)
	}
	return p
}

func TestProviderRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	p := &gateway.ProviderRecord{
		Name:     "anthropic",
		Kind:     "compat",
		Protocol: "claude",
		BaseURL:  "https://api.anthropic.com",
		Headers:  map[string]string{"X-Team": "infra"},
		Enabled:  true,
	}
	if err := s.UpsertProvider(ctx, p); err != nil {
		t.Fatal("upsert:", err)
	}
	if p.ID == 0 {
		t.Fatal("id not filled on insert")
	}

	got, err := s.GetProviderByName(ctx, "anthropic")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.ID != p.ID || got.Protocol != "claude" || got.Headers["X-Team"] != "infra" {
		t.Fatalf("got = %+v", got)
	}
	if !got.Enabled {
		t.Error("enabled not persisted")
	}

	// Upsert by name keeps the id and applies changes.
	update := &gateway.ProviderRecord{Name: "anthropic", Kind: "compat", Protocol: "claude", BaseURL: "https://eu.anthropic.com", Enabled: false}
	if err := s.UpsertProvider(ctx, update); err != nil {
		t.Fatal("second upsert:", err)
	}
	if update.ID != p.ID {
		t.Fatalf("update id = %d, want %d", update.ID, p.ID)
	}
	got, _ = s.GetProviderByName(ctx, "anthropic")
	if got.BaseURL != "https://eu.anthropic.com" || got.Enabled {
		t.Fatalf("after update = %+v", got)
	}

	if _, err := s.GetProviderByName(ctx, "nope"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("missing provider err = %v", err)
	}

	if err := s.DeleteProvider(ctx, p.ID); err != nil {
		t.Fatal("delete:", err)
	}
	if err := s.DeleteProvider(ctx, p.ID); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("double delete err = %v", err)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	p := testProvider(t, s, "openai")

	c := &gateway.CredentialRecord{
		ProviderID: p.ID,
		Name:       "primary",
		Enabled:    true,
		Weight:     3,
		Value: gateway.Credential{
			Kind:   gateway.CredAPIKey,
			APIKey: &gateway.APIKeyCredential{APIKey: "sk-test-1"},
		},
	}
	if err := s.UpsertCredential(ctx, c); err != nil {
		t.Fatal("upsert:", err)
	}
	if c.ID == "" {
		t.Fatal("id not filled on insert")
	}

	// Same (provider, name) updates in place and keeps the id.
	update := &gateway.CredentialRecord{
		ProviderID: p.ID,
		Name:       "primary",
		Enabled:    false,
		Weight:     5,
		Value: gateway.Credential{
			Kind:   gateway.CredAPIKey,
			APIKey: &gateway.APIKeyCredential{APIKey: "sk-test-2"},
		},
	}
	if err := s.UpsertCredential(ctx, update); err != nil {
		t.Fatal("second upsert:", err)
	}
	if update.ID != c.ID {
		t.Fatalf("update id = %q, want %q", update.ID, c.ID)
	}

	creds, err := s.ListCredentials(ctx, p.ID)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(creds) != 1 {
		t.Fatalf("list count = %d, want 1", len(creds))
	}
	got := creds[0]
	if got.Weight != 5 || got.Enabled {
		t.Fatalf("got = %+v", got)
	}
	if got.Value.Kind != gateway.CredAPIKey || got.Value.APIKey == nil || got.Value.APIKey.APIKey != "sk-test-2" {
		t.Fatalf("secret = %+v", got.Value)
	}

	if err := s.DeleteCredential(ctx, c.ID); err != nil {
		t.Fatal("delete:", err)
	}
	if err := s.DeleteCredential(ctx, c.ID); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("double delete err = %v", err)
	}
}

func TestCredentialsCascadeWithProvider(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	p := testProvider(t, s, "gemini")

	c := &gateway.CredentialRecord{
		ProviderID: p.ID,
		Name:       "key",
		Enabled:    true,
		Weight:     1,
		Value:      gateway.Credential{Kind: gateway.CredAPIKey, APIKey: &gateway.APIKeyCredential{APIKey: "g-1"}},
	}
	if err := s.UpsertCredential(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteProvider(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	creds, err := s.ListCredentials(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 0 {
		t.Fatalf("credentials survived provider delete: %+v", creds)
	}
}

func TestDisallowMergeAndPrune(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	p := testProvider(t, s, "anthropic")

	c := &gateway.CredentialRecord{
		ProviderID: p.ID,
		Name:       "key",
		Enabled:    true,
		Weight:     1,
		Value:      gateway.Credential{Kind: gateway.CredAPIKey, APIKey: &gateway.APIKeyCredential{APIKey: "k"}},
	}
	if err := s.UpsertCredential(ctx, c); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	cool := gateway.DisallowEntry{
		CredentialID: c.ID,
		Scope:        gateway.ModelScope("claude-sonnet-4"),
		Level:        gateway.LevelCooldown,
		Until:        now.Add(30 * time.Second),
		Reason:       gateway.ReasonRateLimit,
	}
	if err := s.UpsertDisallow(ctx, p.ID, cool); err != nil {
		t.Fatal("cooldown:", err)
	}

	// A Dead mark on the same scope dominates: level and until both ratchet up.
	dead := cool
	dead.Level = gateway.LevelDead
	dead.Until = now.Add(gateway.DeadDuration)
	dead.Reason = gateway.ReasonAuthInvalid
	if err := s.UpsertDisallow(ctx, p.ID, dead); err != nil {
		t.Fatal("dead:", err)
	}
	// A later, weaker cooldown must not downgrade the stored entry.
	late := cool
	late.Until = now.Add(10 * time.Second)
	if err := s.UpsertDisallow(ctx, p.ID, late); err != nil {
		t.Fatal("late cooldown:", err)
	}

	entries, err := s.ListDisallow(ctx, p.ID)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 (merged)", len(entries))
	}
	e := entries[0]
	if e.Level != gateway.LevelDead || e.Reason != gateway.ReasonRateLimit {
		t.Fatalf("merged = %+v", e)
	}
	if !e.Until.Equal(dead.Until) {
		t.Fatalf("until = %v, want %v", e.Until, dead.Until)
	}

	// A second scope that expires soon gets pruned; the dead entry survives.
	expired := gateway.DisallowEntry{
		CredentialID: c.ID,
		Scope:        gateway.DisallowScope{Kind: gateway.ScopeAllModels},
		Level:        gateway.LevelCooldown,
		Until:        now.Add(-time.Minute),
		Reason:       gateway.ReasonUpstream5xx,
	}
	if err := s.UpsertDisallow(ctx, p.ID, expired); err != nil {
		t.Fatal(err)
	}
	n, err := s.PruneDisallow(ctx, now)
	if err != nil {
		t.Fatal("prune:", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	entries, _ = s.ListDisallow(ctx, p.ID)
	if len(entries) != 1 || entries[0].Level != gateway.LevelDead {
		t.Fatalf("after prune = %+v", entries)
	}
}

func TestEnsureAdminUser(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureAdminUser(ctx, "hash-1"); err != nil {
		t.Fatal("first:", err)
	}
	key, err := s.GetKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if key.Name != "admin" || !key.Enabled || key.UserRole != "admin" {
		t.Fatalf("admin key = %+v", key)
	}

	// Idempotent with the same hash.
	if err := s.EnsureAdminUser(ctx, "hash-1"); err != nil {
		t.Fatal("repeat:", err)
	}
	keys, _ := s.ListKeys(ctx)
	if len(keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(keys))
	}

	// A new hash rotates the admin key in place.
	if err := s.EnsureAdminUser(ctx, "hash-2"); err != nil {
		t.Fatal("rotate:", err)
	}
	if _, err := s.GetKeyByHash(ctx, "hash-1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("old hash err = %v", err)
	}
	rotated, err := s.GetKeyByHash(ctx, "hash-2")
	if err != nil {
		t.Fatal(err)
	}
	if rotated.ID != key.ID {
		t.Fatalf("rotation changed key id: %q -> %q", key.ID, rotated.ID)
	}
}

func TestEnsureUser(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.EnsureUser(ctx, "ci-bot", "user")
	if err != nil {
		t.Fatal(err)
	}
	if u.ID == "" || u.Role != "user" {
		t.Fatalf("user = %+v", u)
	}

	// Existing user keeps its id and role.
	again, err := s.EnsureUser(ctx, "ci-bot", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != u.ID || again.Role != "user" {
		t.Fatalf("second ensure = %+v, want same as %+v", again, u)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureAdminUser(ctx, "admin-hash"); err != nil {
		t.Fatal(err)
	}

	owner, err := s.EnsureUser(ctx, "ci", "user")
	if err != nil {
		t.Fatal(err)
	}
	key := &gateway.APIKey{
		UserID:  owner.ID,
		Name:    "ci",
		KeyHash: "ci-hash",
		Enabled: true,
	}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create:", err)
	}
	if key.ID == "" {
		t.Fatal("id not filled")
	}

	got, err := s.GetKeyByHash(ctx, "ci-hash")
	if err != nil {
		t.Fatal("get:", err)
	}
	if !got.LastUsedAt.IsZero() {
		t.Errorf("last_used_at = %v, want zero before first use", got.LastUsedAt)
	}
	if got.UserRole != "user" {
		t.Errorf("user role = %q, want user", got.UserRole)
	}

	if err := s.TouchKeyUsed(ctx, key.ID); err != nil {
		t.Fatal("touch:", err)
	}
	got, _ = s.GetKeyByHash(ctx, "ci-hash")
	if got.LastUsedAt.IsZero() {
		t.Error("last_used_at still zero after touch")
	}

	keys, err := s.ListKeys(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %d, want 2", len(keys))
	}

	if err := s.DeleteKey(ctx, key.ID); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetKeyByHash(ctx, "ci-hash"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("after delete err = %v", err)
	}
}

func TestGlobalConfig(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetGlobalConfig(ctx, "version"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("missing key err = %v", err)
	}
	if err := s.SetGlobalConfig(ctx, "version", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetGlobalConfig(ctx, "version", "2"); err != nil {
		t.Fatal(err)
	}
	v, err := s.GetGlobalConfig(ctx, "version")
	if err != nil {
		t.Fatal(err)
	}
	if v != "2" {
		t.Fatalf("value = %q, want 2", v)
	}
}

func TestTrafficInsertAndUsage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	down := []gateway.DownstreamTrafficEvent{
		{TraceID: "t1", Method: "POST", Path: "/v1/messages", Op: "claude.messages", Model: "claude-sonnet-4", Status: 200, DurationMS: 120, CreatedAt: now},
		{TraceID: "t2", Method: "GET", Path: "/v1/models", Op: "openai.models.list", Status: 200, DurationMS: 3, CreatedAt: now},
	}
	if err := s.InsertDownstream(ctx, down); err != nil {
		t.Fatal("downstream:", err)
	}
	if err := s.InsertDownstream(ctx, nil); err != nil {
		t.Fatal("empty batch:", err)
	}

	up := []gateway.UpstreamTrafficEvent{
		{
			TraceID: "t1", ProviderID: 1, ProviderName: "anthropic", CredentialID: "cred-a",
			Op: "claude.messages", Model: "claude-sonnet-4", AttemptNo: 1, Status: 200,
			DurationMS: 110, CreatedAt: now,
			Usage: &gateway.TrafficUsage{Claude: &gateway.ClaudeUsageCounters{
				InputTokens: 100, OutputTokens: 40, TotalTokens: 140,
				CacheReadTokens: 25, CacheCreationTokens: 10,
			}},
		},
		{
			TraceID: "t1", ProviderID: 1, ProviderName: "anthropic", CredentialID: "cred-a",
			Op: "claude.messages", Model: "claude-sonnet-4", AttemptNo: 2, Status: 200,
			DurationMS: 90, CreatedAt: now.Add(time.Second),
			Usage: &gateway.TrafficUsage{Claude: &gateway.ClaudeUsageCounters{
				InputTokens: 50, OutputTokens: 20, TotalTokens: 70,
			}},
		},
		{
			TraceID: "t3", ProviderID: 1, ProviderName: "anthropic", CredentialID: "cred-a",
			Op: "gemini.generate", Model: "gemini-2.5-pro", AttemptNo: 1, Status: 200,
			DurationMS: 80, CreatedAt: now,
			Usage: &gateway.TrafficUsage{Gemini: &gateway.GeminiUsageCounters{
				PromptTokens: 30, CandidatesTokens: 12, TotalTokens: 42, CachedTokens: 5,
			}},
		},
		// Failed attempt with no usage must not contribute counters.
		{
			TraceID: "t4", ProviderID: 1, ProviderName: "anthropic", CredentialID: "cred-a",
			Op: "claude.messages", Model: "claude-sonnet-4", AttemptNo: 1, Status: 429,
			ErrorKind: "rate_limit", DurationMS: 15, CreatedAt: now,
		},
		// Different credential stays out of cred-a aggregates.
		{
			TraceID: "t5", ProviderID: 2, ProviderName: "openai", CredentialID: "cred-b",
			Op: "openai.chat", Model: "gpt-4o", AttemptNo: 1, Status: 200,
			DurationMS: 60, CreatedAt: now,
			Usage: &gateway.TrafficUsage{OpenAIChat: &gateway.OpenAIChatUsageCounters{
				PromptTokens: 9, CompletionTokens: 4, TotalTokens: 13,
			}},
		},
	}
	if err := s.InsertUpstream(ctx, up); err != nil {
		t.Fatal("upstream:", err)
	}

	usage, err := s.GetUpstreamUsage(ctx, gateway.UsageQuery{CredentialID: "cred-a"})
	if err != nil {
		t.Fatal("usage:", err)
	}
	if usage.Claude == nil || usage.Gemini == nil {
		t.Fatalf("usage groups = %+v", usage)
	}
	if usage.OpenAIChat != nil {
		t.Fatalf("foreign credential leaked in: %+v", usage.OpenAIChat)
	}
	c := usage.Claude
	if c.InputTokens != 150 || c.OutputTokens != 60 || c.TotalTokens != 210 {
		t.Fatalf("claude sums = %+v", c)
	}
	if c.CacheReadTokens != 25 || c.CacheCreationTokens != 10 {
		t.Fatalf("claude cache sums = %+v", c)
	}
	if usage.Gemini.TotalTokens != 42 || usage.Gemini.CachedTokens != 5 {
		t.Fatalf("gemini sums = %+v", usage.Gemini)
	}

	// No credential filter: rows from every credential aggregate together.
	usage, err = s.GetUpstreamUsage(ctx, gateway.UsageQuery{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if usage.OpenAIChat == nil || usage.OpenAIChat.TotalTokens != 13 {
		t.Fatalf("credential-less query = %+v", usage)
	}

	// Model filter keeps only the matching rows.
	usage, err = s.GetUpstreamUsage(ctx, gateway.UsageQuery{CredentialID: "cred-a", Model: "gemini-2.5-pro"})
	if err != nil {
		t.Fatal(err)
	}
	if usage.Claude != nil || usage.Gemini == nil {
		t.Fatalf("model filter = %+v", usage)
	}

	// Time window excludes the second attempt.
	usage, err = s.GetUpstreamUsage(ctx, gateway.UsageQuery{
		CredentialID: "cred-a", Model: "claude-sonnet-4",
		Start: now, End: now.Add(time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}
	if usage.Claude == nil || usage.Claude.InputTokens != 100 {
		t.Fatalf("window sums = %+v", usage)
	}

	// Unknown credential aggregates to an empty group set.
	usage, err = s.GetUpstreamUsage(ctx, gateway.UsageQuery{CredentialID: "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if !usage.Empty() {
		t.Fatalf("empty query = %+v", usage)
	}
}

func TestPingAndSync(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatal("ping:", err)
	}
	if err := s.Sync(ctx); err != nil {
		t.Fatal("sync:", err)
	}
}
