package pool

import (
	"testing"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

func entry(id string, weight uint32) gateway.CredentialEntry {
	return gateway.CredentialEntry{
		ID:      id,
		Name:    id,
		Enabled: true,
		Weight:  weight,
		Value: gateway.Credential{
			Kind:   gateway.CredAPIKey,
			APIKey: &gateway.APIKeyCredential{APIKey: "sk-" + id},
		},
	}
}

func fixedPool(t *testing.T, now time.Time, entries ...gateway.CredentialEntry) *Pool {
	t.Helper()
	p := New(entries)
	p.now = func() time.Time { return now }
	return p
}

func TestSelectWeightThenID(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := fixedPool(t, now, entry("b", 10), entry("a", 10), entry("c", 20))

	got, ok := p.Select(gateway.ModelScope("m"), nil)
	if !ok || got.ID != "c" {
		t.Fatalf("first pick = %v %v, want c", got.ID, ok)
	}

	got, ok = p.Select(gateway.ModelScope("m"), map[string]bool{"c": true})
	if !ok || got.ID != "a" {
		t.Fatalf("second pick = %v %v, want a (id order within equal weight)", got.ID, ok)
	}
}

func TestSelectSkipsDisabledAndZeroWeight(t *testing.T) {
	t.Parallel()
	now := time.Now()
	disabled := entry("a", 10)
	disabled.Enabled = false
	p := fixedPool(t, now, disabled, entry("b", 0), entry("c", 1))

	got, ok := p.Select(gateway.ModelScope(""), nil)
	if !ok || got.ID != "c" {
		t.Fatalf("pick = %v %v, want c", got.ID, ok)
	}

	if _, ok := p.Select(gateway.ModelScope(""), map[string]bool{"c": true}); ok {
		t.Fatal("expected exhaustion")
	}
}

func TestCooldownScopedToModel(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := fixedPool(t, now, entry("a", 10), entry("b", 10))
	scope := gateway.ModelScope("m")

	p.MarkUnavailable("a", scope, gateway.LevelCooldown, 45*time.Second, gateway.ReasonRateLimit)

	if got, ok := p.Select(scope, nil); !ok || got.ID != "b" {
		t.Fatalf("pick for m = %v %v, want b", got.ID, ok)
	}
	// Disjoint model: a is still the id-order winner.
	if got, ok := p.Select(gateway.ModelScope("other"), nil); !ok || got.ID != "a" {
		t.Fatalf("pick for other = %v %v, want a", got.ID, ok)
	}

	// After the cooldown lapses, a is eligible again.
	p.now = func() time.Time { return now.Add(46 * time.Second) }
	if got, ok := p.Select(scope, nil); !ok || got.ID != "a" {
		t.Fatalf("pick after cooldown = %v %v, want a", got.ID, ok)
	}
}

func TestAllModelsCoversEveryScope(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := fixedPool(t, now, entry("a", 10))

	p.MarkUnavailable("a", gateway.ModelScope(""), gateway.LevelDead, gateway.DeadDuration, gateway.ReasonAuthInvalid)

	if _, ok := p.Select(gateway.ModelScope("m"), nil); ok {
		t.Fatal("all-models disallow must cover model scopes")
	}
	if _, ok := p.Select(gateway.ModelScope(""), nil); ok {
		t.Fatal("all-models disallow must cover model-independent scope")
	}
}

func TestMarkUnavailableMerge(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := fixedPool(t, now, entry("a", 10))
	scope := gateway.ModelScope("m")

	p.MarkUnavailable("a", scope, gateway.LevelCooldown, 30*time.Second, gateway.ReasonRateLimit)
	p.MarkUnavailable("a", scope, gateway.LevelCooldown, 30*time.Second, gateway.ReasonRateLimit)

	snap := p.Snapshot()
	if len(snap.Disallow) != 1 {
		t.Fatalf("disallow entries = %d, want merged single entry", len(snap.Disallow))
	}

	// Later until wins; Dead dominates Cooldown.
	p.MarkUnavailable("a", scope, gateway.LevelCooldown, 10*time.Second, gateway.ReasonUpstream5xx)
	snap = p.Snapshot()
	if got := snap.Disallow[0].Until; !got.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("until = %v, want the later instant kept", got)
	}
	p.MarkUnavailable("a", scope, gateway.LevelDead, gateway.DeadDuration, gateway.ReasonAuthInvalid)
	p.MarkUnavailable("a", scope, gateway.LevelCooldown, 10*time.Second, gateway.ReasonRateLimit)
	snap = p.Snapshot()
	if len(snap.Disallow) != 1 || snap.Disallow[0].Level != gateway.LevelDead {
		t.Fatalf("disallow = %+v, want single Dead entry", snap.Disallow)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := fixedPool(t, now, entry("a", 10))

	before := p.Snapshot()
	p.MarkUnavailable("a", gateway.ModelScope("m"), gateway.LevelCooldown, time.Minute, gateway.ReasonRateLimit)

	if len(before.Disallow) != 0 {
		t.Fatal("published snapshot mutated in place")
	}
	if len(p.Snapshot().Disallow) != 1 {
		t.Fatal("new snapshot missing the disallow")
	}
}

func TestReplaceCredential(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := fixedPool(t, now, entry("a", 10))
	before := p.Snapshot()

	ok := p.ReplaceCredential("a", gateway.Credential{
		Kind:   gateway.CredAPIKey,
		APIKey: &gateway.APIKeyCredential{APIKey: "sk-rotated"},
	})
	if !ok {
		t.Fatal("replace reported failure")
	}
	if before.Credentials[0].Value.APIKey.APIKey != "sk-a" {
		t.Fatal("old snapshot mutated")
	}
	if got := p.Snapshot().Credentials[0].Value.APIKey.APIKey; got != "sk-rotated" {
		t.Fatalf("value = %q", got)
	}
	if p.ReplaceCredential("missing", gateway.Credential{}) {
		t.Fatal("replace of unknown id must be a no-op")
	}
}

func TestUpsertAndLoadKeepDisallow(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := fixedPool(t, now, entry("a", 10))
	p.MarkUnavailable("a", gateway.ModelScope("m"), gateway.LevelCooldown, time.Minute, gateway.ReasonRateLimit)

	p.Upsert(entry("b", 5))
	if n := len(p.Snapshot().Credentials); n != 2 {
		t.Fatalf("credentials = %d", n)
	}

	// Reload keeps disallow state for surviving credentials only.
	p.Load([]gateway.CredentialEntry{entry("a", 10)})
	if n := len(p.Snapshot().Disallow); n != 1 {
		t.Fatalf("disallow after reload = %d, want kept for a", n)
	}
	p.Load([]gateway.CredentialEntry{entry("b", 5)})
	if n := len(p.Snapshot().Disallow); n != 0 {
		t.Fatalf("disallow after dropping a = %d, want 0", n)
	}
}

func TestPruneExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := fixedPool(t, now, entry("a", 10))
	p.MarkUnavailable("a", gateway.ModelScope("m"), gateway.LevelCooldown, time.Second, gateway.ReasonRateLimit)

	p.now = func() time.Time { return now.Add(2 * time.Second) }
	if dropped := p.PruneExpired(); dropped != 1 {
		t.Fatalf("dropped = %d", dropped)
	}
	if n := len(p.Snapshot().Disallow); n != 0 {
		t.Fatalf("disallow = %d after prune", n)
	}
}
