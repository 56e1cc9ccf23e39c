package worker

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/app"
	"github.com/eugener/heimdall/internal/storage/sqlite"
)

type fakeTrafficStore struct {
	mu   sync.Mutex
	down []gateway.DownstreamTrafficEvent
	up   []gateway.UpstreamTrafficEvent
}

func (f *fakeTrafficStore) InsertDownstream(_ context.Context, events []gateway.DownstreamTrafficEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = append(f.down, events...)
	return nil
}

func (f *fakeTrafficStore) InsertUpstream(_ context.Context, events []gateway.UpstreamTrafficEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up = append(f.up, events...)
	return nil
}

func (f *fakeTrafficStore) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.down), len(f.up)
}

func TestTrafficRecorderFlushesOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeTrafficStore{}
	rec := NewTrafficRecorder(store, nil)

	rec.RecordDownstream(gateway.DownstreamTrafficEvent{Method: "POST", Path: "/v1/messages", Status: 200})
	rec.RecordUpstream(gateway.UpstreamTrafficEvent{ProviderName: "backend", Op: "claude_messages", Status: 200})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	nd, nu := store.counts()
	if nd != 1 || nu != 1 {
		t.Fatalf("flushed = %d down, %d up", nd, nu)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.down[0].ID == "" || store.up[0].ID == "" {
		t.Error("flush must assign event IDs")
	}
}

func TestTrafficRecorderBatchThreshold(t *testing.T) {
	t.Parallel()
	store := &fakeTrafficStore{}
	rec := NewTrafficRecorder(store, nil)

	for range trafficBatchSize {
		rec.RecordUpstream(gateway.UpstreamTrafficEvent{Op: "openai_chat"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, nu := store.counts(); nu == trafficBatchSize {
			return
		}
		if time.Now().After(deadline) {
			_, nu := store.counts()
			t.Fatalf("flushed %d of %d before deadline", nu, trafficBatchSize)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTrafficRecorderDropsWhenFull(t *testing.T) {
	t.Parallel()
	rec := NewTrafficRecorder(&fakeTrafficStore{}, nil)

	// No Run loop: the channel fills and further events must drop silently.
	for range trafficChanSize + 10 {
		rec.RecordDownstream(gateway.DownstreamTrafficEvent{})
	}
	if len(rec.ch) != trafficChanSize {
		t.Fatalf("channel len = %d, want %d", len(rec.ch), trafficChanSize)
	}
}

func newTestRuntime(t *testing.T) (*sqlite.Store, *app.Runtime, int64) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	rec := gateway.ProviderRecord{
		Name: "backend", Kind: "compat", Protocol: "openai",
		BaseURL: "http://upstream", Enabled: true,
	}
	if err := store.UpsertProvider(ctx, &rec); err != nil {
		t.Fatal(err)
	}
	cred := gateway.CredentialRecord{
		ProviderID: rec.ID, Name: "primary", Enabled: true, Weight: 1,
		Value: gateway.Credential{
			Kind:   gateway.CredAPIKey,
			APIKey: &gateway.APIKeyCredential{APIKey: "sk-1"},
		},
	}
	if err := store.UpsertCredential(ctx, &cred); err != nil {
		t.Fatal(err)
	}

	rt := app.NewRuntime(store, slog.Default())
	if err := rt.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	return store, rt, rec.ID
}

func TestDisallowJanitorPersistsActiveMarks(t *testing.T) {
	t.Parallel()
	store, rt, providerID := newTestRuntime(t)
	ctx := context.Background()

	rp, ok := rt.ByName("backend")
	if !ok {
		t.Fatal("runtime provider missing")
	}
	credID := rp.Pool.Snapshot().Credentials[0].ID
	rp.Pool.MarkUnavailable(credID, gateway.DisallowScope{}, gateway.LevelCooldown, time.Hour, gateway.ReasonRateLimit)

	j := NewDisallowJanitor(store, rt)
	j.sweep(ctx)

	rows, err := store.ListDisallow(ctx, providerID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].CredentialID != credID || rows[0].Reason != gateway.ReasonRateLimit {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestDisallowJanitorPrunesExpiredRows(t *testing.T) {
	t.Parallel()
	store, rt, providerID := newTestRuntime(t)
	ctx := context.Background()

	rp, ok := rt.ByName("backend")
	if !ok {
		t.Fatal("runtime provider missing")
	}
	credID := rp.Pool.Snapshot().Credentials[0].ID

	// An expired mark for a real credential: the sweep must delete the row.
	err := store.UpsertDisallow(ctx, providerID, gateway.DisallowEntry{
		CredentialID: credID,
		Scope:        gateway.DisallowScope{},
		Level:        gateway.LevelCooldown,
		Until:        time.Now().Add(-time.Hour),
		Reason:       gateway.ReasonUpstream5xx,
	})
	if err != nil {
		t.Fatal(err)
	}

	j := NewDisallowJanitor(store, rt)
	j.sweep(ctx)

	rows, err := store.ListDisallow(ctx, providerID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("stale rows survived: %+v", rows)
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	t.Parallel()
	rec := NewTrafficRecorder(&fakeTrafficStore{}, nil)
	r := NewRunner(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop on cancel")
	}
}
