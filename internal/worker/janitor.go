package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/heimdall/internal/app"
	"github.com/eugener/heimdall/internal/storage"
)

const disallowSweepEvery = time.Minute

// DisallowJanitor keeps credential disallow state tidy on both sides: it
// prunes expired rows from the store and expired marks from the live pools,
// and persists the pools' still-active marks so cooldowns survive restarts.
type DisallowJanitor struct {
	store   storage.CredentialStore
	runtime *app.Runtime
}

// NewDisallowJanitor creates a DisallowJanitor over the runtime's pools.
func NewDisallowJanitor(store storage.CredentialStore, runtime *app.Runtime) *DisallowJanitor {
	return &DisallowJanitor{store: store, runtime: runtime}
}

// Run sweeps every minute until ctx is cancelled.
func (j *DisallowJanitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(disallowSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (j *DisallowJanitor) sweep(ctx context.Context) {
	now := time.Now()

	if n, err := j.store.PruneDisallow(ctx, now); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "disallow prune failed",
			slog.String("error", err.Error()))
	} else if n > 0 {
		slog.LogAttrs(ctx, slog.LevelDebug, "disallow rows pruned",
			slog.Int64("count", n))
	}

	for _, rp := range j.runtime.Providers() {
		rp.Pool.PruneExpired()

		snap := rp.Pool.Snapshot()
		for i := range snap.Disallow {
			d := &snap.Disallow[i]
			if !d.Active(now) {
				continue
			}
			if err := j.store.UpsertDisallow(ctx, rp.Record.ID, *d); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "disallow persist failed",
					slog.String("provider", rp.Record.Name),
					slog.String("credential", d.CredentialID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
