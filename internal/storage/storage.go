// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

// ProviderStore manages upstream-provider configuration rows.
type ProviderStore interface {
	ListProviders(ctx context.Context) ([]gateway.ProviderRecord, error)
	GetProviderByName(ctx context.Context, name string) (*gateway.ProviderRecord, error)
	// UpsertProvider inserts or updates by unique name; it fills ID on insert.
	UpsertProvider(ctx context.Context, p *gateway.ProviderRecord) error
	DeleteProvider(ctx context.Context, id int64) error
}

// CredentialStore manages credential and disallow persistence.
type CredentialStore interface {
	ListCredentials(ctx context.Context, providerID int64) ([]gateway.CredentialRecord, error)
	// UpsertCredential inserts or updates by (provider_id, name); it fills ID
	// on insert and keeps the existing ID on update.
	UpsertCredential(ctx context.Context, c *gateway.CredentialRecord) error
	DeleteCredential(ctx context.Context, id string) error

	UpsertDisallow(ctx context.Context, providerID int64, e gateway.DisallowEntry) error
	ListDisallow(ctx context.Context, providerID int64) ([]gateway.DisallowEntry, error)
	// PruneDisallow deletes entries whose until is before the cutoff and
	// returns the number removed.
	PruneDisallow(ctx context.Context, before time.Time) (int64, error)
}

// UserStore manages users and inbound API keys.
type UserStore interface {
	// EnsureAdminUser creates the admin user and its API key row when absent.
	// The key is stored as a hash; calling again with the same hash is a no-op.
	EnsureAdminUser(ctx context.Context, keyHash string) error
	// EnsureUser finds a user by unique name, creating it with the given role
	// when absent. The role of an existing user is not changed.
	EnsureUser(ctx context.Context, name, role string) (*gateway.User, error)
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context) ([]gateway.APIKey, error)
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// TrafficStore records traffic events and aggregates usage.
type TrafficStore interface {
	InsertDownstream(ctx context.Context, events []gateway.DownstreamTrafficEvent) error
	InsertUpstream(ctx context.Context, events []gateway.UpstreamTrafficEvent) error
	GetUpstreamUsage(ctx context.Context, q gateway.UsageQuery) (*gateway.TrafficUsage, error)
}

// ConfigStore holds small global key/value settings.
type ConfigStore interface {
	GetGlobalConfig(ctx context.Context, key string) (string, error)
	SetGlobalConfig(ctx context.Context, key, value string) error
}

// Store combines all storage interfaces.
type Store interface {
	ProviderStore
	CredentialStore
	UserStore
	TrafficStore
	ConfigStore
	Ping(ctx context.Context) error
	// Sync forces buffered state to durable storage (WAL checkpoint).
	Sync(ctx context.Context) error
	Close() error
}
