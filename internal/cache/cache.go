// Package cache holds short-lived byte blobs keyed by string, used for the
// per-provider models catalog so list endpoints do not hit upstreams on
// every call.
package cache

import (
	"context"
	"time"
)

// Cache stores serialized payloads under string keys with per-entry TTLs.
type Cache interface {
	// Get returns the cached bytes for key, if present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores val under key for ttl.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	// Delete drops the entry for key.
	Delete(ctx context.Context, key string)
	// Purge drops every entry.
	Purge(ctx context.Context)
}
