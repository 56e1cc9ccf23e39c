package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry carries a cached payload with its own deadline, since callers pass
// per-entry TTLs that may be shorter than the cache-wide default.
type entry struct {
	data      []byte
	expiresAt time.Time
}

// Memory is an otter-backed in-process cache. Eviction is W-TinyLFU at
// maxSize entries; expiry is the per-entry TTL checked on read.
type Memory struct {
	cache *otter.Cache[string, entry]
}

// NewMemory builds a Memory bounded to maxSize entries. defaultTTL caps how
// long any entry survives regardless of the TTL it was stored with.
func NewMemory(maxSize int, defaultTTL time.Duration) (*Memory, error) {
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c}, nil
}

// Get returns the bytes for key. Entries past their own deadline are
// invalidated on the spot and reported as a miss.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		return nil, false
	}
	return e.data, true
}

// Set stores val under key, expiring after ttl.
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	m.cache.Set(key, entry{
		data:      val,
		expiresAt: time.Now().Add(ttl),
	})
}

// Delete drops the entry for key.
func (m *Memory) Delete(_ context.Context, key string) {
	m.cache.Invalidate(key)
}

// Purge drops every entry.
func (m *Memory) Purge(_ context.Context) {
	m.cache.InvalidateAll()
}
