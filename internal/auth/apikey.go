// Package auth implements inbound API key authentication for the gateway.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using gateway keys with the "hmd_"
// prefix. Resolved keys are cached in an otter W-TinyLFU cache.
type APIKeyAuth struct {
	store       storage.UserStore
	cache       *otter.Cache[string, *gateway.APIKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewAPIKeyAuth returns a new APIKeyAuth backed by store.
func NewAPIKeyAuth(store storage.UserStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// Authenticate extracts the caller's key from the request, validates it
// against the store, and returns the Identity. Each client family presents
// the key its SDK knows how to send: Authorization Bearer, x-api-key, or
// x-goog-api-key / ?key=.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	raw := extractKey(r)
	if raw == "" || !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)

	if key, ok := a.cache.GetIfPresent(hash); ok {
		if !key.Enabled {
			return nil, gateway.ErrUnauthorized
		}
		return buildIdentity(key), nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// The DB lookup already matched; the constant-time compare guards against
	// collation or encoding surprises in the hash column.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}
	if !key.Enabled {
		return nil, gateway.ErrUnauthorized
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return buildIdentity(key), nil
}

// InvalidateByKeyID removes a cached API key by its key ID. Used when admin
// operations (disable, delete) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// extractKey pulls the presented key from whichever surface the client
// speaks. Precedence mirrors header specificity: explicit key headers win
// over the generic Authorization header, the query parameter comes last.
func extractKey(r *http.Request) string {
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	if k := r.Header.Get("x-goog-api-key"); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if bearer := strings.TrimPrefix(auth, "Bearer "); bearer != auth {
			return bearer
		}
		return ""
	}
	return r.URL.Query().Get("key")
}

func buildIdentity(key *gateway.APIKey) *gateway.Identity {
	role := key.UserRole
	if role == "" {
		role = "user"
	}
	return &gateway.Identity{
		KeyID:  key.ID,
		UserID: key.UserID,
		Name:   key.Name,
		Role:   role,
	}
}
