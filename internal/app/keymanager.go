package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/storage"
)

// KeyManager handles inbound API key lifecycle.
type KeyManager struct {
	store storage.UserStore
}

// NewKeyManager returns a KeyManager backed by store.
func NewKeyManager(store storage.UserStore) *KeyManager {
	return &KeyManager{store: store}
}

// CreateKeyOpts holds the fields for API key creation.
type CreateKeyOpts struct {
	// Owner is the unique user name that owns the key; the user is created
	// on first use.
	Owner string
	// Role applies only when Owner does not exist yet; existing users keep
	// their role. Empty means "user".
	Role string
	// Name is the key's display name; empty defaults to Owner.
	Name string
}

// CreateKey generates a new API key, stores its hash, and returns the
// plaintext (shown once) along with the persisted record.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *gateway.APIKey, error) {
	if opts.Owner == "" {
		return "", nil, gateway.ErrBadRequest
	}
	user, err := km.store.EnsureUser(ctx, opts.Owner, opts.Role)
	if err != nil {
		return "", nil, err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plaintext := gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	name := opts.Name
	if name == "" {
		name = opts.Owner
	}
	key := &gateway.APIKey{
		UserID:   user.ID,
		Name:     name,
		KeyHash:  gateway.HashKey(plaintext),
		Enabled:  true,
		UserRole: user.Role,
	}
	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// DeleteKey removes the API key with the given ID.
func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	return km.store.DeleteKey(ctx, id)
}
