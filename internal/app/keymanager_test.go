package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	gateway "github.com/eugener/heimdall/internal"
)

func TestCreateKey(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	km := NewKeyManager(store)
	ctx := context.Background()

	plaintext, key, err := km.CreateKey(ctx, CreateKeyOpts{Owner: "ci", Role: "user", Name: "ci-bot"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plaintext, gateway.APIKeyPrefix) {
		t.Fatalf("plaintext = %q, want %s prefix", plaintext, gateway.APIKeyPrefix)
	}
	if key.ID == "" || key.Name != "ci-bot" || !key.Enabled {
		t.Fatalf("key = %+v", key)
	}
	if key.KeyHash != gateway.HashKey(plaintext) {
		t.Fatal("stored hash mismatch")
	}

	got, err := store.GetKeyByHash(ctx, gateway.HashKey(plaintext))
	if err != nil {
		t.Fatal(err)
	}
	if got.UserRole != "user" {
		t.Fatalf("UserRole = %q, want user", got.UserRole)
	}
}

func TestCreateKeyExistingOwnerKeepsRole(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	km := NewKeyManager(store)
	ctx := context.Background()

	if _, _, err := km.CreateKey(ctx, CreateKeyOpts{Owner: "ops", Role: "admin"}); err != nil {
		t.Fatal(err)
	}
	// Second key for the same owner with a different requested role: the
	// existing user's role wins.
	_, key, err := km.CreateKey(ctx, CreateKeyOpts{Owner: "ops", Role: "user"})
	if err != nil {
		t.Fatal(err)
	}
	if key.UserRole != "admin" {
		t.Fatalf("UserRole = %q, want admin", key.UserRole)
	}
	if key.Name != "ops" {
		t.Fatalf("Name = %q, want owner default", key.Name)
	}
}

func TestCreateKeyRequiresOwner(t *testing.T) {
	t.Parallel()
	km := NewKeyManager(newTestStore(t))
	if _, _, err := km.CreateKey(context.Background(), CreateKeyOpts{}); !errors.Is(err, gateway.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestDeleteKey(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	km := NewKeyManager(store)
	ctx := context.Background()

	plaintext, key, err := km.CreateKey(ctx, CreateKeyOpts{Owner: "ci"})
	if err != nil {
		t.Fatal(err)
	}
	if err := km.DeleteKey(ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetKeyByHash(ctx, gateway.HashKey(plaintext)); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
