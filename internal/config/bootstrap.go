// Package config provides configuration loading and database bootstrapping.
package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/storage"
)

// Bootstrap seeds the database from the config file. Providers declared in
// the file are created on first run and skipped afterwards, so admin edits
// survive restarts. The admin key is ensured on every start: a changed key
// rotates the stored hash.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) (adminKey string, err error) {
	for _, p := range cfg.Providers {
		existing, _ := store.GetProviderByName(ctx, p.Name)
		if existing != nil {
			continue
		}
		record := &gateway.ProviderRecord{
			Name:          p.Name,
			Kind:          p.Kind,
			Protocol:      p.Protocol,
			BaseURL:       p.BaseURL,
			Headers:       p.Headers,
			OutboundProxy: p.OutboundProxy,
			Enabled:       p.IsEnabled(),
		}
		if err := store.UpsertProvider(ctx, record); err != nil {
			return "", fmt.Errorf("bootstrap provider %q: %w", p.Name, err)
		}
		slog.Info("bootstrapped provider", "name", record.Name, "kind", record.Kind)

		for _, c := range p.Credentials {
			value, err := c.Credential()
			if err != nil {
				return "", fmt.Errorf("bootstrap provider %q: %w", p.Name, err)
			}
			cred := &gateway.CredentialRecord{
				ProviderID: record.ID,
				Name:       c.Name,
				Enabled:    c.IsEnabled(),
				Weight:     max(1, c.Weight),
				Value:      value,
			}
			if err := store.UpsertCredential(ctx, cred); err != nil {
				return "", fmt.Errorf("bootstrap credential %q/%q: %w", p.Name, c.Name, err)
			}
			slog.Info("bootstrapped credential", "provider", p.Name, "name", c.Name)
		}
	}

	adminKey = cfg.Auth.AdminKey
	if adminKey == "" {
		adminKey = GenerateAdminKey()
		// Printed once; the store only ever sees the hash.
		slog.Info("generated admin key", "key", adminKey)
	}
	if err := store.EnsureAdminUser(ctx, gateway.HashKey(adminKey)); err != nil {
		return "", fmt.Errorf("ensure admin user: %w", err)
	}
	return adminKey, nil
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
