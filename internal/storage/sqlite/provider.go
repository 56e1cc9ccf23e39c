package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/heimdall/internal"
)

// UpsertProvider inserts or updates a provider by unique name. ID is filled
// on insert.
func (s *Store) UpsertProvider(ctx context.Context, p *gateway.ProviderRecord) error {
	headers, err := marshalJSON(p.Headers)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if p.CreatedAt.IsZero() {
		p.CreatedAt, _ = time.Parse(time.RFC3339, now)
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO providers (name, kind, protocol, base_url, headers, outbound_proxy, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		 kind=excluded.kind, protocol=excluded.protocol, base_url=excluded.base_url,
		 headers=excluded.headers, outbound_proxy=excluded.outbound_proxy,
		 enabled=excluded.enabled, updated_at=excluded.updated_at`,
		p.Name, p.Kind, p.Protocol, p.BaseURL, headers, p.OutboundProxy,
		boolToInt(p.Enabled), p.CreatedAt.UTC().Format(time.RFC3339), now,
	)
	if err != nil {
		return err
	}
	return s.read.QueryRowContext(ctx,
		`SELECT id FROM providers WHERE name=?`, p.Name,
	).Scan(&p.ID)
}

// GetProviderByName retrieves a provider by its unique name.
func (s *Store) GetProviderByName(ctx context.Context, name string) (*gateway.ProviderRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, kind, protocol, base_url, headers, outbound_proxy, enabled, created_at, updated_at
		 FROM providers WHERE name=?`, name,
	)
	return scanProvider(row)
}

// ListProviders returns all providers ordered by id.
func (s *Store) ListProviders(ctx context.Context) ([]gateway.ProviderRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, kind, protocol, base_url, headers, outbound_proxy, enabled, created_at, updated_at
		 FROM providers ORDER BY id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.ProviderRecord
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// DeleteProvider removes a provider; its credentials cascade.
func (s *Store) DeleteProvider(ctx context.Context, id int64) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

func scanProvider(sc scanner) (*gateway.ProviderRecord, error) {
	var p gateway.ProviderRecord
	var headers sql.NullString
	var enabled int
	var created, updated string

	err := sc.Scan(
		&p.ID, &p.Name, &p.Kind, &p.Protocol, &p.BaseURL, &headers,
		&p.OutboundProxy, &enabled, &created, &updated,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.Enabled = enabled != 0
	if headers.Valid {
		if err := json.Unmarshal([]byte(headers.String), &p.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal provider headers: %w", err)
		}
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

// UpsertCredential inserts or updates by (provider_id, name). A new record
// gets a UUIDv7 id; updates keep the stored id (written back into c).
func (s *Store) UpsertCredential(ctx context.Context, c *gateway.CredentialRecord) error {
	secret, err := json.Marshal(c.Value)
	if err != nil {
		return fmt.Errorf("marshal credential secret: %w", err)
	}
	if c.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		c.ID = id.String()
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = parseTime(now)
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO credentials (id, provider_id, name, enabled, weight, secret, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_id, name) DO UPDATE SET
		 enabled=excluded.enabled, weight=excluded.weight,
		 secret=excluded.secret, updated_at=excluded.updated_at`,
		c.ID, c.ProviderID, c.Name, boolToInt(c.Enabled), c.Weight,
		string(secret), c.CreatedAt.UTC().Format(time.RFC3339), now,
	)
	if err != nil {
		return err
	}
	return s.read.QueryRowContext(ctx,
		`SELECT id FROM credentials WHERE provider_id=? AND name=?`,
		c.ProviderID, c.Name,
	).Scan(&c.ID)
}

// ListCredentials returns a provider's credentials ordered by name.
func (s *Store) ListCredentials(ctx context.Context, providerID int64) ([]gateway.CredentialRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, provider_id, name, enabled, weight, secret, created_at, updated_at
		 FROM credentials WHERE provider_id=? ORDER BY name ASC`, providerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.CredentialRecord
	for rows.Next() {
		var c gateway.CredentialRecord
		var enabled int
		var secret, created, updated string
		if err := rows.Scan(&c.ID, &c.ProviderID, &c.Name, &enabled, &c.Weight, &secret, &created, &updated); err != nil {
			return nil, err
		}
		c.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(secret), &c.Value); err != nil {
			return nil, fmt.Errorf("unmarshal credential %s: %w", c.ID, err)
		}
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCredential removes a credential; its disallow rows cascade.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM credentials WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// UpsertDisallow records one disallow mark, keyed by (credential, scope).
// Conflicts keep the later until; Dead dominates Cooldown.
func (s *Store) UpsertDisallow(ctx context.Context, providerID int64, e gateway.DisallowEntry) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO credential_disallow (credential_id, scope_kind, scope_name, level, until, reason, provider_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(credential_id, scope_kind, scope_name) DO UPDATE SET
		 level=MAX(level, excluded.level),
		 until=MAX(until, excluded.until),
		 reason=excluded.reason`,
		e.CredentialID, int(e.Scope.Kind), e.Scope.Name, int(e.Level),
		e.Until.Unix(), e.Reason, providerID,
	)
	return err
}

// ListDisallow returns a provider's disallow entries, active or not.
func (s *Store) ListDisallow(ctx context.Context, providerID int64) ([]gateway.DisallowEntry, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT credential_id, scope_kind, scope_name, level, until, reason
		 FROM credential_disallow WHERE provider_id=?`, providerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.DisallowEntry
	for rows.Next() {
		var e gateway.DisallowEntry
		var kind, level int
		var until int64
		if err := rows.Scan(&e.CredentialID, &kind, &e.Scope.Name, &level, &until, &e.Reason); err != nil {
			return nil, err
		}
		e.Scope.Kind = gateway.ScopeKind(kind)
		e.Level = gateway.UnavailableLevel(level)
		e.Until = time.Unix(until, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneDisallow deletes entries that expired before the cutoff.
func (s *Store) PruneDisallow(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM credential_disallow WHERE until < ?`, before.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
