package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/heimdall/internal"
)

// EnsureAdminUser creates the admin user and its API key when absent. The
// presented key is stored only as a hash; repeat calls with the same hash are
// no-ops, a changed hash rotates the admin key in place.
func (s *Store) EnsureAdminUser(ctx context.Context, keyHash string) error {
	var userID string
	err := s.read.QueryRowContext(ctx,
		`SELECT id FROM users WHERE name='admin'`,
	).Scan(&userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		userID = id.String()
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := s.write.ExecContext(ctx,
			`INSERT INTO users (id, name, role, created_at) VALUES (?, 'admin', 'admin', ?)`,
			userID, now,
		); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	var keyID, storedHash string
	err = s.read.QueryRowContext(ctx,
		`SELECT id, key_hash FROM api_keys WHERE user_id=? AND name='admin'`, userID,
	).Scan(&keyID, &storedHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		key := gateway.APIKey{UserID: userID, Name: "admin", KeyHash: keyHash, Enabled: true}
		return s.CreateKey(ctx, &key)
	case err != nil:
		return err
	case storedHash == keyHash:
		return nil
	}
	_, err = s.write.ExecContext(ctx,
		`UPDATE api_keys SET key_hash=?, enabled=1 WHERE id=?`, keyHash, keyID,
	)
	return err
}

// EnsureUser finds a user by unique name, creating it when absent. An
// existing user keeps its stored role.
func (s *Store) EnsureUser(ctx context.Context, name, role string) (*gateway.User, error) {
	var u gateway.User
	var created string
	err := s.read.QueryRowContext(ctx,
		`SELECT id, name, role, created_at FROM users WHERE name=?`, name,
	).Scan(&u.ID, &u.Name, &u.Role, &created)
	switch {
	case err == nil:
		u.CreatedAt = parseTime(created)
		return &u, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	if role == "" {
		role = "user"
	}
	u = gateway.User{ID: id.String(), Name: name, Role: role, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO users (id, name, role, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Role, u.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateKey inserts a new inbound API key. ID is filled when empty.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	if key.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		key.ID = id.String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, enabled, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.UserID, key.Name, key.KeyHash, boolToInt(key.Enabled),
		key.CreatedAt.UTC().Format(time.RFC3339), timeToStr(key.LastUsedAt),
	)
	return err
}

// GetKeyByHash retrieves an API key by the SHA-256 hash of the presented
// key. The owning user's role rides along for authorization.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT k.id, k.user_id, k.name, k.key_hash, k.enabled, u.role, k.created_at, k.last_used_at
		 FROM api_keys k JOIN users u ON u.id = k.user_id
		 WHERE k.key_hash = ?`, hash,
	)
	return scanKey(row)
}

// ListKeys returns all inbound API keys, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT k.id, k.user_id, k.name, k.key_hash, k.enabled, u.role, k.created_at, k.last_used_at
		 FROM api_keys k JOIN users u ON u.id = k.user_id
		 ORDER BY k.created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

// GetGlobalConfig returns the value stored under key, or ErrNotFound.
func (s *Store) GetGlobalConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.read.QueryRowContext(ctx,
		`SELECT value FROM global_config WHERE key=?`, key,
	).Scan(&value)
	if err != nil {
		return "", notFoundErr(err)
	}
	return value, nil
}

// SetGlobalConfig stores a value under key, replacing any previous value.
func (s *Store) SetGlobalConfig(ctx context.Context, key, value string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO global_config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func scanKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var enabled int
	var created string
	var lastUsed sql.NullString

	err := sc.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &enabled, &k.UserRole, &created, &lastUsed)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.Enabled = enabled != 0
	k.CreatedAt = parseTime(created)
	if lastUsed.Valid {
		k.LastUsedAt = parseTime(lastUsed.String)
	}
	return &k, nil
}

// helpers

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if m, ok := v.(map[string]string); ok && len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func timeToStr(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
