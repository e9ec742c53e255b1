package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/triage-ai/guardian/internal/auth"
)

// APIKey represents a row in the api_keys table.
type APIKey struct {
	ID        string
	Name      string
	KeyHash   string
	KeyPrefix string
	Role      string // "analyze" or "admin"
	CreatedAt time.Time
	RevokedAt *time.Time
}

// GenerateAPIKey creates a new gdn_ API key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the user once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := auth.KeyPrefix + hex.EncodeToString(raw) // 68 chars total

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}

	return fullKey, string(hashBytes), fullKey[:auth.PrefixLength], nil
}

// CreateAPIKey stores a new key and returns it with the plaintext key (shown once).
func (s *Store) CreateAPIKey(ctx context.Context, name, role string) (*APIKey, string, error) {
	if role != auth.RoleAnalyze && role != auth.RoleAdmin {
		return nil, "", fmt.Errorf("CreateAPIKey: unknown role %q", role)
	}
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateAPIKey: %w", err)
	}

	var k APIKey
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, name, key_hash, key_prefix, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, name, key_hash, key_prefix, role, created_at, revoked_at`,
		uuid.NewString(), name, keyHash, keyPrefix, role,
	).Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Role, &k.CreatedAt, &k.RevokedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreateAPIKey: %w", err)
	}
	return &k, fullKey, nil
}

// ListAPIKeys returns all keys ordered by created_at DESC.
func (s *Store) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, key_hash, key_prefix, role, created_at, revoked_at
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListAPIKeys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Role, &k.CreatedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("ListAPIKeys: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks a key revoked. Returns sql.ErrNoRows if no active key
// has that ID.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("RevokeAPIKey: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
