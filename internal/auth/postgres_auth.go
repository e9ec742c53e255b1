package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	ID      string
	Name    string
	KeyHash string
	Role    string
	Revoked bool
}

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := &keyRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, key_hash, role, revoked_at IS NOT NULL
		 FROM api_keys
		 WHERE key_prefix = $1`,
		prefix,
	).Scan(&row.ID, &row.Name, &row.KeyHash, &row.Role, &row.Revoked)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("sqlKeyStore.LookupByPrefix: %w", err)
	}
	return row, nil
}

// PostgresAuthenticator validates API keys against the api_keys table.
// Uses AuthCache with stale-while-revalidate to avoid DB + bcrypt on the hot path.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new authenticator backed by PostgreSQL.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return newPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, NewAuthCache(ttl), cfg.Logger)
}

func newPostgresAuthenticatorWithStore(store KeyStore, cache *AuthCache, logger *zap.Logger) *PostgresAuthenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// Authenticate validates the API key against the database.
//
// Flow:
//  1. Extract Bearer gdn_... from the request
//  2. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately
//     - Stale hit: return stale principal, spawn background refresh
//     - Miss: do full DB + bcrypt lookup synchronously
func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	apiKey, err := extractAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	result := a.cache.Get(apiKey)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return result.Principal, nil
	}

	p, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		return nil, a.lookupError(err)
	}

	a.cache.Set(apiKey, p)
	return p, nil
}

// backgroundRefresh re-verifies a key whose cache entry expired. A failure
// evicts the entry so the next request re-authenticates synchronously.
func (a *PostgresAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		a.cache.Delete(apiKey)
		return
	}
	a.cache.Set(apiKey, p)
}

// Revoke evicts keyID from the cache so its next request is checked against
// the database, where the key is already revoked.
func (a *PostgresAuthenticator) Revoke(keyID string) {
	if a.cache.Revoke(keyID) {
		a.logger.Info("revoked key evicted from auth cache", zap.String("key_id", keyID))
	}
}

// lookupAndVerify does the DB prefix lookup and bcrypt verification.
func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*Principal, error) {
	prefix := apiKey[:min(len(apiKey), PrefixLength)]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if row.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	return &Principal{KeyID: row.ID, Name: row.Name, Role: row.Role}, nil
}

func (a *PostgresAuthenticator) lookupError(err error) error {
	if errors.Is(err, ErrInvalidAPIKey) {
		return ErrInvalidAPIKey
	}
	a.logger.Warn("auth DB unreachable", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
}

// PrefixLength is how many leading characters of a key are stored in clear
// for lookup ("gdn_" plus 8 hex digits).
const PrefixLength = 12
