package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store provides access to the PostgreSQL database for knowledge entries and
// API keys.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres through the pgx driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS knowledge_entries (
	topic          TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	aliases        JSONB NOT NULL DEFAULT '[]',
	created_by     TEXT NOT NULL,
	first_release  TEXT NOT NULL,
	language       TEXT NOT NULL,
	license        TEXT NOT NULL DEFAULT '',
	docs           TEXT NOT NULL DEFAULT '',
	facts          JSONB NOT NULL DEFAULT '[]',
	misconceptions JSONB NOT NULL DEFAULT '[]',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS api_keys (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL,
	key_hash    TEXT NOT NULL,
	key_prefix  TEXT NOT NULL UNIQUE,
	role        TEXT NOT NULL CHECK (role IN ('analyze', 'admin')),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	revoked_at  TIMESTAMPTZ
);`

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}
