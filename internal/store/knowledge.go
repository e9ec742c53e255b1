package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/guardian/internal/knowledge"
)

// KnowledgeRow is a knowledge entry with its bookkeeping columns.
type KnowledgeRow struct {
	knowledge.Entry
	CreatedAt time.Time
	UpdatedAt time.Time
}

const knowledgeColumns = `topic, name, aliases, created_by, first_release, language,
	license, docs, facts, misconceptions, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKnowledge(s rowScanner) (*KnowledgeRow, error) {
	var r KnowledgeRow
	var aliases, facts, misconceptions []byte
	if err := s.Scan(&r.Topic, &r.Name, &aliases, &r.CreatedBy, &r.FirstRelease, &r.Language,
		&r.License, &r.Docs, &facts, &misconceptions, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw []byte
		dst *[]string
	}{{aliases, &r.Aliases}, {facts, &r.Facts}, {misconceptions, &r.Misconceptions}} {
		if err := decodeStrings(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("topic %q: %w", r.Topic, err)
		}
	}
	return &r, nil
}

// ListEntries returns all knowledge entries ordered by topic.
func (s *Store) ListEntries(ctx context.Context) ([]*KnowledgeRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+knowledgeColumns+` FROM knowledge_entries ORDER BY topic`)
	if err != nil {
		return nil, fmt.Errorf("ListEntries: %w", err)
	}
	defer rows.Close()

	var out []*KnowledgeRow
	for rows.Next() {
		r, err := scanKnowledge(rows)
		if err != nil {
			return nil, fmt.Errorf("ListEntries: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetEntry returns the entry for topic, or nil if not found.
func (s *Store) GetEntry(ctx context.Context, topic string) (*KnowledgeRow, error) {
	r, err := scanKnowledge(s.db.QueryRowContext(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge_entries WHERE topic = $1`, knowledge.NormalizeTopic(topic)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetEntry: %w", err)
	}
	return r, nil
}

// UpsertEntry validates e and inserts or replaces it.
func (s *Store) UpsertEntry(ctx context.Context, e knowledge.Entry) (*KnowledgeRow, error) {
	if err := knowledge.ValidateEntry(e); err != nil {
		return nil, fmt.Errorf("UpsertEntry: %w", err)
	}
	aliases, facts, misconceptions := encodeStrings(e.Aliases), encodeStrings(e.Facts), encodeStrings(e.Misconceptions)

	r, err := scanKnowledge(s.db.QueryRowContext(ctx, `
		INSERT INTO knowledge_entries
			(topic, name, aliases, created_by, first_release, language, license, docs, facts, misconceptions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (topic) DO UPDATE SET
			name           = EXCLUDED.name,
			aliases        = EXCLUDED.aliases,
			created_by     = EXCLUDED.created_by,
			first_release  = EXCLUDED.first_release,
			language       = EXCLUDED.language,
			license        = EXCLUDED.license,
			docs           = EXCLUDED.docs,
			facts          = EXCLUDED.facts,
			misconceptions = EXCLUDED.misconceptions,
			updated_at     = now()
		RETURNING `+knowledgeColumns,
		knowledge.NormalizeTopic(e.Topic), e.Name, aliases, e.CreatedBy, e.FirstRelease, e.Language,
		e.License, e.Docs, facts, misconceptions,
	))
	if err != nil {
		return nil, fmt.Errorf("UpsertEntry: %w", err)
	}
	return r, nil
}

// DeleteEntry deletes the entry for topic. Returns sql.ErrNoRows if absent.
func (s *Store) DeleteEntry(ctx context.Context, topic string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_entries WHERE topic = $1`, knowledge.NormalizeTopic(topic))
	if err != nil {
		return fmt.Errorf("DeleteEntry: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Seed inserts entries in one transaction when the table is empty. It
// returns how many rows were written.
func (s *Store) Seed(ctx context.Context, entries []knowledge.Entry) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("Seed: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM knowledge_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("Seed: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge_entries
				(topic, name, aliases, created_by, first_release, language, license, docs, facts, misconceptions)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			knowledge.NormalizeTopic(e.Topic), e.Name, encodeStrings(e.Aliases), e.CreatedBy, e.FirstRelease, e.Language,
			e.License, e.Docs, encodeStrings(e.Facts), encodeStrings(e.Misconceptions),
		); err != nil {
			return 0, fmt.Errorf("Seed %q: %w", e.Topic, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("Seed: %w", err)
	}
	return len(entries), nil
}

// LoadBase builds a knowledge snapshot from every stored entry.
func (s *Store) LoadBase(ctx context.Context, version string, logger *zap.Logger) (*knowledge.Base, error) {
	rows, err := s.ListEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("LoadBase: %w", err)
	}
	entries := make([]knowledge.Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.Entry
	}
	return knowledge.FromEntries(version, entries, logger), nil
}

// encodeStrings renders a string list as a JSONB document. nil becomes [].
func encodeStrings(v []string) []byte {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return b
}

func decodeStrings(raw []byte, dst *[]string) error {
	if len(raw) == 0 {
		*dst = nil
		return nil
	}
	var v []string
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	if len(v) == 0 {
		v = nil
	}
	*dst = v
	return nil
}
