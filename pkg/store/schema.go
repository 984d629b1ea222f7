package store

import (
	"context"
	"fmt"
)

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			prompt_id       TEXT,
			content         TEXT,
			created_at      TEXT NOT NULL,
			role            TEXT,
			type            TEXT,
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ingested_users (
			user_id      TEXT PRIMARY KEY,
			processed_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS migrated_users (
			user_id      TEXT PRIMARY KEY,
			processed_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_user_conversation_idx
			ON messages (user_id, conversation_id)`,
		`CREATE INDEX IF NOT EXISTS messages_created_at_idx
			ON messages (created_at)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	// Migration: add processed column if missing (SQLite doesn't support
	// IF NOT EXISTS on ALTER). Databases created before sync tracking was
	// added lack it.
	var hasProcessed int
	_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('messages') WHERE name='processed'`).Scan(&hasProcessed)
	if hasProcessed == 0 {
		if _, err := s.db.Exec(ctx, `ALTER TABLE messages ADD COLUMN processed BOOLEAN NOT NULL DEFAULT FALSE`); err != nil {
			return fmt.Errorf("failed to add processed column: %w", err)
		}
	}
	return nil
}
