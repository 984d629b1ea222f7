// Package store persists backed-up messages and the per-user idempotency
// markers that gate ingestion and migration.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// DefaultChunkSize is how many messages are committed per transaction during
// a bulk load. Each chunk is an independent commit boundary: a failed chunk
// never rolls back its predecessors.
const DefaultChunkSize = 5000

// progressInterval is the minimum cadence for bulk-load progress logs.
const progressInterval = 2 * time.Second

// Message is one row of the messages table. CreatedAt is kept as the
// sortable string timestamp found in the backup files; ordering relies on
// its lexicographic order matching chronological order.
type Message struct {
	ID             string `json:"id"`
	PromptID       string `json:"promptId"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt"`
	Role           string `json:"role"`
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"-"`
	Processed      bool   `json:"-"`
}

// Conversation is a transient grouping of one user's messages by
// conversation ID, rebuilt on every sync pass. Messages are ordered by
// CreatedAt ascending, ties broken by insertion order.
type Conversation struct {
	ID       string
	Messages []Message
}

// Store wraps the SQLite database holding messages and markers. All methods
// are safe for concurrent use; every mutation runs in its own transaction.
type Store struct {
	db        *dbutil.Database
	log       zerolog.Logger
	chunkSize int
}

// New opens (or creates) the database at path and ensures the schema.
func New(path string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_txlock=immediate", path), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db, log: log, chunkSize: DefaultChunkSize}
	if err = s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SetChunkSize overrides the bulk-load commit chunk size.
func (s *Store) SetChunkSize(size int) {
	if size > 0 {
		s.chunkSize = size
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertMessages bulk-loads messages with insert-or-replace semantics on the
// primary key (last write wins). The batch is committed in chunks; the
// returned count is the number of rows committed, which can be nonzero even
// when an error is returned (earlier chunks stay committed).
func (s *Store) UpsertMessages(ctx context.Context, messages []Message) (int, error) {
	total := len(messages)
	if total == 0 {
		return 0, nil
	}
	committed := 0
	lastProgress := time.Now()
	for start := 0; start < total; start += s.chunkSize {
		end := start + s.chunkSize
		if end > total {
			end = total
		}
		chunk := messages[start:end]
		if err := s.upsertChunk(ctx, chunk); err != nil {
			if !isUniqueConstraintErr(err) {
				return committed, fmt.Errorf("failed to commit chunk at offset %d: %w", start, err)
			}
			// Uniqueness conflicts are not fatal for the batch: retry the
			// chunk row by row and skip only the conflicting rows.
			loaded, skipped := s.upsertRowwise(ctx, chunk)
			committed += loaded
			s.log.Warn().
				Int("skipped", skipped).
				Int("offset", start).
				Msg("Skipped conflicting rows in bulk load chunk")
		} else {
			committed += len(chunk)
		}
		if time.Since(lastProgress) >= progressInterval || end == total {
			s.log.Info().
				Int("loaded", end).
				Int("total", total).
				Str("progress", fmt.Sprintf("%.1f%%", float64(end)/float64(total)*100)).
				Msg("Bulk load progress")
			lastProgress = time.Now()
		}
	}
	return committed, nil
}

const upsertMessageQuery = `
	INSERT INTO messages (id, prompt_id, content, created_at, role, type, conversation_id, user_id, processed)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		prompt_id=excluded.prompt_id,
		content=excluded.content,
		created_at=excluded.created_at,
		role=excluded.role,
		type=excluded.type,
		conversation_id=excluded.conversation_id,
		user_id=excluded.user_id
`

func (s *Store) upsertChunk(ctx context.Context, chunk []Message) error {
	tx, err := s.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertMessageQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, msg := range chunk {
		_, err = stmt.ExecContext(ctx,
			msg.ID, msg.PromptID, msg.Content, msg.CreatedAt,
			msg.Role, msg.Type, msg.ConversationID, msg.UserID, msg.Processed,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", msg.ID, err)
		}
	}
	return tx.Commit()
}

// upsertRowwise retries a failed chunk one row at a time, skipping rows that
// still conflict. Returns how many rows were loaded and how many skipped.
func (s *Store) upsertRowwise(ctx context.Context, chunk []Message) (loaded, skipped int) {
	for _, msg := range chunk {
		_, err := s.db.Exec(ctx, upsertMessageQuery,
			msg.ID, msg.PromptID, msg.Content, msg.CreatedAt,
			msg.Role, msg.Type, msg.ConversationID, msg.UserID, msg.Processed,
		)
		if err != nil {
			skipped++
			continue
		}
		loaded++
	}
	return
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ListConversationsForUser groups the user's messages into conversations.
// Conversations are ordered by the timestamp of their earliest message;
// within a conversation messages are ordered by timestamp ascending, with
// insertion order as the tiebreaker.
func (s *Store) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT conversation_id FROM messages
		WHERE user_id=$1
		GROUP BY conversation_id
		ORDER BY MIN(created_at), MIN(rowid)
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation IDs: %w", err)
	}
	var convIDs []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan conversation ID: %w", err)
		}
		convIDs = append(convIDs, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	conversations := make([]Conversation, 0, len(convIDs))
	for _, convID := range convIDs {
		messages, err := s.listConversationMessages(ctx, userID, convID)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, Conversation{ID: convID, Messages: messages})
	}
	return conversations, nil
}

func (s *Store) listConversationMessages(ctx context.Context, userID, convID string) ([]Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, prompt_id, content, created_at, role, type, conversation_id, user_id, processed
		FROM messages
		WHERE user_id=$1 AND conversation_id=$2
		ORDER BY created_at, rowid
	`, userID, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for conversation %s: %w", convID, err)
	}
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		var msg Message
		var promptID, content, role, msgType sql.NullString
		err = rows.Scan(&msg.ID, &promptID, &content, &msg.CreatedAt, &role, &msgType, &msg.ConversationID, &msg.UserID, &msg.Processed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.PromptID = promptID.String
		msg.Content = content.String
		msg.Role = role.String
		msg.Type = msgType.String
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkConversationProcessed flips the processed flag on every message of the
// conversation. Idempotent.
func (s *Store) MarkConversationProcessed(ctx context.Context, conversationID string) error {
	_, err := s.db.Exec(ctx, `UPDATE messages SET processed=TRUE WHERE conversation_id=$1`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to mark conversation %s processed: %w", conversationID, err)
	}
	return nil
}

// IsUserIngested reports whether the user's backup has been fully loaded.
func (s *Store) IsUserIngested(ctx context.Context, userID string) (bool, error) {
	return s.markerExists(ctx, "ingested_users", userID)
}

// MarkUserIngested records that the user's backup has been fully loaded.
// Re-marking is a no-op.
func (s *Store) MarkUserIngested(ctx context.Context, userID string) error {
	return s.setMarker(ctx, "ingested_users", userID)
}

// IsUserMigrated reports whether all of the user's conversations have been
// reconciled against the remote service.
func (s *Store) IsUserMigrated(ctx context.Context, userID string) (bool, error) {
	return s.markerExists(ctx, "migrated_users", userID)
}

// MarkUserMigrated records that the user is fully migrated. Re-marking is a
// no-op.
func (s *Store) MarkUserMigrated(ctx context.Context, userID string) error {
	return s.setMarker(ctx, "migrated_users", userID)
}

func (s *Store) markerExists(ctx context.Context, table, userID string) (bool, error) {
	var count int
	err := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE user_id=$1`, table), userID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check %s marker: %w", table, err)
	}
	return count > 0, nil
}

func (s *Store) setMarker(ctx context.Context, table, userID string) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (user_id, processed_at) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, table), userID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set %s marker: %w", table, err)
	}
	return nil
}

// PageUnmigratedUsers returns a page of users that have messages but no
// migrated marker, ordered by their most recent message timestamp
// descending. Paging is stable enough not to loop forever; a boundary user
// may be missed or repeated across pages while data is concurrently
// ingested, which callers tolerate.
func (s *Store) PageUnmigratedUsers(ctx context.Context, limit, offset int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT m.user_id FROM messages m
		LEFT JOIN migrated_users mu ON mu.user_id = m.user_id
		WHERE mu.user_id IS NULL
		GROUP BY m.user_id
		ORDER BY MAX(m.created_at) DESC, m.user_id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to page unmigrated users: %w", err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var userID string
		if err = rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan user ID: %w", err)
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}
