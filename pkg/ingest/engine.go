// Package ingest discovers per-user backup blobs in object storage and
// loads them into the local record store, at most once per user.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flowapp/convmigrate/pkg/blob"
	"github.com/flowapp/convmigrate/pkg/store"
)

// DefaultPollInterval is the sleep between poll cycles, and the backoff
// after a failed cycle.
const DefaultPollInterval = 60 * time.Second

// DefaultProcessedPrefix is where successfully ingested backups are
// relocated to. Relocation is best-effort; the ingested marker in the
// record store is authoritative.
const DefaultProcessedPrefix = "processed-backups/"

// ErrAlreadyIngested is returned by IngestFile when the user already has an
// ingested marker and force is not set.
var ErrAlreadyIngested = errors.New("user already ingested")

// BlobStore is the object storage contract the engine depends on.
type BlobStore interface {
	ListUserIDs(ctx context.Context) ([]string, error)
	ListBackups(ctx context.Context, userID string) ([]string, error)
	Download(ctx context.Context, key, destPath string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	Delete(ctx context.Context, key string) error
}

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	Ingested int
	Skipped  int
	Failed   int
}

// Engine runs the ingestion state machine: UNSEEN → DOWNLOADING → LOADING →
// INGESTED per user, reverting to UNSEEN on any failure so the next poll
// retries from scratch.
type Engine struct {
	store *store.Store
	blobs BlobStore
	log   zerolog.Logger

	ScratchDir      string
	PollInterval    time.Duration
	ProcessedPrefix string
}

// NewEngine wires an ingestion engine. scratchDir holds transient downloads
// and is created on demand.
func NewEngine(st *store.Store, blobs BlobStore, scratchDir string, log zerolog.Logger) *Engine {
	return &Engine{
		store:           st,
		blobs:           blobs,
		log:             log,
		ScratchDir:      scratchDir,
		PollInterval:    DefaultPollInterval,
		ProcessedPrefix: DefaultProcessedPrefix,
	}
}

// RunLoop polls indefinitely until ctx is cancelled. Cycle-level errors are
// logged and followed by the normal backoff; the loop never terminates on a
// transient error.
func (e *Engine) RunLoop(ctx context.Context) error {
	for {
		stats, err := e.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Err(err).Dur("backoff", e.PollInterval).Msg("Poll cycle failed, backing off")
		} else {
			e.log.Info().
				Int("ingested", stats.Ingested).
				Int("skipped", stats.Skipped).
				Int("failed", stats.Failed).
				Dur("backoff", e.PollInterval).
				Msg("Poll cycle complete")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.PollInterval):
		}
	}
}

// RunCycle visits every user with at least one backup, ingesting each user
// that has no ingested marker yet. Per-user failures are contained: the
// user is left unmarked and the cycle moves on.
func (e *Engine) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	userIDs, err := e.blobs.ListUserIDs(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list backup users: %w", err)
	}
	e.log.Info().Int("users", len(userIDs)).Msg("Starting poll cycle")
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		// Marker check first: already-ingested users cost no network I/O.
		ingested, err := e.store.IsUserIngested(ctx, userID)
		if err != nil {
			return stats, fmt.Errorf("failed to check ingested marker for %s: %w", userID, err)
		}
		if ingested {
			stats.Skipped++
			continue
		}
		if err = e.ingestUser(ctx, userID); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failed++
			e.log.Err(err).Str("user_id", userID).Msg("Failed to ingest user backup")
			continue
		}
		stats.Ingested++
	}
	return stats, nil
}

// ingestUser downloads and loads the user's earliest backup. The scratch
// directory is removed regardless of outcome; the ingested marker is only
// written after the whole file loaded successfully.
func (e *Engine) ingestUser(ctx context.Context, userID string) error {
	keys, err := e.blobs.ListBackups(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	earliest := blob.EarliestBackup(keys)
	if earliest == "" {
		return fmt.Errorf("no usable backup blobs among %d keys", len(keys))
	}

	scratch := filepath.Join(e.ScratchDir, fmt.Sprintf("%s-%s", userID, uuid.NewString()))
	if err = os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			e.log.Warn().Err(rmErr).Str("dir", scratch).Msg("Failed to clean up scratch dir")
		}
	}()

	localPath := filepath.Join(scratch, path.Base(earliest))
	e.log.Info().Str("user_id", userID).Str("key", earliest).Msg("Downloading backup")
	if err = e.blobs.Download(ctx, earliest, localPath); err != nil {
		return fmt.Errorf("failed to download %s: %w", earliest, err)
	}

	if err = e.loadBackupFile(ctx, localPath, userID); err != nil {
		return err
	}

	// Marker before relocation: relocation is best-effort and the marker is
	// the authoritative record of completion.
	if err = e.store.MarkUserIngested(ctx, userID); err != nil {
		return fmt.Errorf("failed to mark user ingested: %w", err)
	}
	e.relocateBackups(ctx, userID, keys)
	return nil
}

// loadBackupFile parses a backup blob and bulk-loads it into the store.
func (e *Engine) loadBackupFile(ctx context.Context, localPath, userID string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read backup file: %w", err)
	}
	messages, err := parseBackup(data, userID, e.log)
	if err != nil {
		return fmt.Errorf("malformed backup file %s: %w", filepath.Base(localPath), err)
	}
	e.log.Info().Str("user_id", userID).Int("messages", len(messages)).Msg("Loading backup into record store")
	count, err := e.store.UpsertMessages(ctx, messages)
	if err != nil {
		return fmt.Errorf("bulk load failed after %d rows: %w", count, err)
	}
	return nil
}

// parseBackup decodes a JSON array of message objects. Non-array content is
// a hard failure; individual records missing their identifying fields are
// skipped with a warning rather than failing the file.
func parseBackup(data []byte, userID string, log zerolog.Logger) ([]store.Message, error) {
	var raw []store.Message
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	messages := make([]store.Message, 0, len(raw))
	dropped := 0
	for _, msg := range raw {
		if msg.ID == "" || msg.ConversationID == "" {
			dropped++
			continue
		}
		msg.UserID = userID
		messages = append(messages, msg)
	}
	if dropped > 0 {
		log.Warn().Str("user_id", userID).Int("dropped", dropped).
			Msg("Dropped backup records missing id or conversationId")
	}
	return messages, nil
}

// relocateBackups moves all of the user's backup blobs into the processed
// namespace. Failures are logged and ignored.
func (e *Engine) relocateBackups(ctx context.Context, userID string, keys []string) {
	for _, key := range keys {
		dstKey := e.ProcessedPrefix + userID + "/" + path.Base(key)
		if err := e.blobs.Copy(ctx, key, dstKey); err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("Failed to relocate processed backup")
			continue
		}
		if err := e.blobs.Delete(ctx, key); err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("Failed to delete relocated backup")
		}
	}
}

// IngestFile loads a single local backup file for one user, for manual
// one-off imports. Unless force is set, a user that already has an ingested
// marker is rejected with ErrAlreadyIngested.
func (e *Engine) IngestFile(ctx context.Context, localPath, userID string, force bool) error {
	ingested, err := e.store.IsUserIngested(ctx, userID)
	if err != nil {
		return err
	}
	if ingested && !force {
		return ErrAlreadyIngested
	}
	if err = e.loadBackupFile(ctx, localPath, userID); err != nil {
		return err
	}
	return e.store.MarkUserIngested(ctx, userID)
}
