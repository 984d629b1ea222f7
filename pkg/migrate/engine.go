// Package migrate reconciles locally stored conversations against the
// remote conversation service, marking per-user completion so re-runs skip
// finished users.
package migrate

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/flowapp/convmigrate/pkg/remote"
	"github.com/flowapp/convmigrate/pkg/store"
)

const (
	// DefaultBatchSize is how many unmigrated users are drawn per page.
	DefaultBatchSize = 10
	// DefaultUserConcurrency bounds concurrent per-user migrations.
	DefaultUserConcurrency = 10
	// DefaultConversationConcurrency bounds concurrent conversation pushes
	// within a single user.
	DefaultConversationConcurrency = 5
)

// ConversationService is the remote side the engine reconciles against.
type ConversationService interface {
	GetConversationInfo(ctx context.Context, businessID string) (*remote.ConversationInfo, error)
	UpdateConversation(ctx context.Context, businessID string, messages []remote.Message) error
}

// Summary aggregates the outcome of a sync run. Individual task failures
// are folded in here instead of aborting sibling tasks.
type Summary struct {
	UsersMigrated        int
	UsersFailed          int
	ConversationsSynced  int
	ConversationsSkipped int
	ConversationsFailed  int
}

func (s *Summary) add(other Summary) {
	s.UsersMigrated += other.UsersMigrated
	s.UsersFailed += other.UsersFailed
	s.ConversationsSynced += other.ConversationsSynced
	s.ConversationsSkipped += other.ConversationsSkipped
	s.ConversationsFailed += other.ConversationsFailed
}

// Failed reports whether any task in the run failed.
func (s *Summary) Failed() bool {
	return s.UsersFailed > 0 || s.ConversationsFailed > 0
}

// Engine drives the migration of ingested users to the remote service.
type Engine struct {
	store  *store.Store
	remote ConversationService
	log    zerolog.Logger

	BatchSize               int
	UserConcurrency         int
	ConversationConcurrency int
}

// NewEngine wires a sync engine with the default batching and concurrency.
func NewEngine(st *store.Store, svc ConversationService, log zerolog.Logger) *Engine {
	return &Engine{
		store:                   st,
		remote:                  svc,
		log:                     log,
		BatchSize:               DefaultBatchSize,
		UserConcurrency:         DefaultUserConcurrency,
		ConversationConcurrency: DefaultConversationConcurrency,
	}
}

// Run pages through unmigrated users until a page comes back empty, fanning
// each batch out to a bounded pool of per-user tasks. The returned summary
// covers the whole run; it is valid even when an error is returned.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	offset := 0
	for {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		users, err := e.store.PageUnmigratedUsers(ctx, e.BatchSize, offset)
		if err != nil {
			return summary, fmt.Errorf("failed to page unmigrated users: %w", err)
		}
		if len(users) == 0 {
			return summary, nil
		}
		e.log.Info().Int("users", len(users)).Int("offset", offset).Msg("Processing user batch")

		batch := e.runBatch(ctx, users)
		summary.add(batch)
		// Migrated users drop out of the unmigrated set, shifting later
		// users into this page's window; only users that stayed behind
		// (failures) move the window forward. This lets a single run reach
		// every eligible user without spinning on permanently failing ones.
		offset += batch.UsersFailed
	}
}

func (e *Engine) runBatch(ctx context.Context, users []string) Summary {
	sem := make(chan struct{}, e.UserConcurrency)
	results := make(chan Summary, len(users))
	var wg sync.WaitGroup
	for _, userID := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Any("panic", r).Str("user_id", userID).
						Str("stack", string(debug.Stack())).
						Msg("Recovered panic in user migration goroutine")
					results <- Summary{UsersFailed: 1}
				}
			}()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- e.MigrateUser(ctx, userID)
		}(userID)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var batch Summary
	for r := range results {
		batch.add(r)
	}
	return batch
}

// MigrateUser reconciles all of one user's conversations. The migrated
// marker is only written when every conversation succeeded: a user is
// either fully migrated or left fully unmigrated for the next pass.
func (e *Engine) MigrateUser(ctx context.Context, userID string) Summary {
	log := e.log.With().Str("user_id", userID).Logger()

	migrated, err := e.store.IsUserMigrated(ctx, userID)
	if err != nil {
		log.Err(err).Msg("Failed to check migrated marker")
		return Summary{UsersFailed: 1}
	}
	if migrated {
		return Summary{}
	}

	conversations, err := e.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		log.Err(err).Msg("Failed to load conversations")
		return Summary{UsersFailed: 1}
	}
	log.Info().Int("conversations", len(conversations)).Msg("Migrating user")

	summary := e.runConversations(ctx, log, conversations)
	if summary.ConversationsFailed > 0 {
		summary.UsersFailed = 1
		log.Warn().
			Int("failed", summary.ConversationsFailed).
			Int("total", len(conversations)).
			Msg("User left unmigrated: not all conversations synced")
		return summary
	}
	if err = e.store.MarkUserMigrated(ctx, userID); err != nil {
		log.Err(err).Msg("Failed to mark user migrated")
		summary.UsersFailed = 1
		return summary
	}
	summary.UsersMigrated = 1
	log.Info().
		Int("synced", summary.ConversationsSynced).
		Int("skipped", summary.ConversationsSkipped).
		Msg("User fully migrated")
	return summary
}

func (e *Engine) runConversations(ctx context.Context, log zerolog.Logger, conversations []store.Conversation) Summary {
	sem := make(chan struct{}, e.ConversationConcurrency)
	results := make(chan Summary, len(conversations))
	var wg sync.WaitGroup
	for _, conv := range conversations {
		wg.Add(1)
		go func(conv store.Conversation) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Any("panic", r).Str("conversation_id", conv.ID).
						Str("stack", string(debug.Stack())).
						Msg("Recovered panic in conversation goroutine")
					results <- Summary{ConversationsFailed: 1}
				}
			}()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- e.processConversation(ctx, log, conv)
		}(conv)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var summary Summary
	for r := range results {
		summary.add(r)
	}
	return summary
}

// processConversation reconciles a single conversation. The local processed
// flag is only set once the conversation is confirmed on the remote side
// (already present, or pushed successfully); a failed push leaves it unset
// so the next pass retries it.
func (e *Engine) processConversation(ctx context.Context, log zerolog.Logger, conv store.Conversation) Summary {
	if conversationProcessed(conv) {
		return Summary{ConversationsSkipped: 1}
	}

	info, err := e.remote.GetConversationInfo(ctx, conv.ID)
	if err != nil {
		log.Err(err).Str("conversation_id", conv.ID).Msg("Failed to query remote conversation state")
		return Summary{ConversationsFailed: 1}
	}
	if info.HasMessages() {
		// Remote already holds data for this conversation: record it locally
		// and move on.
		if err = e.store.MarkConversationProcessed(ctx, conv.ID); err != nil {
			log.Err(err).Str("conversation_id", conv.ID).Msg("Failed to mark conversation processed")
			return Summary{ConversationsFailed: 1}
		}
		return Summary{ConversationsSkipped: 1}
	}

	if err = e.remote.UpdateConversation(ctx, conv.ID, wireMessages(conv)); err != nil {
		log.Err(err).Str("conversation_id", conv.ID).
			Int("messages", len(conv.Messages)).
			Msg("Failed to push conversation")
		return Summary{ConversationsFailed: 1}
	}
	if err = e.store.MarkConversationProcessed(ctx, conv.ID); err != nil {
		log.Err(err).Str("conversation_id", conv.ID).Msg("Failed to mark conversation processed")
		return Summary{ConversationsFailed: 1}
	}
	return Summary{ConversationsSynced: 1}
}

func conversationProcessed(conv store.Conversation) bool {
	if len(conv.Messages) == 0 {
		return false
	}
	for _, msg := range conv.Messages {
		if !msg.Processed {
			return false
		}
	}
	return true
}

// wireMessages reshapes stored messages into the remote wire format. The
// message JSON tags already exclude the local-only userId and processed
// fields from messageData.
func wireMessages(conv store.Conversation) []remote.Message {
	messages := make([]remote.Message, len(conv.Messages))
	for i, msg := range conv.Messages {
		messages[i] = remote.Message{MessageID: msg.ID, MessageData: msg}
	}
	return messages
}
