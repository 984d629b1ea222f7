package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/flowapp/convmigrate/pkg/migrate"
	"github.com/flowapp/convmigrate/pkg/remote"
	"github.com/flowapp/convmigrate/pkg/store"
)

var syncCommand = &cli.Command{
	Name:   "sync",
	Usage:  "Sync all ingested, unmigrated users to the conversation service",
	Action: runSync,
}

func runSync(cliCtx *cli.Context) error {
	log := makeLogger(cliCtx)
	cfg, err := loadConfig(cliCtx)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.Database, log)
	if err != nil {
		return err
	}
	defer st.Close()

	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Timeout(), log)
	engine := migrate.NewEngine(st, client, log)
	engine.BatchSize = cfg.Sync.BatchSize
	engine.UserConcurrency = cfg.Sync.UserConcurrency
	engine.ConversationConcurrency = cfg.Sync.ConversationConcurrency

	log.Info().Str("remote", cfg.Remote.BaseURL).Msg("Starting sync run")
	summary, err := engine.Run(ctx)
	log.Info().
		Int("users_migrated", summary.UsersMigrated).
		Int("users_failed", summary.UsersFailed).
		Int("conversations_synced", summary.ConversationsSynced).
		Int("conversations_skipped", summary.ConversationsSkipped).
		Int("conversations_failed", summary.ConversationsFailed).
		Msg("Sync run finished")
	if err != nil {
		return err
	}
	if summary.Failed() {
		return fmt.Errorf("sync run completed with failures: %d users, %d conversations",
			summary.UsersFailed, summary.ConversationsFailed)
	}
	return nil
}
