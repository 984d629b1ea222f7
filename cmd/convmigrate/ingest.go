package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/flowapp/convmigrate/pkg/blob"
	"github.com/flowapp/convmigrate/pkg/ingest"
	"github.com/flowapp/convmigrate/pkg/store"
)

var ingestCommand = &cli.Command{
	Name:   "ingest",
	Usage:  "Run the backup ingestion poll loop until interrupted",
	Action: runIngest,
}

func runIngest(cliCtx *cli.Context) error {
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
	st.SetChunkSize(cfg.Ingest.ChunkSize)

	blobs, err := blob.NewS3Store(ctx, cfg.Blob.Bucket, cfg.Blob.Prefix)
	if err != nil {
		return err
	}

	engine := ingest.NewEngine(st, blobs, cfg.ScratchDir, log)
	engine.PollInterval = cfg.Ingest.PollInterval()
	engine.ProcessedPrefix = cfg.Blob.ProcessedPrefix

	log.Info().Str("bucket", cfg.Blob.Bucket).Str("prefix", cfg.Blob.Prefix).Msg("Starting ingestion loop")
	err = engine.RunLoop(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("Ingestion loop stopped")
		return nil
	}
	return err
}
