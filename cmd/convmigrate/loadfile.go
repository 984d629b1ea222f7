package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/flowapp/convmigrate/pkg/ingest"
	"github.com/flowapp/convmigrate/pkg/store"
)

var loadFileCommand = &cli.Command{
	Name:      "load-file",
	Usage:     "Load a single local backup file for one user",
	ArgsUsage: "<backup.json> <user-id>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "force",
			Usage: "Load even if the user is already marked ingested",
		},
	},
	Action: runLoadFile,
}

func runLoadFile(cliCtx *cli.Context) error {
	if cliCtx.NArg() != 2 {
		return fmt.Errorf("usage: convmigrate load-file <backup.json> <user-id>")
	}
	path := cliCtx.Args().Get(0)
	userID := cliCtx.Args().Get(1)

	log := makeLogger(cliCtx)
	cfg, err := loadConfig(cliCtx)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.Database, log)
	if err != nil {
		return err
	}
	defer st.Close()
	st.SetChunkSize(cfg.Ingest.ChunkSize)

	// No blob store needed for a local file load.
	engine := ingest.NewEngine(st, nil, cfg.ScratchDir, log)
	err = engine.IngestFile(context.Background(), path, userID, cliCtx.Bool("force"))
	if errors.Is(err, ingest.ErrAlreadyIngested) {
		return fmt.Errorf("user %s is already ingested (use --force to reload)", userID)
	}
	if err != nil {
		return err
	}
	log.Info().Str("user_id", userID).Str("file", path).Msg("Backup file loaded")
	return nil
}
