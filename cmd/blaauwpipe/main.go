package main

import (
	"context"
	"log"
	"os"

	"blaauwpipe/internal/cli"
	"blaauwpipe/internal/config"
	"blaauwpipe/internal/fitsfile"
	"blaauwpipe/internal/logging"
	"blaauwpipe/internal/pipeline"
	"blaauwpipe/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		log.Fatal("Failed to set up logging:", err)
	}

	store, err := storage.New(cfg.Paths.Database)
	if err != nil {
		log.Fatal("Failed to open storage:", err)
	}
	defer store.Close()

	runner, err := pipeline.NewRunner(cfg, fitsfile.New(), store, logger)
	if err != nil {
		log.Fatal("Failed to create runner:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe := pipeline.New(ctx, cfg.Pipeline.Workers, logger, store, pipeline.NewRouter(runner, logger))
	defer pipe.Stop()

	root := cli.NewRoot(pipe, cfg, cfg.File, logger, store, runner.Ledger())
	if err := cli.NewRootCmd(root).Execute(); err != nil {
		pipe.Stop()
		store.Close()
		os.Exit(1)
	}
}
