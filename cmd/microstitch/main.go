package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"microstitch/internal/cli"
	"microstitch/internal/config"
	"microstitch/internal/fsutil"
	"microstitch/internal/logging"
	"microstitch/internal/pipeline"
	"microstitch/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	layout := fsutil.NewLayout(cfg.Paths.InputDir, cfg.Paths.OutputDir)
	if err := layout.EnsureDirs(); err != nil {
		return fmt.Errorf("create slot directories: %w", err)
	}
	slots := fsutil.NewSlots()

	ctx := context.Background()
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, cfg, layout, slots)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, logger, store, pipe, layout, slots).ExecuteContext(ctx)
}
