package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/energyqa/energyqa/internal/app"
	"github.com/energyqa/energyqa/internal/config"
	"github.com/energyqa/energyqa/internal/observability"
	"github.com/energyqa/energyqa/internal/vectorindex"
)

func main() {
	publish := flag.Bool("publish", false, "upload the built index to the object store")
	publishOnly := flag.Bool("publish-only", false, "upload the existing index directory without rebuilding")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.LoadFromEnv("energyqa-indexer")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*publishOnly {
		if err := build(ctx, cfg, logger); err != nil {
			logger.Error("index build failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
	if *publish || *publishOnly {
		syncer, err := app.NewSyncer(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to initialize index sync", slog.Any("error", err))
			os.Exit(1)
		}
		manifest, err := syncer.Publish(ctx, cfg.Index.Dir)
		if err != nil {
			logger.Error("index publish failed", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Printf("published index version %s (%d file(s))\n", manifest.Version, len(manifest.Files))
	}
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.Embedding.APIKey == "" {
		return fmt.Errorf("ENERGYQA_EMBEDDING_API_KEY is required")
	}
	embedder, err := app.NewEmbedder(cfg)
	if err != nil {
		return err
	}
	db, _, err := app.OpenDatabase(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	sources, err := app.IndexSources(cfg, db)
	if err != nil {
		return err
	}
	set, err := vectorindex.NewBuilder(embedder, logger).Build(ctx, sources)
	if err != nil {
		return err
	}
	if err := vectorindex.Save(cfg.Index.Dir, set); err != nil {
		return err
	}
	logger.Info("index saved", slog.String("dir", cfg.Index.Dir), slog.Any("categories", set.Categories()))
	return nil
}
