package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/energyqa/energyqa/internal/api"
	"github.com/energyqa/energyqa/internal/app"
	"github.com/energyqa/energyqa/internal/auth"
	"github.com/energyqa/energyqa/internal/config"
	"github.com/energyqa/energyqa/internal/observability"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.LoadFromEnv("energyqa-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if err := cfg.RequireAI(); err != nil {
		logger.Error("ai stack is not configured", slog.Any("error", err))
		os.Exit(1)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	rt, err := app.Build(startCtx, cfg, logger, app.Models{})
	cancelStart()
	if err != nil {
		logger.Error("failed to build runtime", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rt.Close() }()

	deps := api.Dependencies{
		Logger:    logger,
		Pipeline:  rt.Graph,
		Schema:    rt.Schema,
		Retriever: rt.Retriever,
		ReadyChecks: []api.ReadyCheck{
			{Name: "database", Check: api.CheckDatabase(rt.DB)},
			{Name: "similarity_index", Check: api.CheckIndexLoaded(rt.Indexes)},
			{Name: "object_store_config", Check: api.CheckObjectStoreConfig(cfg)},
			{Name: "remote_index", Check: rt.CheckRemoteIndex},
		},
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go rt.WatchIndex(ctx, cfg.Index.RefreshInterval)
	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
