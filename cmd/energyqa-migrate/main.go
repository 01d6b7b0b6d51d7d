package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/energyqa/energyqa/internal/config"
	"github.com/energyqa/energyqa/internal/migrations"
	"github.com/energyqa/energyqa/internal/observability"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.LoadFromEnv("energyqa-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "ENERGYQA_DATABASE_DSN is required")
		os.Exit(1)
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		fmt.Fprintln(os.Stderr, "migrations require a postgres:// ENERGYQA_DATABASE_DSN")
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stderr)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "database ping error: %v\n", err)
		os.Exit(1)
	}

	runner := migrations.NewRunner(logger)
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			logger.Error("migration up failed", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Printf("applied %d migration(s)\n", applied)
	case "down":
		reverted, err := runner.Down(ctx, db, *steps)
		if err != nil {
			logger.Error("migration down failed", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Printf("reverted %d migration(s)\n", reverted)
	case "status":
		status, err := runner.Status(ctx, db)
		if err != nil {
			logger.Error("migration status failed", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Printf("applied: %v\npending: %v\n", status.Applied, status.Pending)
		if len(status.Drifted) > 0 {
			fmt.Printf("drifted: %v\n", status.Drifted)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}
}
