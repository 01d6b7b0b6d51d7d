package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/energyqa/energyqa/internal/cli/energyqactl"
)

func main() {
	_ = godotenv.Load()
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("ENERGYQA_CLI_TIMEOUT")), 60*time.Second)
	options := energyqactl.Options{
		BaseURL: envOr("ENERGYQA_API_URL", "http://localhost:8080"),
		APIKey:  strings.TrimSpace(os.Getenv("ENERGYQA_API_KEY")),
		Timeout: timeout,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := energyqactl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid ENERGYQA_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
