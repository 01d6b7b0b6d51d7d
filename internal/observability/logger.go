package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/energyqa/energyqa/internal/config"
)

type ctxKey string

const (
	traceIDKey ctxKey = "trace_id"
	turnIDKey  ctxKey = "turn_id"
)

func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{Level: cfg.Observability.LogLevel}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

// ContextWithTurnID tags ctx with the id of the conversation turn being answered.
func ContextWithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnIDKey, turnID)
}

func TurnIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(turnIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
