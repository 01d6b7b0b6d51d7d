package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/energyqa/energyqa/internal/auth"
	"github.com/energyqa/energyqa/internal/config"
	"github.com/energyqa/energyqa/internal/grounding"
	"github.com/energyqa/energyqa/internal/observability"
	"github.com/energyqa/energyqa/internal/pipeline"
	"github.com/energyqa/energyqa/internal/schemactx"
)

type TurnRunner interface {
	Run(ctx context.Context, state pipeline.State) (pipeline.State, error)
}

type GroundingSearcher interface {
	Retrieve(ctx context.Context, utterance string) (grounding.Result, error)
}

type Dependencies struct {
	Logger *slog.Logger
	// ReadyChecks are reported by GET /v1/ready. No checks means always ready.
	ReadyChecks       []ReadyCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Pipeline          TurnRunner
	Schema            schemactx.Supplier
	Retriever         GroundingSearcher
	// TurnTimeout bounds one POST /v1/chat turn end to end. Zero leaves only the stage timeouts.
	TurnTimeout time.Duration
	// MaxHistory caps the prior messages accepted with a chat request.
	MaxHistory int
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		handleReady(deps, w, r)
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.Handle("POST /v1/chat", auth.RequireRole(auth.RoleChat, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleChat(deps, w, r)
	})))
	protected.Handle("GET /v1/schema", auth.RequireRole(auth.RoleChat, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleSchema(deps, w, r)
	})))
	protected.Handle("POST /v1/grounding/search", auth.RequireRole(auth.RoleDebug, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGroundingSearch(deps, w, r)
	})))

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/chat", protectedHandler)
	mux.Handle("GET /v1/schema", protectedHandler)
	mux.Handle("POST /v1/grounding/search", protectedHandler)

	return chain(mux, observability.TraceMiddleware, observability.RequestMiddleware(deps.Logger))
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
