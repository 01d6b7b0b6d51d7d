package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/energyqa/energyqa/internal/explain"
	"github.com/energyqa/energyqa/internal/grounding"
	"github.com/energyqa/energyqa/internal/llm"
	"github.com/energyqa/energyqa/internal/nl2sql"
	"github.com/energyqa/energyqa/internal/schemactx"
	"github.com/energyqa/energyqa/internal/sqlexec"
)

type Retriever interface {
	Retrieve(ctx context.Context, utterance string) (grounding.Result, error)
}

type SQLGenerator interface {
	Generate(ctx context.Context, req nl2sql.Request) (nl2sql.Result, error)
}

type Executor interface {
	Execute(ctx context.Context, sql string) sqlexec.Result
}

type Explainer interface {
	Explain(ctx context.Context, in explain.Input) (explain.Output, error)
}

// Runtime holds the process-wide collaborators shared read-only by concurrent turns.
type Runtime struct {
	Classifier llm.StructuredGenerator[Router]
	// Relevance is optional. When nil the extract_relevance stage is skipped.
	Relevance llm.StructuredGenerator[Relevance]
	Responder llm.ChatModel
	Retriever Retriever
	Schema    schemactx.Supplier
	Generator SQLGenerator
	Executor  Executor
	Explainer Explainer
	Logger    *slog.Logger
	Options   Options
}

type Options struct {
	HistoryWindow int
	StageTimeout  time.Duration
	// StageRetries is the number of extra attempts after a retryable stage failure.
	StageRetries   int
	GroundingOrder []string
	Dialect        string
}

const (
	defaultHistoryWindow = 3
	defaultStageTimeout  = 30 * time.Second
)

func (rt *Runtime) validate() error {
	switch {
	case rt == nil:
		return &ConfigError{Reason: "runtime is required"}
	case rt.Classifier == nil:
		return &ConfigError{Reason: "intent classifier is required"}
	case rt.Responder == nil:
		return &ConfigError{Reason: "responder model is required"}
	case rt.Retriever == nil:
		return &ConfigError{Reason: "grounding retriever is required"}
	case rt.Schema == nil:
		return &ConfigError{Reason: "schema supplier is required"}
	case rt.Generator == nil:
		return &ConfigError{Reason: "sql generator is required"}
	case rt.Executor == nil:
		return &ConfigError{Reason: "sql executor is required"}
	case rt.Explainer == nil:
		return &ConfigError{Reason: "explainer is required"}
	}
	return nil
}

func (o Options) historyWindow() int {
	if o.HistoryWindow <= 0 {
		return defaultHistoryWindow
	}
	return o.HistoryWindow
}

func (o Options) stageTimeout() time.Duration {
	if o.StageTimeout <= 0 {
		return defaultStageTimeout
	}
	return o.StageTimeout
}

func (o Options) attempts() int {
	if o.StageRetries < 0 {
		return 1
	}
	return 1 + o.StageRetries
}
