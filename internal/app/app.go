// Package app assembles the question answering runtime from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/energyqa/energyqa/internal/config"
	"github.com/energyqa/energyqa/internal/embedding"
	embopenai "github.com/energyqa/energyqa/internal/embedding/openai"
	"github.com/energyqa/energyqa/internal/explain"
	"github.com/energyqa/energyqa/internal/grounding"
	"github.com/energyqa/energyqa/internal/indexsync"
	"github.com/energyqa/energyqa/internal/llm"
	llmopenai "github.com/energyqa/energyqa/internal/llm/openai"
	"github.com/energyqa/energyqa/internal/nl2sql"
	"github.com/energyqa/energyqa/internal/nl2sql/sqlcheck"
	"github.com/energyqa/energyqa/internal/pipeline"
	"github.com/energyqa/energyqa/internal/schemactx"
	"github.com/energyqa/energyqa/internal/sqlexec"
	s3store "github.com/energyqa/energyqa/internal/storage/s3"
	"github.com/energyqa/energyqa/internal/vectorindex"
)

// Runtime is everything a server process shares across concurrent turns.
type Runtime struct {
	DB        *sql.DB
	Dialect   sqlexec.Dialect
	Indexes   *vectorindex.Holder
	Schema    schemactx.Supplier
	Retriever *grounding.Retriever
	Graph     *pipeline.Graph
	// Syncer is set when the remote index mirror is enabled.
	Syncer *indexsync.Syncer

	indexDir string
	// indexVersion is only touched by Build and WatchIndex.
	indexVersion string
	logger       *slog.Logger
	closers      []func() error
}

// Models are the language and embedding clients. Build fills them from config when left nil.
type Models struct {
	Chat     llm.ChatModel
	Embedder embedding.Embedder
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, models Models) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{indexDir: cfg.Index.Dir, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	chat := models.Chat
	if chat == nil {
		var err error
		if chat, err = NewChatModel(cfg); err != nil {
			return nil, err
		}
	}
	embedder := models.Embedder
	if embedder == nil {
		var err error
		if embedder, err = NewEmbedder(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Embedding.CacheTTL > 0 {
		embedder = embedding.NewCached(embedder, cfg.Embedding.CacheTTL)
	}

	db, dialect, err := OpenDatabase(ctx, cfg, true)
	if err != nil {
		return nil, err
	}
	rt.DB, rt.Dialect = db, dialect
	rt.closers = append(rt.closers, db.Close)

	if cfg.Index.RemoteEnabled {
		if rt.Syncer, err = NewSyncer(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}
	set, version, err := LoadIndex(ctx, cfg.Index.Dir, rt.Syncer, logger)
	if err != nil {
		return nil, err
	}
	rt.Indexes = vectorindex.NewHolder(set)
	rt.indexVersion = version

	rt.Schema, err = schemactx.Open(ctx, cfg.Schema, db, cfg.Database.SearchPath)
	if err != nil {
		return nil, fmt.Errorf("load schema description: %w", err)
	}

	rt.Retriever, err = grounding.NewRetriever(embedder, rt.Indexes, cfg.Index.TopK)
	if err != nil {
		return nil, fmt.Errorf("build retriever: %w", err)
	}

	classifier, err := pipeline.NewClassifier(chat)
	if err != nil {
		return nil, err
	}
	var relevance llm.StructuredGenerator[pipeline.Relevance]
	if cfg.Pipeline.RelevanceEnabled {
		extractor, err := pipeline.NewRelevanceExtractor(chat)
		if err != nil {
			return nil, err
		}
		relevance = extractor
	}

	validator, err := sqlcheck.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("open sql validator: %w", err)
	}
	rt.closers = append(rt.closers, validator.Close)

	generator, err := nl2sql.NewGenerator(chat, validator, nl2sql.Options{})
	if err != nil {
		return nil, err
	}
	explainer, err := explain.NewExplainer(chat, cfg.Pipeline.ExplainGuard)
	if err != nil {
		return nil, err
	}
	executor := sqlexec.NewExecutor(db, dialect, sqlexec.ExecutorOptions{
		SearchPath:     cfg.Database.SearchPath,
		AcquireTimeout: cfg.Database.AcquireTimeout,
		Logger:         logger,
	})

	rt.Graph, err = pipeline.New(&pipeline.Runtime{
		Classifier: classifier,
		Relevance:  relevance,
		Responder:  chat,
		Retriever:  rt.Retriever,
		Schema:     rt.Schema,
		Generator:  generator,
		Executor:   executor,
		Explainer:  explainer,
		Logger:     logger,
		Options: pipeline.Options{
			HistoryWindow:  cfg.Pipeline.HistoryWindow,
			StageTimeout:   cfg.Pipeline.StageTimeout,
			StageRetries:   cfg.Pipeline.StageRetries,
			GroundingOrder: GroundingOrder(cfg),
			Dialect:        string(dialect),
		},
	})
	if err != nil {
		return nil, err
	}

	logger.Info("runtime ready",
		slog.String("dialect", string(dialect)),
		slog.String("index_version", version),
		slog.Any("categories", set.Categories()),
		slog.Bool("relevance", relevance != nil),
	)
	ok = true
	return rt, nil
}

// Close releases the database pool and the validator connection in reverse order.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func NewChatModel(cfg config.Config) (llm.ChatModel, error) {
	client, err := llmopenai.New(llmopenai.Config{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build chat model: %w", err)
	}
	if cfg.AI.RequestsPerSecond > 0 {
		return llm.NewThrottled(client, cfg.AI.RequestsPerSecond), nil
	}
	return client, nil
}

func NewEmbedder(cfg config.Config) (embedding.Embedder, error) {
	embedder, err := embopenai.New(embopenai.Config{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		BatchSize:  cfg.Embedding.BatchSize,
		Timeout:    cfg.Embedding.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}
	if cfg.Embedding.RequestsPerSecond > 0 {
		return embedding.NewThrottled(embedder, cfg.Embedding.RequestsPerSecond), nil
	}
	return embedder, nil
}

func OpenDatabase(ctx context.Context, cfg config.Config, readOnly bool) (*sql.DB, sqlexec.Dialect, error) {
	return sqlexec.Open(ctx, sqlexec.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ReadOnly:        readOnly,
	})
}

// LoadIndex reads the index directory, refreshing it from the mirror first when syncer is set.
// A failed fetch falls back to the local copy if one exists. The version is empty for local loads.
func LoadIndex(ctx context.Context, dir string, syncer *indexsync.Syncer, logger *slog.Logger) (*vectorindex.Set, string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if syncer != nil {
		manifest, set, err := syncer.Fetch(ctx, dir)
		if err == nil {
			return set, manifest.Version, nil
		}
		logger.Warn("index fetch failed, using local copy", slog.Any("error", err))
	}
	set, err := vectorindex.Load(dir)
	if err != nil {
		return nil, "", fmt.Errorf("load similarity index from %s: %w", dir, err)
	}
	return set, "", nil
}

// WatchIndex polls the mirror every interval and swaps newer versions into Indexes until ctx ends.
// Turns already holding the previous set finish on it.
func (r *Runtime) WatchIndex(ctx context.Context, every time.Duration) {
	if r.Syncer == nil || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		manifest, set, changed, err := r.Syncer.Refresh(ctx, r.indexDir, r.indexVersion)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("index refresh failed", slog.Any("error", err))
			}
			continue
		}
		if !changed {
			continue
		}
		r.Indexes.Replace(set)
		r.indexVersion = manifest.Version
		r.logger.Info("index replaced", slog.String("version", manifest.Version), slog.Any("categories", set.Categories()))
	}
}

// CheckRemoteIndex reports whether a published manifest is reachable. It passes when the mirror is off.
func (r *Runtime) CheckRemoteIndex(ctx context.Context) error {
	if r.Syncer == nil {
		return nil
	}
	return r.Syncer.Check(ctx)
}

func NewSyncer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*indexsync.Syncer, error) {
	store, err := s3store.New(ctx, s3store.ConfigFromSettings(cfg.ObjectStore))
	if err != nil {
		return nil, fmt.Errorf("initialize object store: %w", err)
	}
	return indexsync.New(store, cfg.Index.RemoteName, indexsync.Options{Logger: logger})
}

// IndexSources lists what the offline builder embeds: each configured column plus the
// curated examples file when one is set.
func IndexSources(cfg config.Config, db vectorindex.Querier) ([]vectorindex.Source, error) {
	columns, err := vectorindex.ParseColumnSources(db, cfg.Index.ColumnSources)
	if err != nil {
		return nil, err
	}
	sources := make([]vectorindex.Source, 0, len(columns)+1)
	for _, column := range columns {
		sources = append(sources, column)
	}
	if path := strings.TrimSpace(cfg.Index.ExamplesFile); path != "" {
		sources = append(sources, vectorindex.ExamplesFile{Path: path})
	}
	if len(sources) == 0 {
		return nil, errors.New("no index sources configured")
	}
	return sources, nil
}

// GroundingOrder renders column hints before examples so the prompt lists values in config order.
func GroundingOrder(cfg config.Config) []string {
	var order []string
	for _, raw := range strings.Split(cfg.Index.ColumnSources, ",") {
		parts := strings.Split(strings.TrimSpace(raw), ".")
		if len(parts) < 2 {
			continue
		}
		order = append(order, parts[len(parts)-2]+"."+parts[len(parts)-1])
	}
	if strings.TrimSpace(cfg.Index.ExamplesFile) != "" {
		order = append(order, vectorindex.ExamplesCategory)
	}
	return order
}
