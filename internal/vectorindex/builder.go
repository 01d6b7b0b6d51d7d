package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/energyqa/energyqa/internal/embedding"
)

type Builder struct {
	embedder    embedding.Embedder
	logger      *slog.Logger
	concurrency int
}

func NewBuilder(embedder embedding.Embedder, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{embedder: embedder, logger: logger, concurrency: 4}
}

// Build embeds every source and returns a complete Set. Nothing is returned on partial failure.
func (b *Builder) Build(ctx context.Context, sources []Source) (*Set, error) {
	if b.embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	seen := map[string]bool{}
	for _, source := range sources {
		category := source.Category()
		if err := ValidateCategory(category); err != nil {
			return nil, err
		}
		if seen[category] {
			return nil, fmt.Errorf("duplicate category %q", category)
		}
		seen[category] = true
	}

	var mu sync.Mutex
	indexes := make(map[string]*Index, len(sources))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.concurrency)
	for _, source := range sources {
		group.Go(func() error {
			index, err := b.buildOne(groupCtx, source)
			if err != nil {
				return err
			}
			mu.Lock()
			indexes[source.Category()] = index
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return NewSet(indexes)
}

func (b *Builder) buildOne(ctx context.Context, source Source) (*Index, error) {
	start := time.Now()
	category := source.Category()
	values, err := source.Values(ctx)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(values))
	for i, value := range values {
		texts[i] = value.EmbeddingText()
	}
	var vectors [][]float32
	if len(texts) > 0 {
		vectors, err = b.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed %s: %w", category, err)
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("embed %s: got %d vectors for %d values", category, len(vectors), len(texts))
		}
	}
	for i := range vectors {
		vectors[i] = embedding.Normalize(vectors[i])
	}
	index, err := NewIndex(vectors, values)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", category, err)
	}
	b.logger.InfoContext(ctx, "index_category_built",
		slog.String("category", category),
		slog.Int("values", index.Len()),
		slog.Int("dimension", index.Dimension()),
		slog.String("duration", time.Since(start).String()),
	)
	return index, nil
}
