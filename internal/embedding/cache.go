package embedding

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// Cached memoizes single-text embeddings. EmbedBatch is passed through since it only runs during
// offline index builds.
type Cached struct {
	next  Embedder
	cache *cache.Cache
}

func NewCached(next Embedder, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.next.ModelName() + "\x00" + text
	if hit, ok := c.cache.Get(key); ok {
		return append([]float32(nil), hit.([]float32)...), nil
	}
	vector, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, append([]float32(nil), vector...))
	return vector, nil
}

func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.next.EmbedBatch(ctx, texts)
}

func (c *Cached) Dimensions() int {
	return c.next.Dimensions()
}

func (c *Cached) ModelName() string {
	return c.next.ModelName()
}
