package embedding

import (
	"context"

	"golang.org/x/time/rate"
)

type Throttled struct {
	next    Embedder
	limiter *rate.Limiter
}

// NewThrottled allows perSecond provider calls with a burst of one.
func NewThrottled(next Embedder, perSecond float64) *Throttled {
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

func (t *Throttled) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.next.Embed(ctx, text)
}

func (t *Throttled) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.next.EmbedBatch(ctx, texts)
}

func (t *Throttled) Dimensions() int {
	return t.next.Dimensions()
}

func (t *Throttled) ModelName() string {
	return t.next.ModelName()
}
