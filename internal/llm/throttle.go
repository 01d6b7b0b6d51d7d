package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled spaces calls to a ChatModel so concurrent turns stay under a provider rate limit.
type Throttled struct {
	next    ChatModel
	limiter *rate.Limiter
}

func NewThrottled(next ChatModel, perSecond float64) *Throttled {
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

func (t *Throttled) Complete(ctx context.Context, messages []Message, schema *Schema) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return t.next.Complete(ctx, messages, schema)
}
