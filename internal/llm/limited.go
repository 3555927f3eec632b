package llm

import (
	"context"

	"github.com/Veraticus/the-price-must-flow/internal/ratelimit"
)

// Limited routes every completion through a rate limiter, which bounds
// concurrency and retries overload responses.
type Limited struct {
	client     Client
	limiter    *ratelimit.Limiter
	maxRetries int
}

// NewLimited wraps client with limiter.
func NewLimited(client Client, limiter *ratelimit.Limiter, maxRetries int) *Limited {
	return &Limited{client: client, limiter: limiter, maxRetries: maxRetries}
}

// Complete implements Client.
func (l *Limited) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	return ratelimit.Do(ctx, l.limiter, l.maxRetries, func(ctx context.Context) (string, error) {
		return l.client.Complete(ctx, prompt, opts)
	})
}
