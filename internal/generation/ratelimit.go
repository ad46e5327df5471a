package generation

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedBackend throttles calls to another Backend.
type RateLimitedBackend struct {
	next    Backend
	limiter *rate.Limiter
}

// NewRateLimitedBackend wraps next with a limiter of rps requests per second.
// rps <= 0 returns next unchanged.
func NewRateLimitedBackend(next Backend, rps float64, burst int) Backend {
	if rps <= 0 {
		return next
	}

	if burst < 1 {
		burst = 1
	}

	return &RateLimitedBackend{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Generate waits for a token and then calls the wrapped backend.
func (b *RateLimitedBackend) Generate(ctx context.Context, prompt Prompt) (string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for generation rate limit: %w", err)
	}

	return b.next.Generate(ctx, prompt)
}
