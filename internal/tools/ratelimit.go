package tools

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// RateLimiters holds one token bucket per external tool that declares a
// rate_limit. Tools without one are never throttled.
type RateLimiters struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewRateLimiters creates an empty limiter set.
func NewRateLimiters() *RateLimiters {
	return &RateLimiters{limiters: make(map[int64]*rate.Limiter)}
}

// Wait blocks until tool may issue one more request or ctx is done.
func (l *RateLimiters) Wait(ctx context.Context, tool *schema.ExternalTool) error {
	limiter := l.get(tool)
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return schema.NewErrorf(schema.ErrCodeRateLimited,
			"rate limit wait for tool %q: %s", tool.Name, err.Error()).WithCause(err)
	}
	return nil
}

func (l *RateLimiters) get(tool *schema.ExternalTool) *rate.Limiter {
	if l == nil || tool == nil || tool.RateLimit == nil || tool.RateLimit.RequestsPerSecond <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[tool.ID]
	if !ok {
		burst := tool.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(tool.RateLimit.RequestsPerSecond), burst)
		l.limiters[tool.ID] = limiter
	}
	return limiter
}
