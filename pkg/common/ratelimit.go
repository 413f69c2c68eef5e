package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter paces outbound requests with a token bucket whose limits can be
// adjusted at runtime, e.g. from rate-limit headers returned by the server.
type RateLimiter struct {
	mu      sync.RWMutex // protects limiter reconfiguration
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter allowing rps requests per second with
// the given burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until a request may proceed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits changes the request rate and burst. Non-positive values leave
// the corresponding setting untouched.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rps > 0 {
		rl.limiter.SetLimit(rate.Limit(rps))
	}
	if burst > 0 {
		rl.limiter.SetBurst(burst)
	}
}

// Limit reports the current requests-per-second limit.
func (rl *RateLimiter) Limit() float64 {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return float64(rl.limiter.Limit())
}
