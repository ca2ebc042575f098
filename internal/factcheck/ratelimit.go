package factcheck

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultRetryAfter = 60 * time.Second

// RateLimiter is a token bucket with a cool-down period set after the API
// answers 429.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
	now     func() time.Time
}

func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		now:     time.Now,
	}
}

// Wait blocks for a token. It fails fast with ErrQuotaExceeded while a
// cool-down is active so a run is never stalled by the quota.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.CoolingDown() {
		return ErrQuotaExceeded
	}
	return r.limiter.Wait(ctx)
}

// CoolingDown reports whether a 429 backoff is still in effect.
func (r *RateLimiter) CoolingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().Before(r.retryAt)
}

// RecordRateLimitError starts a cool-down of retryAfter, or one minute when
// the server gave no hint.
func (r *RateLimiter) RecordRateLimitError(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = defaultRetryAfter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryAt = r.now().Add(retryAfter)
}
