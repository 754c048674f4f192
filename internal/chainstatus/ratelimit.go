package chainstatus

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// fallbackLimiter throttles per-endpoint polling so a flapping fallback
// explorer never gets hot-looped by CSO's retry-through-the-list behavior.
// Supplements spec §4.1, which is silent on fallback-endpoint pacing.
type fallbackLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newFallbackLimiter() *fallbackLimiter {
	return &fallbackLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until the named endpoint's limiter admits a request, or ctx
// is cancelled. Each endpoint is allowed 5 requests/second, burst 5.
func (f *fallbackLimiter) Wait(ctx context.Context, endpoint string) error {
	f.mu.Lock()
	l, ok := f.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(rate.Limit(5), 5)
		f.limiters[endpoint] = l
	}
	f.mu.Unlock()

	return l.Wait(ctx)
}
