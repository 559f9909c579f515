package channels

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedSendKeys caps the number of tracked conversation keys so rotating
// keys cannot exhaust memory.
const maxTrackedSendKeys = 4096

// SendLimiter rate-limits outbound sends per conversation key. Platform APIs
// (DingTalk webhooks, QQ bot endpoints) throttle aggressively; pacing here
// keeps one chatty conversation from burning the shared budget.
// Safe for concurrent use.
type SendLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewSendLimiter creates a limiter allowing perSecond sends per key with the
// given burst.
func NewSendLimiter(perSecond float64, burst int) *SendLimiter {
	return &SendLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Wait blocks until the key may send or the context is cancelled.
func (l *SendLimiter) Wait(ctx context.Context, key string) error {
	return l.limiter(key).Wait(ctx)
}

// Allow reports whether the key may send right now without waiting.
func (l *SendLimiter) Allow(key string) bool {
	return l.limiter(key).Allow()
}

func (l *SendLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	// Hard eviction at the cap (map-iteration order, effectively random).
	for len(l.limiters) >= maxTrackedSendKeys {
		for k := range l.limiters {
			delete(l.limiters, k)
			break
		}
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters[key] = lim
	return lim
}
