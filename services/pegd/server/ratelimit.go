package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// InvestorLimiter keeps one token bucket per investor.
type InvestorLimiter struct {
	mu       sync.Mutex
	perSec   rate.Limit
	burst    int
	visitors map[string]*limiterEntry
	now      func() time.Time
}

// NewInvestorLimiter returns nil when requestsPerSecond is not positive,
// which disables limiting.
func NewInvestorLimiter(requestsPerSecond float64, burst int) *InvestorLimiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &InvestorLimiter{
		perSec:   rate.Limit(requestsPerSecond),
		burst:    burst,
		visitors: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

// Allow consumes one token from key's bucket.
func (l *InvestorLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.visitors[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.perSec, l.burst)}
		l.visitors[key] = entry
		l.pruneLocked(now)
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *InvestorLimiter) pruneLocked(now time.Time) {
	for key, entry := range l.visitors {
		if now.Sub(entry.lastSeen) > limiterIdleTTL && !entry.lastSeen.IsZero() {
			delete(l.visitors, key)
		}
	}
}
