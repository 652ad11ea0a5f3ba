package http

import (
	"sync"

	"golang.org/x/time/rate"
)

// Pairing-code claims are guesses against a finite code space, so each
// tenant gets a small token bucket.
const (
	claimRatePerMin = 30
	claimBurst      = 10
)

// claimLimiter throttles pairing-code claim attempts per tenant.
type claimLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newClaimLimiter() *claimLimiter {
	return &claimLimiter{buckets: make(map[string]*rate.Limiter)}
}

// allow reports whether tenantID may attempt another claim now.
func (l *claimLimiter) allow(tenantID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[tenantID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(claimRatePerMin)/60, claimBurst)
		l.buckets[tenantID] = b
	}
	return b.Allow()
}
