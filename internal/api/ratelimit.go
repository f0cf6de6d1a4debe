package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TenantLimiter is a token bucket per tenant. The key is the tenant only, so
// a tenant cannot bypass throttling by spreading requests over conversations.
type TenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*tenantBucket
	limit    rate.Limit
	burst    int
}

type tenantBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTenantLimiter allows perMinute requests per tenant per minute, with a
// burst of the same size. perMinute <= 0 disables limiting.
func NewTenantLimiter(perMinute int) *TenantLimiter {
	l := &TenantLimiter{
		limiters: make(map[string]*tenantBucket),
		limit:    rate.Inf,
	}
	if perMinute > 0 {
		l.limit = rate.Every(time.Minute / time.Duration(perMinute))
		l.burst = perMinute
	}
	return l
}

// Allow reports whether tenantID may make a request now.
func (l *TenantLimiter) Allow(tenantID string) bool {
	if l.limit == rate.Inf {
		return true
	}
	l.mu.Lock()
	b, ok := l.limiters[tenantID]
	if !ok {
		b = &tenantBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[tenantID] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

// Evict drops buckets idle for longer than idle and reports how many went.
func (l *TenantLimiter) Evict(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-idle)
	n := 0
	for tenantID, b := range l.limiters {
		if b.lastSeen.Before(cutoff) {
			delete(l.limiters, tenantID)
			n++
		}
	}
	return n
}

// Run evicts idle buckets every interval until ctx is done, preventing
// unbounded growth of the tenant map.
func (l *TenantLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Evict(interval)
		}
	}
}
