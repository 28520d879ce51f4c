// Package ratelimit throttles exchange submissions per tenant. A tenant's
// configured per-minute limit overrides the server default; the window is
// a fixed bucket so redis and in-memory limiters agree on reset times.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports whether one more exchange is admitted for the tenant.
type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects one exchange for a tenant.
type Limiter interface {
	AllowExchange(tenant string, limit int) Decision
}

// InMemoryLimiter is the single-process fallback when redis is absent.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]*tenantBucket
	now     func() time.Time
}

type tenantBucket struct {
	windowStart time.Time
	count       int
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		buckets: map[string]*tenantBucket{},
		now:     time.Now,
	}
}

func (l *InMemoryLimiter) AllowExchange(tenant string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now().UTC()
	windowStart := now.Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[tenant]
	if !ok || !b.windowStart.Equal(windowStart) {
		b = &tenantBucket{windowStart: windowStart}
		l.buckets[tenant] = b
		l.evictStaleLocked(windowStart)
	}
	b.count++
	return decisionFor(b.count, limit, windowStart.Add(l.window).Sub(now))
}

// evictStaleLocked drops buckets from earlier windows so idle tenants do
// not accumulate.
func (l *InMemoryLimiter) evictStaleLocked(current time.Time) {
	for tenant, b := range l.buckets {
		if b.windowStart.Before(current) {
			delete(l.buckets, tenant)
		}
	}
}

func decisionFor(count, limit int, untilReset time.Duration) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
	}
	if !d.Allowed {
		d.RetryAfter = untilReset
	}
	return d
}

// LimitFor resolves the effective per-minute limit: the tenant's own
// configured limit when present, the server default otherwise.
func LimitFor(tenantLimit *int, serverDefault int) int {
	if tenantLimit != nil && *tenantLimit > 0 {
		return *tenantLimit
	}
	return serverDefault
}
