package ratelimit

import (
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryAdmitsUpToTenantLimit(t *testing.T) {
	l := NewInMemory(time.Minute)
	for i := 0; i < 3; i++ {
		if d := l.AllowExchange("acme", 3); !d.Allowed {
			t.Fatalf("request %d should be admitted: %+v", i+1, d)
		}
	}
	d := l.AllowExchange("acme", 3)
	if d.Allowed {
		t.Fatalf("4th exchange must be rejected: %+v", d)
	}
	if d.Remaining != 0 || d.Count != 4 {
		t.Fatalf("decision = %+v", d)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("retry after = %v", d.RetryAfter)
	}
}

func TestInMemoryTenantsAreIndependent(t *testing.T) {
	l := NewInMemory(time.Minute)
	for i := 0; i < 2; i++ {
		l.AllowExchange("acme", 2)
	}
	if d := l.AllowExchange("acme", 2); d.Allowed {
		t.Fatal("acme should be exhausted")
	}
	if d := l.AllowExchange("globex", 2); !d.Allowed {
		t.Fatalf("globex must not share acme's bucket: %+v", d)
	}
}

func TestInMemoryWindowRollover(t *testing.T) {
	l := NewInMemory(time.Minute)
	current := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	l.now = func() time.Time { return current }

	l.AllowExchange("acme", 1)
	if d := l.AllowExchange("acme", 1); d.Allowed {
		t.Fatal("window should be exhausted")
	}
	current = current.Add(time.Minute)
	if d := l.AllowExchange("acme", 1); !d.Allowed {
		t.Fatalf("new window must reset the count: %+v", d)
	}
}

func TestInMemoryEvictsStaleTenants(t *testing.T) {
	l := NewInMemory(time.Minute)
	current := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	l.now = func() time.Time { return current }

	l.AllowExchange("acme", 10)
	current = current.Add(2 * time.Minute)
	l.AllowExchange("globex", 10)

	l.mu.Lock()
	_, staleKept := l.buckets["acme"]
	l.mu.Unlock()
	if staleKept {
		t.Fatal("stale tenant bucket must be evicted on rollover")
	}
}

func TestLimitForPrefersTenantOverride(t *testing.T) {
	override := 10
	if got := LimitFor(&override, 240); got != 10 {
		t.Fatalf("limit = %d", got)
	}
	zero := 0
	if got := LimitFor(&zero, 240); got != 240 {
		t.Fatalf("non-positive override must fall back: %d", got)
	}
	if got := LimitFor(nil, 240); got != 240 {
		t.Fatalf("limit = %d", got)
	}
}

func TestRedisLimiterCountsPerTenantWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedis(client, time.Minute)
	fixed := time.Date(2026, 1, 2, 3, 4, 30, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	if d := l.AllowExchange("acme", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("first = %+v", d)
	}
	if d := l.AllowExchange("acme", 2); !d.Allowed || d.Count != 2 {
		t.Fatalf("second = %+v", d)
	}
	d := l.AllowExchange("acme", 2)
	if d.Allowed {
		t.Fatalf("third must be rejected: %+v", d)
	}
	if d.RetryAfter != 30*time.Second {
		t.Fatalf("retry after = %v, want 30s to window end", d.RetryAfter)
	}
	if d := l.AllowExchange("globex", 2); !d.Allowed {
		t.Fatalf("other tenant must have its own key: %+v", d)
	}

	// The bucket key encodes the window start and carries a bounded TTL.
	key := "signet:rl:exchange:acme:" + windowStartUnix(fixed, time.Minute)
	if !mr.Exists(key) {
		t.Fatalf("expected bucket key %s", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > 2*time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestRedisLimiterFallsBackWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	l := NewRedis(client, time.Minute)
	l.AllowExchange("acme", 1)
	if d := l.AllowExchange("acme", 1); d.Allowed {
		t.Fatalf("fallback limiter must still enforce the limit: %+v", d)
	}
}

func TestRedisLimiterNilClientUsesFallback(t *testing.T) {
	l := NewRedis(nil, time.Minute)
	if d := l.AllowExchange("acme", 1); !d.Allowed {
		t.Fatalf("decision = %+v", d)
	}
	if d := l.AllowExchange("acme", 1); d.Allowed {
		t.Fatal("fallback must enforce the limit")
	}
}

func windowStartUnix(now time.Time, window time.Duration) string {
	return strconv.FormatInt(now.UTC().Truncate(window).Unix(), 10)
}
