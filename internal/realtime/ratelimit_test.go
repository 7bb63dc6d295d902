package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRateLimiter(rdb, limit, window), mr
}

func TestAllowCapsAttemptsInWindow(t *testing.T) {
	limiter, _ := newTestLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if !limiter.Allow(ctx, "10.0.0.1:1234") {
			t.Fatalf("attempt %d should be admitted", i+1)
		}
	}
	if limiter.Allow(ctx, "10.0.0.1:1234") {
		t.Error("attempt past the limit must be denied")
	}
}

func TestAllowSlidesAcrossWindowBoundary(t *testing.T) {
	limiter, _ := newTestLimiter(t, 5, time.Minute)
	ctx := context.Background()

	base := time.Now()
	limiter.now = func() time.Time { return base }
	for i := 0; i < 5; i++ {
		if !limiter.Allow(ctx, "10.0.0.1:1234") {
			t.Fatalf("attempt %d should be admitted", i+1)
		}
	}

	// Half a window later the earlier attempts still count, so a fresh burst
	// cannot double the admitted rate the way a window reset would.
	limiter.now = func() time.Time { return base.Add(35 * time.Second) }
	if limiter.Allow(ctx, "10.0.0.1:1234") {
		t.Error("attempts inside the trailing window must still be denied")
	}

	// Once the original burst ages out, attempts are admitted again.
	limiter.now = func() time.Time { return base.Add(61 * time.Second) }
	if !limiter.Allow(ctx, "10.0.0.1:1234") {
		t.Error("expected admission after the burst left the window")
	}
}

func TestAllowIsolatesClients(t *testing.T) {
	limiter, _ := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, "10.0.0.1:1")
	limiter.Allow(ctx, "10.0.0.1:2")

	// Same host, different port: one bucket.
	if limiter.Allow(ctx, "10.0.0.1:3") {
		t.Error("expected denial, the port must not split the bucket")
	}
	if !limiter.Allow(ctx, "10.0.0.2:1") {
		t.Error("a different host must have its own budget")
	}
}

func TestAllowFailsOpen(t *testing.T) {
	limiter, mr := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	mr.Close()
	if !limiter.Allow(ctx, "10.0.0.1:1") {
		t.Error("an unreachable redis must not lock clients out")
	}

	if !NewRateLimiter(nil, 1, time.Minute).Allow(ctx, "10.0.0.1:1") {
		t.Error("a nil client must admit everything")
	}
}
