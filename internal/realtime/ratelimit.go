package realtime

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRateLimited rejects a connection attempt without dropping anything else
// the caller has open.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter bounds connection attempts per originating address using a
// sliding window over a Redis sorted set, so the limit holds across window
// boundaries instead of resetting on them. Fails open when Redis is
// unreachable so an infra outage never locks users out.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	prefix string

	now func() time.Time
}

func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		prefix: "connlimit",
		now:    time.Now,
	}
}

// Allow reports whether another attempt from addr fits inside the trailing
// window. Each admitted attempt is scored by its timestamp; attempts older
// than the window are pruned before counting.
func (l *RateLimiter) Allow(ctx context.Context, addr string) bool {
	if l.rdb == nil {
		return true
	}

	key := l.prefix + ":" + clientIP(addr)
	now := l.now()
	cutoff := now.Add(-l.window).UnixNano()

	if err := l.rdb.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return true
	}
	count, err := l.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return true
	}
	if count >= int64(l.limit) {
		return false
	}

	pipe := l.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score: float64(now.UnixNano()),
		// Timestamps collide under burst traffic; the uuid keeps every
		// attempt a distinct member.
		Member: strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.New().String(),
	})
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true
	}
	return true
}

func clientIP(addr string) string {
	// Strip the port from host:port remote addresses.
	if i := strings.LastIndexByte(addr, ':'); i > 0 && !strings.Contains(addr[i:], "]") {
		return addr[:i]
	}
	return addr
}
