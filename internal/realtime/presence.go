package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceMirror keeps a durable copy of presence state in Redis. Local maps
// stay canonical for this instance; the mirror exists for recovery and for
// other instances to read.
type PresenceMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewPresenceMirror(rdb *redis.Client, ttl time.Duration) *PresenceMirror {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PresenceMirror{rdb: rdb, ttl: ttl}
}

func (m *PresenceMirror) key(userID string) string {
	return fmt.Sprintf("presence:user:%s", userID)
}

func (m *PresenceMirror) MarkOnline(ctx context.Context, userID, connID string) error {
	if m == nil || m.rdb == nil {
		return nil
	}
	pipe := m.rdb.Pipeline()
	pipe.SAdd(ctx, m.key(userID), connID)
	pipe.Expire(ctx, m.key(userID), m.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (m *PresenceMirror) MarkOffline(ctx context.Context, userID, connID string) error {
	if m == nil || m.rdb == nil {
		return nil
	}
	return m.rdb.SRem(ctx, m.key(userID), connID).Err()
}

// Refresh extends the mirror's TTL; called from heartbeats.
func (m *PresenceMirror) Refresh(ctx context.Context, userID string) error {
	if m == nil || m.rdb == nil {
		return nil
	}
	return m.rdb.Expire(ctx, m.key(userID), m.ttl).Err()
}

// Online answers presence across instances from the mirror.
func (m *PresenceMirror) Online(ctx context.Context, userID string) (bool, error) {
	if m == nil || m.rdb == nil {
		return false, nil
	}
	n, err := m.rdb.SCard(ctx, m.key(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
