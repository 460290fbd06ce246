package entitlements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const snapshotKeyPrefix = "entitlements:snapshot:"

// SnapshotCache is a short-lived read-through cache for UI status reads.
// It is never consulted for access decisions.
type SnapshotCache interface {
	Get(ctx context.Context, tenantID uint) (*Snapshot, bool)
	Set(ctx context.Context, snap Snapshot)
	Invalidate(ctx context.Context, tenantID uint)
}

// RedisSnapshotCache stores JSON snapshots in Redis with a fixed TTL.
type RedisSnapshotCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisSnapshotCache(client redis.Cmdable, ttl time.Duration) *RedisSnapshotCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisSnapshotCache{client: client, ttl: ttl}
}

func snapshotKey(tenantID uint) string {
	return fmt.Sprintf("%s%d", snapshotKeyPrefix, tenantID)
}

func (c *RedisSnapshotCache) Get(ctx context.Context, tenantID uint) (*Snapshot, bool) {
	raw, err := c.client.Get(ctx, snapshotKey(tenantID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warnf("[Entitlements] cache read failed for tenant %d: %v", tenantID, err)
		}
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		log.Warnf("[Entitlements] dropping corrupt cache entry for tenant %d: %v", tenantID, err)
		c.Invalidate(ctx, tenantID)
		return nil, false
	}
	return &snap, true
}

func (c *RedisSnapshotCache) Set(ctx context.Context, snap Snapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, snapshotKey(snap.TenantID), raw, c.ttl).Err(); err != nil {
		log.Warnf("[Entitlements] cache write failed for tenant %d: %v", snap.TenantID, err)
	}
}

func (c *RedisSnapshotCache) Invalidate(ctx context.Context, tenantID uint) {
	if err := c.client.Del(ctx, snapshotKey(tenantID)).Err(); err != nil {
		log.Warnf("[Entitlements] cache invalidate failed for tenant %d: %v", tenantID, err)
	}
}

// NopSnapshotCache disables caching.
type NopSnapshotCache struct{}

func (NopSnapshotCache) Get(context.Context, uint) (*Snapshot, bool) { return nil, false }
func (NopSnapshotCache) Set(context.Context, Snapshot) {}
func (NopSnapshotCache) Invalidate(context.Context, uint) {}
