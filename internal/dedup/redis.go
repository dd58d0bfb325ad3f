package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	admitKeyPrefix = "salonpipe:dedup:"
	assocKeyPrefix = "salonpipe:assoc:"
	// assocTTL keeps associations for customers who went quiet from piling up.
	assocTTL = 30 * 24 * time.Hour
)

// RedisCache shares admission state across processes. Expiry is delegated to
// Redis, so no sweeper is needed and capacity is bounded by the TTL alone.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a Redis-backed admission cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Admit(ctx context.Context, messageID string) (Admission, error) {
	ok, err := c.client.SetNX(ctx, admitKeyPrefix+messageID, time.Now().Unix(), c.ttl).Result()
	if err != nil {
		return Admitted, fmt.Errorf("dedup admit failed: %w", err)
	}
	if !ok {
		return Duplicate, nil
	}
	return Admitted, nil
}

func (c *RedisCache) Associate(ctx context.Context, customerPhone, businessPhone string) error {
	if err := c.client.Set(ctx, assocKeyPrefix+customerPhone, businessPhone, assocTTL).Err(); err != nil {
		return fmt.Errorf("dedup associate failed: %w", err)
	}
	return nil
}

func (c *RedisCache) LookupBusiness(ctx context.Context, customerPhone string) (string, bool, error) {
	v, err := c.client.Get(ctx, assocKeyPrefix+customerPhone).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup failed: %w", err)
	}
	return v, true, nil
}
