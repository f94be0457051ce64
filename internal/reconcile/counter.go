package reconcile

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Counter is the fast-path billable-event count: cheap to read on the hot
// path, allowed to drift, corrected by reconciliation against the ledger.
type Counter interface {
	Get(ctx context.Context, siteID, period string) (int64, error)
	Set(ctx context.Context, siteID, period string, value int64) error
	Incr(ctx context.Context, siteID, period string) error
}

// RedisCounter keeps one key per (site, period). A missing key reads as 0.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Get(ctx context.Context, siteID, period string) (int64, error) {
	v, err := c.client.Get(ctx, counterKey(siteID, period)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (c *RedisCounter) Set(ctx context.Context, siteID, period string, value int64) error {
	return c.client.Set(ctx, counterKey(siteID, period), value, 0).Err()
}

func (c *RedisCounter) Incr(ctx context.Context, siteID, period string) error {
	return c.client.Incr(ctx, counterKey(siteID, period)).Err()
}

func counterKey(siteID, period string) string {
	return "usage:" + siteID + ":" + period
}
