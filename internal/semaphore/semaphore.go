// Package semaphore caps simultaneous in-flight uploads per scope using a
// Redis sorted set. Members are opaque tokens, scores are expiry times, so
// slots abandoned by a killed worker expire on their own.
package semaphore

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Semaphore is a distributed, TTL-bounded counting semaphore.
type Semaphore struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Semaphore {
	return &Semaphore{client: client, ttl: ttl}
}

// Acquire tries to take a slot under key with the given limit. It returns
// the slot token when a slot was free, or ok=false when the scope is at its
// limit. Purge-count-insert runs as one script so two callers can never both
// observe a free slot and exceed the cap.
//
// Any Redis error fails closed: a rate-limit violation at the provider is
// worse than a delayed job.
func (s *Semaphore) Acquire(ctx context.Context, key string, limit int) (token string, ok bool, err error) {
	token = uuid.New().String()
	now := time.Now()
	res, err := acquireScript.Run(ctx, s.client, []string{key},
		token, now.UnixMilli(), now.Add(s.ttl).UnixMilli(), limit).Result()
	if err != nil {
		return "", false, err
	}
	granted, _ := res.(int64)
	if granted != 1 {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the slot held by token. Releasing an expired or unknown
// token is a no-op.
func (s *Semaphore) Release(ctx context.Context, key, token string) error {
	return s.client.ZRem(ctx, key, token).Err()
}

// Held returns the number of live slots in the scope, purging expired ones.
func (s *Semaphore) Held(ctx context.Context, key string) (int64, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", now).Err(); err != nil {
		return 0, err
	}
	return s.client.ZCard(ctx, key).Result()
}

// SiteScope keys the per-(tenant, provider) limit.
func SiteScope(siteID, providerKey string) string {
	return "sem:site:" + siteID + ":" + providerKey
}

// ProviderScope keys the global per-provider limit.
func ProviderScope(providerKey string) string {
	return "sem:provider:" + providerKey
}

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]
local now = tonumber(ARGV[2])
local expiry = ARGV[3]
local limit = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
if redis.call('ZCARD', key) < limit then
  redis.call('ZADD', key, expiry, token)
  return 1
end
return 0
`)
