// Package cronlock prevents overlapping scheduled invocations of the same
// periodic job. The lock is a short-TTL Redis key; a holder that dies simply
// lets it expire.
package cronlock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a single-holder distributed lock.
type Lock struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Lock {
	return &Lock{client: client, ttl: ttl}
}

// Acquire takes the named lock. ok=false means another invocation holds it
// and the caller should treat this trigger as a no-op. Errors fail closed.
func (l *Lock) Acquire(ctx context.Context, name string) (owner string, ok bool, err error) {
	owner = uuid.New().String()
	ok, err = l.client.SetNX(ctx, key(name), owner, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return owner, true, nil
}

// Release frees the lock only if owner still holds it; a lock that already
// expired and was re-acquired by someone else is left alone.
func (l *Lock) Release(ctx context.Context, name, owner string) error {
	return releaseScript.Run(ctx, l.client, []string{key(name)}, owner).Err()
}

func key(name string) string {
	return "cronlock:" + name
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
