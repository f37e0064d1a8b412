package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"record-sync-engine/internal/models"
)

// Claims performs delivery-level deduplication: each operation id may be
// claimed exactly once within the TTL window.
type Claims struct {
	client *redis.Client
	ttl    time.Duration
}

// NewClaims builds a claim store. ttl bounds how long a claim blocks
// duplicate deliveries (24h in production).
func NewClaims(client *redis.Client, ttl time.Duration) *Claims {
	return &Claims{client: client, ttl: ttl}
}

// Claim atomically records the operation id if absent. Returns true when the
// caller won the claim and should proceed, false when the delivery was
// already seen. An empty operation id always claims; it means "don't dedup".
func (c *Claims) Claim(ctx context.Context, operationID string) (bool, error) {
	if operationID == "" {
		return true, nil
	}
	ok, err := c.client.SetNX(ctx, claimKey(operationID), "1", c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim operation %s: %w", operationID, err)
	}
	return ok, nil
}

func claimKey(operationID string) string {
	return "sync:claim:" + operationID
}

// TripleLock serializes workers on one sync relationship so two deliveries
// for the same triple cannot interleave their fetch-decide-apply sequences.
type TripleLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTripleLock builds the lock helper. ttl is the lease duration; a crashed
// holder's lock expires on its own.
func NewTripleLock(client *redis.Client, ttl time.Duration) *TripleLock {
	return &TripleLock{client: client, ttl: ttl}
}

// Acquire tries to take the lock for the triple with the caller's token.
// false with nil error means the lock is held elsewhere.
func (l *TripleLock) Acquire(ctx context.Context, t models.Triple, token string) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey(t), token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", t, err)
	}
	return ok, nil
}

// Release drops the lock only if the token still owns it.
func (l *TripleLock) Release(ctx context.Context, t models.Triple, token string) error {
	if err := unlockScript.Run(ctx, l.client, []string{lockKey(t)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", t, err)
	}
	return nil
}

func lockKey(t models.Triple) string {
	return fmt.Sprintf("sync:lock:%s:%s:%s", t.EntityID, t.Source, t.Target)
}

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
