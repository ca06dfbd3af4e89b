// Package lock implements Redis-backed mutual exclusion with fenced
// release. A lock transitions Unowned -> Owned(holder, expiresAt) -> Unowned
// via release or TTL expiry; there are no renewals.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("lock: not acquired")

// releaseScript deletes the lock only while the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker acquires and releases named locks on a Redis backend.
type Locker struct {
	client redis.UniversalClient
}

// New creates a Locker on the given client.
func New(client redis.UniversalClient) *Locker {
	return &Locker{client: client}
}

// Acquire attempts a "set if absent with expiry" on key and returns the
// unique holder value on success, ErrNotAcquired on contention.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	value := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return value, nil
}

// AcquireWithRetry retries Acquire up to maxRetries times, sleeping delay
// between attempts.
func (l *Locker) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, delay time.Duration) (string, error) {
	for attempt := 0; ; attempt++ {
		value, err := l.Acquire(ctx, key, ttl)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotAcquired) || attempt >= maxRetries {
			return "", err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Release deletes the lock only if value still matches the stored holder.
// Releasing an expired or re-acquired lock is a no-op.
func (l *Locker) Release(ctx context.Context, key, value string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key}, value).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	return nil
}

// WithLock runs fn while holding key, releasing on every exit path.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	value, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so a cancelled request still unlocks.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx, key, value)
	}()
	return fn(ctx)
}
