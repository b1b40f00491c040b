// Package lock provides the optional cross-process lock that serialises cost
// migrations of the same category.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("lock: already held")

// ReleaseFunc gives a lock back.
type ReleaseFunc func(ctx context.Context) error

// releaseScript deletes the key only when it still carries our token, so an
// expired lock taken over by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the key's expiry only while it still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// MigrationKey builds the redis key guarding migrations of one category.
func MigrationKey(categoryID string) string {
	return fmt.Sprintf("cost:migration:category:%s:lock", categoryID)
}

// NewClient creates a Redis client and checks connectivity.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock: ping: %w", err)
	}

	return client, nil
}

// Redis is a single-instance SET NX PX lock.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps a redis client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Acquire takes key with the given ttl. While held, the expiry is pushed back
// to ttl every ttl/3, so a holder that outlives ttl keeps the lock until it
// releases it or stops refreshing (process gone, or the key was taken over).
func (l *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go l.keepAlive(context.WithoutCancel(ctx), key, token, ttl, done, stopped)

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() { close(done) })
		<-stopped
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("lock: release %s: %w", key, err)
		}
		return nil
	}, nil
}

func (l *Redis) keepAlive(ctx context.Context, key, token string, ttl time.Duration, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	interval := ttl / 3
	if interval <= 0 {
		// no expiry to extend
		<-done
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, interval)
			held, err := refreshScript.Run(refreshCtx, l.client, []string{key}, token, ttl.Milliseconds()).Int()
			cancel()
			if err == nil && held == 0 {
				// expired and possibly taken over; nothing left to extend
				return
			}
		}
	}
}
