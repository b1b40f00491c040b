package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedis(client)
}

func TestRedisLock_ExclusiveUntilReleased(t *testing.T) {
	_, l := newTestLock(t)
	ctx := context.Background()
	key := MigrationKey("cat1")

	release, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, key, time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	// other categories are independent
	otherRelease, err := l.Acquire(ctx, MigrationKey("cat2"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, otherRelease(ctx))

	require.NoError(t, release(ctx))

	again, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedisLock_ExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	mr, l := newTestLock(t)
	ctx := context.Background()
	key := MigrationKey("cat1")

	staleRelease, err := l.Acquire(ctx, key, time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	freshRelease, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	require.NoError(t, staleRelease(ctx))
	require.True(t, mr.Exists(key), "the new holder keeps the lock")

	require.NoError(t, freshRelease(ctx))
	require.False(t, mr.Exists(key))
}

func TestRedisLock_ExpiryRefreshedWhileHeld(t *testing.T) {
	mr, l := newTestLock(t)
	ctx := context.Background()
	key := MigrationKey("cat1")
	ttl := 150 * time.Millisecond

	release, err := l.Acquire(ctx, key, ttl)
	require.NoError(t, err)

	// pretend most of the ttl has elapsed; the holder pushes it back
	mr.SetTTL(key, time.Millisecond)
	require.Eventually(t, func() bool { return mr.TTL(key) == ttl }, time.Second, 10*time.Millisecond)

	require.NoError(t, release(ctx))
	require.False(t, mr.Exists(key))

	// refreshing stops with the release
	require.NoError(t, mr.Set(key, "someone-else"))
	time.Sleep(2 * ttl)
	require.Equal(t, time.Duration(0), mr.TTL(key))
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), mr.Addr())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	mr.Close()
	_, err = NewClient(context.Background(), mr.Addr())
	require.Error(t, err)
}
