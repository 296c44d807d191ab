package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"tokenkeeper/internal/redis"
)

// RedsyncLocker implements Locker using the Redlock algorithm from
// go-redsync/redsync/v4. Redsync stamps each mutex with a random value and
// checks it on unlock, which gives the same owner-only release guarantee as
// the native implementation.
type RedsyncLocker struct {
	redsync *redsync.Redsync
}

// NewRedsyncLocker creates a Redlock-based Locker on the given Redis client.
func NewRedsyncLocker(client *redis.Client) (*RedsyncLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	pool := goredis.NewPool(client.GetGoRedisClient())

	return &RedsyncLocker{
		redsync: redsync.New(pool),
	}, nil
}

type redsyncLock struct {
	mutex *redsync.Mutex
	key   string
}

func (l *RedsyncLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lockKey := fmt.Sprintf("lock:%s", key)

	mutex := l.redsync.NewMutex(lockKey,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.TryLockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// A single-try failure means another process holds the mutex
		return nil, ErrLockHeld
	}

	return &redsyncLock{
		mutex: mutex,
		key:   lockKey,
	}, nil
}

func (l *redsyncLock) Key() string {
	return l.key
}

func (l *redsyncLock) Owner() string {
	return l.mutex.Value()
}

func (l *redsyncLock) Extend(ctx context.Context, ttl time.Duration) error {
	// Redsync extends by the mutex's configured expiry, which equals the
	// TTL the lock was acquired with
	ok, err := l.mutex.ExtendContext(ctx)
	if err != nil || !ok {
		return ErrLockLost
	}
	return nil
}

func (l *redsyncLock) Release(ctx context.Context) error {
	// UnlockContext verifies the stored value, so an expired and re-acquired
	// lock is never deleted from under its new owner
	ok, err := l.mutex.UnlockContext(ctx)
	if errors.Is(err, redsync.ErrLockAlreadyExpired) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if !ok {
		// Already expired; nothing to release
		return nil
	}
	return nil
}
