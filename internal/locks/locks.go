// Package locks provides distributed mutual exclusion backed by Redis.
// A lock is acquired atomically (set-if-absent with a TTL), stamped with the
// owning process instance, and released only by its owner. If the owner
// crashes the TTL expires the lock, so no manual cleanup is ever needed.
//
// Two implementations exist behind the Locker interface: a native
// owner-stamped lock on the Redis client, and a redsync-backed lock using the
// Redlock algorithm. Both are non-blocking: TryAcquire returns ErrLockHeld
// immediately when the lock is taken, and the caller decides how to wait.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tokenkeeper/internal/redis"

	"github.com/google/uuid"
)

// ErrLockHeld is returned by TryAcquire when another process holds the lock.
var ErrLockHeld = errors.New("lock already held by another process")

// ErrLockLost is returned by Extend when the lock expired and is no longer
// owned by this process.
var ErrLockLost = errors.New("lock no longer held by this process")

// Lock is a held distributed lock.
type Lock interface {
	// Key returns the lock's key in the coordination store.
	Key() string

	// Owner returns the owner stamp written into the lock value.
	Owner() string

	// Extend resets the lock's TTL if this process still owns it, so a long
	// critical section can outlive the initial TTL without losing the lock.
	// Returns ErrLockLost when the lock has expired from under the owner.
	Extend(ctx context.Context, ttl time.Duration) error

	// Release removes the lock if this process still owns it. Releasing a
	// lock that has expired and been re-acquired by another owner is a no-op.
	Release(ctx context.Context) error
}

// Locker acquires distributed locks.
type Locker interface {
	// TryAcquire attempts a single atomic acquisition of the lock with the
	// given TTL. Returns ErrLockHeld without blocking when the lock is taken.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// ownerLocker implements Locker on the Redis client using SET NX with an
// owner value and compare-and-delete release.
type ownerLocker struct {
	client     *redis.Client
	instanceID string
}

// NewOwnerLocker creates a Locker that stamps locks with
// "<instanceID>:<uuid>" so a stale lock can never be released by a process
// that no longer owns it.
func NewOwnerLocker(client *redis.Client, instanceID string) Locker {
	return &ownerLocker{
		client:     client,
		instanceID: instanceID,
	}
}

type ownerLock struct {
	client *redis.Client
	key    string
	owner  string
}

func (l *ownerLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lockKey := fmt.Sprintf("lock:%s", key)
	owner := fmt.Sprintf("%s:%s", l.instanceID, uuid.NewString())

	acquired, err := l.client.SetIfAbsent(ctx, lockKey, owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire distributed lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	return &ownerLock{
		client: l.client,
		key:    lockKey,
		owner:  owner,
	}, nil
}

func (l *ownerLock) Key() string {
	return l.key
}

func (l *ownerLock) Owner() string {
	return l.owner
}

func (l *ownerLock) Extend(ctx context.Context, ttl time.Duration) error {
	extended, err := l.client.ExtendIfOwner(ctx, l.key, l.owner, ttl)
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", l.key, err)
	}
	if !extended {
		return ErrLockLost
	}
	return nil
}

func (l *ownerLock) Release(ctx context.Context) error {
	_, err := l.client.DeleteIfOwner(ctx, l.key, l.owner)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}
