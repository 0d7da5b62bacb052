package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "esocialgw:lock:"

// Both scripts act only while the key still holds the caller's token, so a
// holder whose TTL lapsed cannot touch the next holder's lease.
const (
	lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
	lockExtendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
)

var (
	ErrLockHeld = errors.New("lock_held")
	ErrLockLost = errors.New("lock_lost")
)

// Lease is a held lock.
type Lease interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out single-holder leases on Redis keys.
type Locker struct {
	client  *redis.Client
	release *redis.Script
	extend  *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(lockReleaseScript),
		extend:  redis.NewScript(lockExtendScript),
	}
}

// Acquire takes the named lock for ttl. It returns ErrLockHeld when another
// holder owns it.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("lock client not configured")
	}
	if name == "" {
		return nil, errors.New("lock name is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	lease := &redisLease{
		locker: l,
		key:    lockKeyPrefix + name,
		token:  ulid.Make().String(),
	}
	ok, err := l.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return lease, nil
}

type redisLease struct {
	locker *Locker
	key    string
	token  string
}

func (l *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := l.locker.extend.Run(ctx, l.locker.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	return l.locker.release.Run(ctx, l.locker.client, []string{l.key}, l.token).Err()
}
