package scheduler

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tableside/internal/repo"
)

// ErrLockHeld is returned while any run, local or remote, holds the lock.
var ErrLockHeld = errors.New("lock held by another run")

// Locker provides cross-instance mutual exclusion for sweeps. Lock is not
// reentrant: every successful call returns a fresh token, and Unlock releases
// the lock only while that token still holds it.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, name, token string) error
}

// NewOwnerID identifies this process as a lock holder.
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "tableside"
	}
	return host + "-" + uuid.NewString()
}

func newToken(owner string) string {
	return owner + "/" + uuid.NewString()
}

// StoreLocker keeps leases in the shared session store.
type StoreLocker struct {
	Repo  repo.Repo
	Owner string
	Now   func() time.Time
}

func (l StoreLocker) Lock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	if l.Now != nil {
		now = l.Now().UTC()
	}
	token := newToken(l.Owner)
	ok, err := l.Repo.AcquireLease(ctx, name, token, now, ttl)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

func (l StoreLocker) Unlock(ctx context.Context, name, token string) error {
	return l.Repo.ReleaseLease(ctx, name, token)
}

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker holds locks as expiring redis keys.
type RedisLocker struct {
	Client *redis.Client
	Prefix string
	Owner  string
}

func (l RedisLocker) key(name string) string {
	return l.Prefix + name
}

func (l RedisLocker) Lock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := newToken(l.Owner)
	ok, err := l.Client.SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

func (l RedisLocker) Unlock(ctx context.Context, name, token string) error {
	return unlockScript.Run(ctx, l.Client, []string{l.key(name)}, token).Err()
}
