package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// UpgradeLockKey builds the redis key guarding logic upgrades of a vault.
func UpgradeLockKey(asset string) string {
	return fmt.Sprintf("vault:%s:upgrade:lock", asset)
}

// JobLockKey builds the redis key guarding a periodic job.
func JobLockKey(job string) string {
	return fmt.Sprintf("vault:job:%s:lock", job)
}

// Locker hands out short lived redis locks.
type Locker struct {
	client *redis.Client
}

// NewLocker constructs a Locker.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

var releaseScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`)

// Acquire takes key for ttl. The returned release only deletes the key while
// this holder still owns it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
