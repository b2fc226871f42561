package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by Acquire when another holder owns the key.
var ErrLockHeld = errors.New("redisx: lock held")

// unlockLua deletes the key only while it still carries the holder's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Locker hands out TTL-bounded locks with SETNX.
type Locker struct {
	rdb    *redis.Client
	unlock *redis.Script
}

func NewLocker(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb, unlock: redis.NewScript(unlockLua)}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire takes key for ttl. The returned release func may be called more
// than once and uses its own short deadline.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redisx: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlock.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
	}, nil
}
