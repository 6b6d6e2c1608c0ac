// Package lock implements the Redis run lock that keeps two pipeline runs from
// enriching the same store at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned by Acquire when another run owns the lock.
var ErrHeld = errors.New("run lock is held by another run")

// Release deletes the key only if it still holds our token, so an expired lock taken
// over by another run is left alone.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLock struct {
	rdb redis.Cmdable
	key string
	ttl time.Duration
}

func New(rdb redis.Cmdable, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{rdb: rdb, key: key, ttl: ttl}
}

// Acquire takes the lock with SETNX and returns a function that releases it.
func (l *RedisLock) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx %s: %w", l.key, err)
	}
	if !ok {
		owner, _ := l.rdb.Get(ctx, l.key).Result()
		return nil, fmt.Errorf("%w (key=%s owner=%s)", ErrHeld, l.key, owner)
	}
	return func(ctx context.Context) error {
		if err := release.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("release %s: %w", l.key, err)
		}
		return nil
	}, nil
}
