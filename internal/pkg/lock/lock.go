// Package lock provides short-lived Redis locks keyed by an arbitrary string.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "inkwell:lock:"

// ErrHeld is returned when another holder owns the lock.
var ErrHeld = errors.New("lock held")

// Only the owner's token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out locks that expire after ttl even if never released.
type Locker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewLocker(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{rdb: rdb, ttl: ttl}
}

// Acquire takes the lock for name and returns its release func. A nil
// Locker always succeeds.
func (l *Locker) Acquire(ctx context.Context, name string) (func(), error) {
	if l == nil || l.rdb == nil || name == "" {
		return func() {}, nil
	}
	key := keyPrefix + hashName(name)
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock setnx: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
	}, nil
}

func hashName(name string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(name)))
	return hex.EncodeToString(sum[:])
}
