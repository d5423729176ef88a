// Package runlock bounds overlap between dispatcher runs with a Redis
// SET NX EX mutex. The claim transition in the store is the per-record
// safety net; this lock just keeps overlapping triggers from racing through
// the same batch.
package runlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld means another dispatcher run currently holds the lock.
var ErrLockHeld = errors.New("dispatch run lock held by another instance")

const lockKey = "dispatch:run-lock"

// Lock is a single-holder mutex with an expiry so a crashed holder cannot
// block dispatch forever. One Lock may be shared by concurrent handler
// goroutines, so the holder value is guarded by mu.
type Lock struct {
	client *redis.Client
	ttl    time.Duration

	mu    sync.Mutex
	value string
}

func New(client *redis.Client, ttl time.Duration) *Lock {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &Lock{client: client, ttl: ttl}
}

// Acquire takes the lock or returns ErrLockHeld. The stored value identifies
// this holder so Release cannot delete a lock that expired and was retaken.
func (l *Lock) Acquire(ctx context.Context) error {
	value := uuid.New().String()
	ok, err := l.client.SetNX(ctx, lockKey, value, l.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	l.mu.Lock()
	l.value = value
	l.mu.Unlock()
	return nil
}

// Release drops the lock if this instance still holds it.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	value := l.value
	l.value = ""
	l.mu.Unlock()
	if value == "" {
		return nil
	}
	err := releaseScript.Run(ctx, l.client, []string{lockKey}, value).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
