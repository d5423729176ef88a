package runlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLockExclusive(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	first := New(client, time.Minute)
	if err := first.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	second := New(client, time.Minute)
	if err := second.Acquire(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := second.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestReleaseOnlyOwnLock(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	stale := New(client, time.Minute)
	if err := stale.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Simulate the stale holder's lock expiring and another run taking over.
	mr.FastForward(2 * time.Minute)
	current := New(client, time.Minute)
	if err := current.Acquire(ctx); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}

	// The stale holder must not delete the new holder's lock.
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	another := New(client, time.Minute)
	if err := another.Acquire(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected current lock intact, got %v", err)
	}
}

func TestSharedLockConcurrentCycles(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	// One Lock instance shared by many goroutines, as the HTTP trigger
	// handler does. After all cycles finish the lock must be free, not
	// stranded until TTL.
	shared := New(client, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if err := shared.Acquire(ctx); err != nil {
					if errors.Is(err, ErrLockHeld) {
						continue
					}
					t.Errorf("acquire: %v", err)
					return
				}
				if err := shared.Release(ctx); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if mr.Exists("dispatch:run-lock") {
		t.Fatal("expected lock released after all cycles")
	}
	fresh := New(client, time.Minute)
	if err := fresh.Acquire(ctx); err != nil {
		t.Fatalf("expected lock acquirable after cycles, got %v", err)
	}
}
