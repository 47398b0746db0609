package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLocker(t *testing.T, ttl time.Duration) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})
	return NewLocker(rdb, ttl), s
}

func TestLocker_SecondAcquireIsRejected(t *testing.T) {
	l, _ := newLocker(t, time.Minute)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "ann@example.com")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := l.Acquire(ctx, "ANN@example.com"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}

	release()

	release2, err := l.Acquire(ctx, "ann@example.com")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestLocker_ExpiresAfterTTL(t *testing.T) {
	l, s := newLocker(t, time.Second)
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "bob@example.com"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	s.FastForward(2 * time.Second)

	release, err := l.Acquire(ctx, "bob@example.com")
	if err != nil {
		t.Fatalf("expected lock to expire, got %v", err)
	}
	release()
}

func TestLocker_StaleReleaseKeepsNewOwner(t *testing.T) {
	l, s := newLocker(t, time.Second)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "cy@example.com")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	s.FastForward(2 * time.Second)

	if _, err := l.Acquire(ctx, "cy@example.com"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	stale()

	if _, err := l.Acquire(ctx, "cy@example.com"); !errors.Is(err, ErrHeld) {
		t.Fatalf("stale release must not drop the new owner, got %v", err)
	}
}

func TestLocker_NilIsNoop(t *testing.T) {
	var l *Locker
	release, err := l.Acquire(context.Background(), "x")
	if err != nil {
		t.Fatalf("nil locker: %v", err)
	}
	release()
}
