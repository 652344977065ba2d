package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	locker, err := NewRedisLocker("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create redis locker: %v", err)
	}
	return locker, s
}

func TestNewRedisLocker(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	locker, err := NewRedisLocker("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewRedisLocker failed: %v", err)
	}
	defer locker.Close()

	ctx := context.Background()
	if err := locker.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestTryAcquireAndRelease(t *testing.T) {
	locker, s := setupTestLocker(t)
	defer locker.Close()
	defer s.Close()

	ctx := context.Background()

	release, acquired, err := locker.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !acquired {
		t.Fatal("expected to acquire the lock")
	}

	release()

	// After release the lock should be available again.
	release2, acquired2, err := locker.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire after release failed: %v", err)
	}
	if !acquired2 {
		t.Fatal("expected to re-acquire after release")
	}
	release2()
}

func TestTryAcquireContention(t *testing.T) {
	locker, s := setupTestLocker(t)
	defer locker.Close()
	defer s.Close()

	ctx := context.Background()

	release, acquired, err := locker.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !acquired {
		t.Fatal("expected to acquire the lock")
	}
	defer release()

	// Second acquirer must be turned away without blocking.
	_, acquired2, err := locker.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("second TryAcquire failed: %v", err)
	}
	if acquired2 {
		t.Error("expected contention, but second acquire succeeded")
	}
}

func TestLockExpiresAfterTTL(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	locker, err := NewRedisLocker("redis://"+s.Addr(), time.Second)
	if err != nil {
		t.Fatalf("NewRedisLocker failed: %v", err)
	}
	defer locker.Close()

	ctx := context.Background()

	_, acquired, err := locker.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !acquired {
		t.Fatal("expected to acquire the lock")
	}

	// Fast-forward past the TTL; a crashed holder must not wedge publishing.
	s.FastForward(2 * time.Second)

	release2, acquired2, err := locker.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire after expiry failed: %v", err)
	}
	if !acquired2 {
		t.Fatal("expected to acquire after TTL expiry")
	}
	release2()
}

func TestReleaseDoesNotClobberNewHolder(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	locker, err := NewRedisLocker("redis://"+s.Addr(), time.Second)
	if err != nil {
		t.Fatalf("NewRedisLocker failed: %v", err)
	}
	defer locker.Close()

	ctx := context.Background()

	releaseOld, acquired, err := locker.TryAcquire(ctx)
	if err != nil || !acquired {
		t.Fatalf("TryAcquire failed: acquired=%v err=%v", acquired, err)
	}

	// Old holder's lock expires and a new holder takes over.
	s.FastForward(2 * time.Second)
	releaseNew, acquired2, err := locker.TryAcquire(ctx)
	if err != nil || !acquired2 {
		t.Fatalf("second TryAcquire failed: acquired=%v err=%v", acquired2, err)
	}
	defer releaseNew()

	// The stale release must be a no-op for the new holder's lock.
	releaseOld()

	_, acquired3, err := locker.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("third TryAcquire failed: %v", err)
	}
	if acquired3 {
		t.Error("stale release removed the new holder's lock")
	}
}
