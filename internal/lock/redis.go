// Package lock provides the Redis-backed publish lock. Deployments without
// Redis use Postgres advisory locks instead; main picks one at startup.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const publishLockRedisKey = "semreg:publish_lock"

// RedisLocker serializes publishers through a Redis SET NX key with a TTL.
// The TTL bounds how long a crashed publisher can wedge the pipeline.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(redisURL string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisLocker{client: client, ttl: ttl}, nil
}

// NewRedisLockerWithClient creates a locker from an existing Redis client.
func NewRedisLockerWithClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

// TryAcquire attempts to take the publish lock without blocking. The release
// func only deletes the key if this holder still owns it, so an expired lock
// reclaimed by another publisher is never released from under them.
func (l *RedisLocker) TryAcquire(ctx context.Context) (release func(), acquired bool, err error) {
	holder := uuid.NewString()

	ok, err := l.client.SetNX(ctx, publishLockRedisKey, holder, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire publish lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		current, err := l.client.Get(releaseCtx, publishLockRedisKey).Result()
		if err != nil || current != holder {
			return
		}
		_ = l.client.Del(releaseCtx, publishLockRedisKey).Err()
	}
	return release, true, nil
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// Ping checks if Redis is reachable.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
