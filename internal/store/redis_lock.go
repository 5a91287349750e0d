package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultLockTTL     = 2 * time.Minute
	DefaultLockWait    = 30 * time.Minute
	DefaultLockPoll    = 500 * time.Millisecond
	lockReleaseTimeout = 5 * time.Second
)

// ErrLockHeld is returned when the lock stays held past the wait limit.
var ErrLockHeld = errors.New("lock held by another worker")

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// LockConfig tunes RedisLocker. Zero values take the defaults.
type LockConfig struct {
	TTL  time.Duration
	Wait time.Duration
	Poll time.Duration
}

// RedisLocker serializes work on a key across processes using SET NX with
// a random ownership value. Held locks are extended until released.
type RedisLocker struct {
	client *redis.Client
	cfg    LockConfig
}

// NewRedisLocker creates a locker.
func NewRedisLocker(client *redis.Client, cfg LockConfig) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLockTTL
	}
	if cfg.Wait <= 0 {
		cfg.Wait = DefaultLockWait
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultLockPoll
	}
	return &RedisLocker{client: client, cfg: cfg}
}

// Lock blocks until lock:<key> is acquired, ctx is done or the wait limit
// passes. The returned func releases the lock and is safe to call once.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("lock token: %w", err)
	}
	lockKey := fmt.Sprintf("lock:%s", key)
	value := hex.EncodeToString(b)

	backoff := retry.WithMaxDuration(l.cfg.Wait, retry.NewConstant(l.cfg.Poll))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := l.client.SetNX(ctx, lockKey, value, l.cfg.TTL).Result()
		if err != nil {
			return fmt.Errorf("acquire %s: %w", lockKey, err)
		}
		if !ok {
			return retry.RetryableError(ErrLockHeld)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lockKey, value, stop, done)

	return func() {
		close(stop)
		<-done

		ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{lockKey}, value).Err(); err != nil {
			slog.Warn("lock release failed", "key", lockKey, "error", err)
		}
	}, nil
}

func (l *RedisLocker) keepAlive(key, value string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.cfg.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
			err := extendScript.Run(ctx, l.client, []string{key}, value, l.cfg.TTL.Milliseconds()).Err()
			cancel()
			if err != nil {
				slog.Warn("lock extend failed", "key", key, "error", err)
			}
		}
	}
}
