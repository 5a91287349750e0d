package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/sensorlog/internal/core"
)

// DefaultProgressTTL bounds how long a progress snapshot outlives its last update.
const DefaultProgressTTL = time.Hour

// RedisTracker stores progress snapshots as JSON under job:progress:<id>.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTracker creates a tracker; a zero ttl takes DefaultProgressTTL.
func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &RedisTracker{client: client, ttl: ttl}
}

func progressKey(jobID string) string {
	return fmt.Sprintf("job:progress:%s", jobID)
}

// Set overwrites the snapshot and refreshes its TTL.
func (t *RedisTracker) Set(ctx context.Context, jobID string, snap core.ProgressSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := t.client.Set(ctx, progressKey(jobID), data, t.ttl).Err(); err != nil {
		return fmt.Errorf("store progress for %s: %w", jobID, err)
	}
	return nil
}

// Get returns false when no snapshot exists.
func (t *RedisTracker) Get(ctx context.Context, jobID string) (core.ProgressSnapshot, bool, error) {
	data, err := t.client.Get(ctx, progressKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.ProgressSnapshot{}, false, nil
	}
	if err != nil {
		return core.ProgressSnapshot{}, false, fmt.Errorf("read progress for %s: %w", jobID, err)
	}

	var snap core.ProgressSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return core.ProgressSnapshot{}, false, fmt.Errorf("decode progress for %s: %w", jobID, err)
	}
	return snap, true, nil
}
