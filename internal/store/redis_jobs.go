package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/sensorlog/internal/core"
)

const historyKey = "job:history"

// RedisJobStore keeps job snapshots under job:results:<id> and indexes
// finished jobs in the job:history sorted set, scored by creation time.
type RedisJobStore struct {
	client *redis.Client
}

// NewRedisJobStore creates a job store.
func NewRedisJobStore(client *redis.Client) *RedisJobStore {
	return &RedisJobStore{client: client}
}

func resultsKey(jobID string) string {
	return fmt.Sprintf("job:results:%s", jobID)
}

// Save writes the snapshot with ttl. Finished jobs are added to history in
// the same transaction.
func (s *RedisJobStore) Save(ctx context.Context, job *core.Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, resultsKey(job.ID), data, ttl)
		if job.Status.Terminal() {
			pipe.ZAdd(ctx, historyKey, redis.Z{
				Score:  float64(job.CreatedAt.UnixMilli()),
				Member: job.ID,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Load returns core.ErrJobNotFound for unknown or expired jobs.
func (s *RedisJobStore) Load(ctx context.Context, id string) (*core.Job, error) {
	data, err := s.client.Get(ctx, resultsKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}

	var job core.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// List returns up to limit finished jobs, newest first. History entries
// whose snapshot has expired are dropped from the index.
func (s *RedisJobStore) List(ctx context.Context, limit int) ([]core.JobSummary, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, historyKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read job history: %w", err)
	}
	if len(ids) == 0 {
		return []core.JobSummary{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = resultsKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load job snapshots: %w", err)
	}

	out := make([]core.JobSummary, 0, len(ids))
	var stale []any
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var job core.Job
		if err := json.Unmarshal([]byte(str), &job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		out = append(out, job.Summary())
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, historyKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("drop expired history: %w", err)
		}
	}
	return out, nil
}

// Prune deletes history entries and snapshots created before olderThan.
func (s *RedisJobStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	max := "(" + strconv.FormatInt(olderThan.UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, historyKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("read job history: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = resultsKey(id)
		members[i] = id
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, historyKey, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return len(ids), nil
}
