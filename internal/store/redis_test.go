package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/sensorlog/internal/core"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisTracker(t *testing.T) {
	client, mr := setupRedis(t)
	tracker := NewRedisTracker(client, 0)
	ctx := context.Background()

	_, ok, err := tracker.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)

	snap := core.ProgressSnapshot{
		JobID:            "job-1",
		Status:           core.JobProcessing,
		Percentage:       40,
		Processed:        2,
		Total:            5,
		CurrentFile:      "b.csv",
		RecordsProcessed: 1200,
	}
	require.NoError(t, tracker.Set(ctx, "job-1", snap))

	got, ok, err := tracker.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap, got)
	assert.Equal(t, DefaultProgressTTL, mr.TTL("job:progress:job-1"))

	mr.FastForward(DefaultProgressTTL + time.Second)
	_, ok, err = tracker.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok, "snapshot expires")
}

func TestRedisTrackerUnavailable(t *testing.T) {
	client, mr := setupRedis(t)
	tracker := NewRedisTracker(client, time.Minute)
	mr.Close()

	err := tracker.Set(context.Background(), "job-1", core.ProgressSnapshot{})
	assert.Error(t, err)
}

func testJob(id string, status core.JobStatus, created time.Time) *core.Job {
	return &core.Job{
		ID:           id,
		Status:       status,
		CollectionID: "coll-1",
		CreatedBy:    "alice",
		CreatedAt:    created,
		Files:        []core.FileMeta{{FileName: "a.csv", Extension: "csv", AbsolutePath: "/tmp/a.csv", SizeBytes: 10}},
		Statistics:   core.JobStatistics{TotalFiles: 1, ProcessedFiles: 1, TotalRecords: 3},
	}
}

func TestRedisJobStoreSaveLoad(t *testing.T) {
	client, mr := setupRedis(t)
	js := NewRedisJobStore(client)
	ctx := context.Background()
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := js.Load(ctx, "missing")
	assert.True(t, errors.Is(err, core.ErrJobNotFound))

	running := testJob("job-1", core.JobProcessing, created)
	require.NoError(t, js.Save(ctx, running, time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("job:results:job-1"))
	assert.False(t, mr.Exists(historyKey), "running jobs are not in history")

	done := testJob("job-1", core.JobCompleted, created)
	require.NoError(t, js.Save(ctx, done, 24*time.Hour))
	assert.Equal(t, 24*time.Hour, mr.TTL("job:results:job-1"))

	got, err := js.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobCompleted, got.Status)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Equal(t, 3, got.Statistics.TotalRecords)
}

func TestRedisJobStoreList(t *testing.T) {
	client, mr := setupRedis(t)
	js := NewRedisJobStore(client)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, js.Save(ctx, testJob("old", core.JobCompleted, base), 24*time.Hour))
	require.NoError(t, js.Save(ctx, testJob("mid", core.JobFailed, base.Add(time.Minute)), 24*time.Hour))
	require.NoError(t, js.Save(ctx, testJob("new", core.JobCompleted, base.Add(2*time.Minute)), 24*time.Hour))
	require.NoError(t, js.Save(ctx, testJob("live", core.JobProcessing, base.Add(3*time.Minute)), time.Hour))

	list, err := js.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "mid", list[1].ID)
	assert.Equal(t, "old", list[2].ID)

	list, err = js.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	mr.Del("job:results:mid")
	list, err = js.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	members, err := mr.ZMembers(historyKey)
	require.NoError(t, err)
	assert.NotContains(t, members, "mid", "expired entries leave the index")
}

func TestRedisJobStorePrune(t *testing.T) {
	client, mr := setupRedis(t)
	js := NewRedisJobStore(client)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, js.Save(ctx, testJob("a", core.JobCompleted, base), 24*time.Hour))
	require.NoError(t, js.Save(ctx, testJob("b", core.JobCompleted, base.Add(time.Hour)), 24*time.Hour))
	require.NoError(t, js.Save(ctx, testJob("c", core.JobCompleted, base.Add(2*time.Hour)), 24*time.Hour))

	n, err := js.Prune(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "cutoff is exclusive")
	assert.False(t, mr.Exists("job:results:a"))
	assert.True(t, mr.Exists("job:results:b"))

	n, err = js.Prune(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisLocker(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()
	locker := NewRedisLocker(client, LockConfig{
		TTL:  time.Minute,
		Wait: 50 * time.Millisecond,
		Poll: 10 * time.Millisecond,
	})

	unlock, err := locker.Lock(ctx, "collection:c1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:collection:c1"))

	_, err = locker.Lock(ctx, "collection:c1")
	assert.True(t, errors.Is(err, ErrLockHeld), "got %v", err)

	other, err := locker.Lock(ctx, "collection:c2")
	require.NoError(t, err)
	other()

	unlock()
	assert.False(t, mr.Exists("lock:collection:c1"))

	again, err := locker.Lock(ctx, "collection:c1")
	require.NoError(t, err)
	again()
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	client, mr := setupRedis(t)
	locker := NewRedisLocker(client, LockConfig{TTL: time.Minute})

	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	// Lock expired and another owner took it.
	require.NoError(t, mr.Set("lock:k", "someone-else"))
	unlock()

	got, err := mr.Get("lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLockerContextCancel(t *testing.T) {
	client, _ := setupRedis(t)
	locker := NewRedisLocker(client, LockConfig{TTL: time.Minute, Poll: 10 * time.Millisecond})

	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "k")
	assert.Error(t, err)
}
