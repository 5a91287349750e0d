package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/sensorlog/internal/core"
	"github.com/JonMunkholm/sensorlog/internal/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := rootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func finishedJob(id string, createdAt time.Time) *core.Job {
	finished := createdAt.Add(2 * time.Second)
	sensor := "sensor-1"
	return &core.Job{
		ID:           id,
		Status:       core.JobCompleted,
		CollectionID: "coll-1",
		CreatedBy:    "ana",
		CreatedAt:    createdAt,
		StartedAt:    &createdAt,
		FinishedAt:   &finished,
		Results: []core.FileProcessingResult{{
			FileName:         "novus-freezer.csv",
			Success:          true,
			SensorID:         &sensor,
			Parser:           core.FormatCSV,
			RecordsProcessed: 3,
			RecordsInserted:  2,
			RecordsSkipped:   1,
			Errors:           []core.RowError{{RowIndex: 4, Field: "temperature", Message: "not a number", Category: core.CategoryValidation}},
		}},
		Statistics: core.JobStatistics{TotalFiles: 1, ProcessedFiles: 1, TotalRecords: 3, InsertedRecords: 2, DuplicateRecords: 1},
	}
}

func TestDetectCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "novus-freezer.csv")
	require.NoError(t, os.WriteFile(path, []byte("Data/Hora;Temperatura;Umidade\n05/03/2024 10:00:00;4,2;55\n"), 0o600))

	out, err := run(t, "detect", "-v", path)
	require.NoError(t, err)
	assert.Contains(t, out, "novus-freezer.csv")
	assert.Contains(t, out, core.VendorNovus)
	assert.Contains(t, out, "header mentions temperature")

	_, err = run(t, "detect", filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)

	_, err = run(t, "detect", dir)
	assert.ErrorContains(t, err, "is a directory")
}

func TestStatusAndHistoryCommands(t *testing.T) {
	mr, client := setupRedis(t)
	jobs := store.NewRedisJobStore(client)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, jobs.Save(ctx, finishedJob("job-old", now.Add(-time.Hour)), time.Hour))
	require.NoError(t, jobs.Save(ctx, finishedJob("job-new", now), time.Hour))
	url := "redis://" + mr.Addr()

	out, err := run(t, "status", "job-new", "--redis-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "job-new")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "row 4: temperature: not a number")

	out, err = run(t, "status", "job-new", "--json", "--redis-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "job-new"`)

	_, err = run(t, "status", "nope", "--redis-url", url)
	assert.ErrorIs(t, err, core.ErrJobNotFound)

	out, err = run(t, "history", "--limit", "1", "--redis-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "job-new")
	assert.NotContains(t, out, "job-old")

	_, err = run(t, "history", "--limit", "0", "--redis-url", url)
	assert.Error(t, err)
}

func TestProgressCommand(t *testing.T) {
	mr, client := setupRedis(t)
	tracker := store.NewRedisTracker(client, time.Hour)
	require.NoError(t, tracker.Set(context.Background(), "job-1", core.ProgressSnapshot{
		JobID: "job-1", Status: core.JobProcessing, Percentage: 40, Processed: 2, Total: 5,
		RecordsProcessed: 1200, CurrentFile: "b.xlsx", UpdatedAt: time.Now(),
	}))
	url := "redis://" + mr.Addr()

	out, err := run(t, "progress", "job-1", "--redis-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "40%")
	assert.Contains(t, out, "2/5 files")
	assert.Contains(t, out, "1,200 rows")
	assert.Contains(t, out, "(b.xlsx)")

	_, err = run(t, "progress", "job-2", "--redis-url", url)
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestPruneCommand(t *testing.T) {
	mr, client := setupRedis(t)
	jobs := store.NewRedisJobStore(client)
	ctx := context.Background()
	require.NoError(t, jobs.Save(ctx, finishedJob("job-old", time.Now().Add(-48*time.Hour)), 72*time.Hour))
	require.NoError(t, jobs.Save(ctx, finishedJob("job-new", time.Now()), 72*time.Hour))

	out, err := run(t, "prune", "--older-than", "24h", "--redis-url", "redis://"+mr.Addr())
	require.NoError(t, err)
	assert.Equal(t, "removed 1 job(s)\n", out)

	_, err = jobs.Load(ctx, "job-old")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
	_, err = jobs.Load(ctx, "job-new")
	assert.NoError(t, err)
}

func TestJobCommandsNeedRedis(t *testing.T) {
	for _, args := range [][]string{{"status", "x"}, {"progress", "x"}, {"history"}, {"prune"}} {
		_, err := run(t, append(args, "--redis-url", "")...)
		assert.ErrorIs(t, err, errNoRedis, args[0])
	}
}
