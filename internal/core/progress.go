package core

import (
	"context"
	"log/slog"
	"math"
	"sync"
)

// ProgressTracker stores the latest progress snapshot of each job where
// polling clients can read it.
type ProgressTracker interface {
	Set(ctx context.Context, jobID string, snap ProgressSnapshot) error
	Get(ctx context.Context, jobID string) (ProgressSnapshot, bool, error)
}

// MemoryTracker is a ProgressTracker held in process memory.
type MemoryTracker struct {
	mu    sync.RWMutex
	snaps map[string]ProgressSnapshot
}

// NewMemoryTracker creates an empty MemoryTracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{snaps: make(map[string]ProgressSnapshot)}
}

func (t *MemoryTracker) Set(_ context.Context, jobID string, snap ProgressSnapshot) error {
	t.mu.Lock()
	t.snaps[jobID] = snap
	t.mu.Unlock()
	return nil
}

func (t *MemoryTracker) Get(_ context.Context, jobID string) (ProgressSnapshot, bool, error) {
	t.mu.RLock()
	snap, ok := t.snaps[jobID]
	t.mu.RUnlock()
	return snap, ok, nil
}

// Delete forgets a job.
func (t *MemoryTracker) Delete(jobID string) {
	t.mu.Lock()
	delete(t.snaps, jobID)
	t.mu.Unlock()
}

// bestEffortTracker logs tracker failures instead of returning them.
// Progress is advisory; the job snapshot is the source of truth.
type bestEffortTracker struct {
	inner ProgressTracker
}

func (t bestEffortTracker) set(ctx context.Context, snap ProgressSnapshot) {
	if err := t.inner.Set(ctx, snap.JobID, snap); err != nil {
		slog.Warn("progress update failed", "job_id", snap.JobID, "error", err)
	}
}

func (t bestEffortTracker) get(ctx context.Context, jobID string) (ProgressSnapshot, bool) {
	snap, ok, err := t.inner.Get(ctx, jobID)
	if err != nil {
		slog.Warn("progress read failed", "job_id", jobID, "error", err)
		return ProgressSnapshot{}, false
	}
	return snap, ok
}

// progressPercentage computes floor((done + fraction) / total * 100), held
// at 99 while the job is running. A job without files reports 0.
func progressPercentage(done int, fraction float64, total int) int {
	if total <= 0 {
		return 0
	}
	if fraction < 0 {
		fraction = 0
	}
	pct := int(math.Floor((float64(done) + fraction) / float64(total) * 100))
	if pct > 99 {
		pct = 99
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}
