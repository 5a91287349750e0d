package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryJobStore is a JobStore held in process memory. The CLI uses it when
// no Redis is configured; entries expire like their Redis counterparts.
type MemoryJobStore struct {
	mu   sync.Mutex
	now  func() time.Time
	jobs map[string]memoryEntry
}

type memoryEntry struct {
	data    []byte
	created time.Time
	final   bool
	expires time.Time
}

// NewMemoryJobStore creates an empty store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{now: time.Now, jobs: make(map[string]memoryEntry)}
}

// Save stores a copy of the job.
func (m *MemoryJobStore) Save(_ context.Context, job *Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{data: data, created: job.CreatedAt, final: job.Status.Terminal()}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.jobs[job.ID] = e
	return nil
}

// Load returns ErrJobNotFound for unknown or expired jobs.
func (m *MemoryJobStore) Load(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if ok && m.expired(e) {
		delete(m.jobs, id)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	var job Job
	if err := json.Unmarshal(e.data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// List returns summaries of finished jobs, newest first.
func (m *MemoryJobStore) List(_ context.Context, limit int) ([]JobSummary, error) {
	m.mu.Lock()
	entries := make([]memoryEntry, 0, len(m.jobs))
	for id, e := range m.jobs {
		if m.expired(e) {
			delete(m.jobs, id)
			continue
		}
		if e.final {
			entries = append(entries, e)
		}
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].created.After(entries[j].created)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]JobSummary, 0, len(entries))
	for _, e := range entries {
		var job Job
		if err := json.Unmarshal(e.data, &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		out = append(out, job.Summary())
	}
	return out, nil
}

// Prune removes finished jobs created before olderThan. Running jobs are
// kept, as they are never in the Redis history index.
func (m *MemoryJobStore) Prune(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.jobs {
		if e.final && e.created.Before(olderThan) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryJobStore) expired(e memoryEntry) bool {
	return !e.expires.IsZero() && m.now().After(e.expires)
}
