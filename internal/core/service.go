package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job manager defaults.
const (
	DefaultChunkSize         = 1000
	DefaultMaxReportedErrors = 100
	DefaultRunningTTL        = time.Hour
	DefaultFinalTTL          = 24 * time.Hour
	DefaultJobRetention      = 24 * time.Hour

	listenerBuffer = 10
)

// Dependencies are the collaborators a Service is built from. Writer and
// Catalog are required; the rest default to in-memory or disabled.
type Dependencies struct {
	Registry  *ParserRegistry
	Converter LegacyConverter // nil disables the legacy fallback
	Writer    Writer
	Catalog   Catalog
	Layouts   LayoutSource
	Tracker   ProgressTracker
	JobStore  JobStore
	Locker    Locker
	Clock     func() time.Time
}

// Options tune the job manager. Zero values take the package defaults.
type Options struct {
	MaxConcurrentJobs    int
	MaxWaitTime          time.Duration
	ChunkSize            int
	FileWorkers          int
	MaxReportedErrors    int
	MaxHeaderSearchRows  int
	SerializeCollections bool
	RunningTTL           time.Duration
	FinalTTL             time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentJobs <= 0 {
		o.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if o.MaxWaitTime <= 0 {
		o.MaxWaitTime = DefaultMaxWaitTime
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.FileWorkers <= 0 {
		o.FileWorkers = 1
	}
	if o.MaxReportedErrors <= 0 {
		o.MaxReportedErrors = DefaultMaxReportedErrors
	}
	if o.MaxHeaderSearchRows <= 0 {
		o.MaxHeaderSearchRows = DefaultMaxHeaderSearchRows
	}
	if o.RunningTTL <= 0 {
		o.RunningTTL = DefaultRunningTTL
	}
	if o.FinalTTL <= 0 {
		o.FinalTTL = DefaultFinalTTL
	}
	return o
}

// SubmitRequest describes one ingestion job.
type SubmitRequest struct {
	JobID        string // optional; a fresh UUID when empty
	CollectionID string
	SensorID     string // optional; applies to every file
	Files        []FileMeta
	Actor        string
}

// Service runs ingestion jobs in the background and reports their progress.
type Service struct {
	deps    Dependencies
	opts    Options
	limiter *JobLimiter
	tracker bestEffortTracker

	// ctx is cancelled by Shutdown; running jobs stop between rows.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	jobs map[string]*activeJob
}

type activeJob struct {
	mu          sync.Mutex
	job         Job
	slots       []*FileProcessingResult
	live        map[int]liveFile
	currentFile string
	done        chan struct{}

	ListenerMu sync.Mutex
	Listeners  []chan ProgressSnapshot
	closed     bool

	// publishMu and persistMu keep outbound snapshots in the order they
	// were taken when file workers run in parallel.
	publishMu sync.Mutex
	persistMu sync.Mutex
}

// NewService creates a Service. It fails when a required dependency is missing.
func NewService(deps Dependencies, opts Options) (*Service, error) {
	if deps.Writer == nil {
		return nil, errors.New("core: a Writer is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("core: a Catalog is required")
	}
	if deps.Registry == nil {
		deps.Registry = DefaultRegistry()
	}
	if deps.Tracker == nil {
		deps.Tracker = NewMemoryTracker()
	}
	if deps.JobStore == nil {
		deps.JobStore = NewMemoryJobStore()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:    deps,
		opts:    opts,
		limiter: NewJobLimiter(opts.MaxConcurrentJobs, opts.MaxWaitTime),
		tracker: bestEffortTracker{inner: deps.Tracker},
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*activeJob),
	}, nil
}

// Registry returns the parser registry jobs are routed through.
func (s *Service) Registry() *ParserRegistry { return s.deps.Registry }

// Submit creates a pending job and starts it in the background. It blocks
// only while waiting for a job slot and returns ErrTooManyJobs when none
// frees up in time.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	actor := req.Actor
	if actor == "" {
		actor = ActorFromContext(ctx)
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	aj := &activeJob{
		job: Job{
			ID:           jobID,
			Status:       JobPending,
			CollectionID: req.CollectionID,
			SensorID:     req.SensorID,
			CreatedBy:    actor,
			CreatedAt:    s.deps.Clock().UTC(),
			Files:        append([]FileMeta(nil), req.Files...),
			Results:      []FileProcessingResult{},
			Statistics:   JobStatistics{TotalFiles: len(req.Files)},
		},
		slots: make([]*FileProcessingResult, len(req.Files)),
		live:  make(map[int]liveFile),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	if _, dup := s.jobs[jobID]; dup {
		s.mu.Unlock()
		s.limiter.Release()
		return "", fmt.Errorf("job %s already exists", jobID)
	}
	s.jobs[jobID] = aj
	s.mu.Unlock()

	s.persist(ctx, aj, s.opts.RunningTTL)
	s.publish(ctx, aj)

	slog.Info("job submitted",
		"job_id", jobID,
		"collection_id", req.CollectionID,
		"files", len(req.Files),
		"actor", actor,
		"client_ip", GetIPAddressFromContext(ctx),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.limiter.Release()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in job", "job_id", jobID, "panic", r)
				s.finish(aj, JobFailed, fmt.Sprintf("internal error: %v", r))
			}
		}()
		s.runJob(s.ctx, aj, req)
	}()

	return jobID, nil
}

// GetStatus returns a copy of the job, from memory or the job store.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*Job, error) {
	if aj, ok := s.active(jobID); ok {
		aj.mu.Lock()
		defer aj.mu.Unlock()
		return aj.copyLocked(), nil
	}
	job, err := s.deps.JobStore.Load(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return job, nil
}

// GetProgress reads the tracker, falling back to the job itself.
func (s *Service) GetProgress(ctx context.Context, jobID string) (ProgressSnapshot, error) {
	if snap, ok := s.tracker.get(ctx, jobID); ok {
		return snap, nil
	}
	job, err := s.GetStatus(ctx, jobID)
	if err != nil {
		return ProgressSnapshot{}, err
	}
	return ProgressSnapshot{
		JobID:            job.ID,
		Status:           job.Status,
		Percentage:       job.ProgressPercentage,
		Processed:        job.Statistics.ProcessedFiles,
		Total:            job.Statistics.TotalFiles,
		RecordsProcessed: job.Statistics.TotalRecords,
		RecordsFailed:    job.Statistics.FailedRecords,
		UpdatedAt:        s.deps.Clock().UTC(),
	}, nil
}

// SubscribeProgress returns a channel of progress snapshots for a job run by
// this process. The current snapshot is sent first and the channel is
// closed when the job ends. Slow readers miss intermediate snapshots.
func (s *Service) SubscribeProgress(jobID string) (<-chan ProgressSnapshot, error) {
	aj, ok := s.active(jobID)
	if !ok {
		return nil, ErrJobNotFound
	}

	ch := make(chan ProgressSnapshot, listenerBuffer)

	aj.ListenerMu.Lock()
	defer aj.ListenerMu.Unlock()

	aj.mu.Lock()
	ch <- aj.snapshotLocked(s.deps.Clock())
	aj.mu.Unlock()
	if aj.closed {
		close(ch)
		return ch, nil
	}
	aj.Listeners = append(aj.Listeners, ch)
	return ch, nil
}

// Wait blocks until the job ends or ctx is done, then returns its status.
func (s *Service) Wait(ctx context.Context, jobID string) (*Job, error) {
	aj, ok := s.active(jobID)
	if !ok {
		return s.GetStatus(ctx, jobID)
	}
	select {
	case <-aj.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.GetStatus(ctx, jobID)
}

// History lists finished jobs, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]JobSummary, error) {
	out, err := s.deps.JobStore.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// WaitForJobs blocks until every running job has finished or ctx is done.
func (s *Service) WaitForJobs(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops running jobs at their next row and waits for them to
// record their results.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.WaitForJobs(ctx)
}

// LimiterStatus reports job slot usage.
func (s *Service) LimiterStatus() JobLimiterStatus {
	return s.limiter.Status()
}

// CleanupOldJobs forgets finished jobs older than maxAge, in memory and in
// the job store. It returns how many entries were removed.
func (s *Service) CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultJobRetention
	}
	cutoff := s.deps.Clock().Add(-maxAge)

	removed := 0
	s.mu.Lock()
	for id, aj := range s.jobs {
		aj.mu.Lock()
		old := aj.job.Status.Terminal() && aj.job.FinishedAt != nil && aj.job.FinishedAt.Before(cutoff)
		aj.mu.Unlock()
		if old {
			delete(s.jobs, id)
			removed++
		}
	}
	s.mu.Unlock()

	pruned, err := s.deps.JobStore.Prune(ctx, cutoff)
	if err != nil {
		return removed, fmt.Errorf("prune job store: %w", err)
	}
	if removed > 0 || pruned > 0 {
		slog.Info("old jobs cleaned up", "in_memory", removed, "stored", pruned)
	}
	return removed + pruned, nil
}

// StartCleanup runs CleanupOldJobs every interval until ctx is cancelled.
func (s *Service) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("job cleanup stopped")
			return
		case <-ticker.C:
			if _, err := s.CleanupOldJobs(ctx, maxAge); err != nil {
				slog.Error("job cleanup failed", "error", err)
			}
		}
	}
}

func (s *Service) active(jobID string) (*activeJob, bool) {
	s.mu.RLock()
	aj, ok := s.jobs[jobID]
	s.mu.RUnlock()
	return aj, ok
}

// copyLocked returns a deep copy of the job. Callers hold aj.mu.
func (aj *activeJob) copyLocked() *Job {
	job := aj.job
	job.Files = append([]FileMeta(nil), aj.job.Files...)
	job.Results = make([]FileProcessingResult, len(aj.job.Results))
	for i, r := range aj.job.Results {
		r.Errors = append([]RowError(nil), r.Errors...)
		r.Warnings = append([]RowWarning(nil), r.Warnings...)
		job.Results[i] = r
	}
	return &job
}

// liveFile is the progress of a file that has not finished yet.
type liveFile struct {
	fraction  float64
	processed int
	failed    int
}

// snapshotLocked includes rows of files still in flight. Callers hold aj.mu.
func (aj *activeJob) snapshotLocked(now time.Time) ProgressSnapshot {
	snap := ProgressSnapshot{
		JobID:            aj.job.ID,
		Status:           aj.job.Status,
		Percentage:       aj.job.ProgressPercentage,
		Processed:        aj.job.Statistics.ProcessedFiles,
		Total:            aj.job.Statistics.TotalFiles,
		CurrentFile:      aj.currentFile,
		RecordsProcessed: aj.job.Statistics.TotalRecords,
		RecordsFailed:    aj.job.Statistics.FailedRecords,
		UpdatedAt:        now.UTC(),
	}
	for _, lf := range aj.live {
		snap.RecordsProcessed += lf.processed
		snap.RecordsFailed += lf.failed
	}
	return snap
}

// advanceLocked recomputes the percentage without letting it fall.
func (aj *activeJob) advanceLocked() {
	var inFlight float64
	for _, lf := range aj.live {
		inFlight += lf.fraction
	}
	pct := progressPercentage(aj.job.Statistics.ProcessedFiles, inFlight, aj.job.Statistics.TotalFiles)
	if pct > aj.job.ProgressPercentage {
		aj.job.ProgressPercentage = pct
	}
}

// notifyProgress sends a snapshot to all listeners.
func (aj *activeJob) notifyProgress(snap ProgressSnapshot) {
	aj.ListenerMu.Lock()
	defer aj.ListenerMu.Unlock()

	for _, ch := range aj.Listeners {
		select {
		case ch <- snap:
		default:
			// Listener is slow, skip this update
		}
	}
}

// closeListeners closes all listener channels.
func (aj *activeJob) closeListeners() {
	aj.ListenerMu.Lock()
	defer aj.ListenerMu.Unlock()

	for _, ch := range aj.Listeners {
		close(ch)
	}
	aj.Listeners = nil
	aj.closed = true
}

// publish pushes the current snapshot to the tracker and listeners.
func (s *Service) publish(ctx context.Context, aj *activeJob) {
	aj.publishMu.Lock()
	defer aj.publishMu.Unlock()

	aj.mu.Lock()
	snap := aj.snapshotLocked(s.deps.Clock())
	aj.mu.Unlock()

	s.tracker.set(ctx, snap)
	aj.notifyProgress(snap)
}

// persist saves the job snapshot. Failures are logged; the in-memory job
// remains authoritative for this process.
func (s *Service) persist(ctx context.Context, aj *activeJob, ttl time.Duration) {
	aj.persistMu.Lock()
	defer aj.persistMu.Unlock()

	aj.mu.Lock()
	job := aj.copyLocked()
	aj.mu.Unlock()

	if err := s.deps.JobStore.Save(ctx, job, ttl); err != nil {
		slog.Warn("job snapshot not saved", "job_id", job.ID, "error", err)
	}
}
