package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/sensorlog/internal/core"
	"github.com/JonMunkholm/sensorlog/internal/logging"
)

const (
	maxFilesPerJob     = 50
	multipartMemory    = 32 << 20
	defaultHistorySize = 50
	maxHistorySize     = 500
	healthTimeout      = 2 * time.Second
)

var (
	errFileTooLarge  = errors.New("file too large")
	errNoFile        = errors.New("no file provided")
	errTooManyFiles  = errors.New("too many files in one job")
	errInvalidUpload = errors.New("invalid multipart form")
)

// SubmitResponse is returned when a job is accepted.
type SubmitResponse struct {
	JobID string `json:"jobId"`
}

// handleSubmitJob stores the uploaded files under UPLOAD_DIR/<job prefix>/
// and starts a job over them.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionID")
	maxSize := s.cfg.Ingest.MaxFileSize

	r.Body = http.MaxBytesReader(w, r.Body, maxSize*maxFilesPerJob+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, errFileTooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		respondError(w, r, fmt.Errorf("%w: %v", errInvalidUpload, err), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		respondError(w, r, errNoFile, http.StatusBadRequest)
		return
	}
	if len(headers) > maxFilesPerJob {
		respondError(w, r, errTooManyFiles, http.StatusBadRequest)
		return
	}
	for _, h := range headers {
		if h.Size > maxSize {
			respondError(w, r, fmt.Errorf("%w: %s is %s, limit %s", errFileTooLarge,
				h.Filename, humanize.Bytes(uint64(h.Size)), humanize.Bytes(uint64(maxSize))), http.StatusRequestEntityTooLarge)
			return
		}
	}

	jobID := uuid.New().String()
	dir := filepath.Join(s.cfg.Ingest.UploadDir, jobID[:8])
	files, err := storeUploads(dir, headers)
	if err != nil {
		os.RemoveAll(dir)
		respondError(w, r, fmt.Errorf("store uploads: %w", err), http.StatusInternalServerError)
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	id, err := s.service.Submit(ctx, core.SubmitRequest{
		JobID:        jobID,
		CollectionID: collectionID,
		SensorID:     strings.TrimSpace(r.FormValue("sensorId")),
		Files:        files,
		Actor:        core.ActorFromContext(ctx),
	})
	if err != nil {
		os.RemoveAll(dir)
		if errors.Is(err, core.ErrTooManyJobs) {
			w.Header().Set("Retry-After", "30")
		}
		respondError(w, r, err, statusFor(err))
		return
	}

	logging.WithFields(r.Context(), "job_id", id, "collection_id", collectionID).
		Info("job accepted", "files", len(files))
	if !s.cfg.Ingest.KeepUploads {
		go s.removeWhenDone(id, dir)
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: id})
}

// storeUploads copies each part to dir. Stored names carry the part index
// so duplicate client names do not collide.
func storeUploads(dir string, headers []*multipart.FileHeader) ([]core.FileMeta, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	files := make([]core.FileMeta, 0, len(headers))
	for i, h := range headers {
		name := filepath.Base(filepath.Clean("/" + h.Filename))
		if name == "/" || name == "." {
			name = fmt.Sprintf("file-%d", i+1)
		}
		path := filepath.Join(dir, fmt.Sprintf("%03d_%s", i, name))
		size, err := copyPart(h, path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		files = append(files, core.NewFileMeta(name, abs, size, h.Header.Get("Content-Type")))
	}
	return files, nil
}

func copyPart(h *multipart.FileHeader, path string) (int64, error) {
	src, err := h.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (s *Server) removeWhenDone(jobID, dir string) {
	if _, err := s.service.Wait(context.Background(), jobID); err != nil {
		slog.Warn("wait for job before upload cleanup", "job_id", jobID, "error", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("remove uploaded files", "job_id", jobID, "dir", dir, "error", err)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.GetProgress(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HistoryResponse lists finished jobs, newest first.
type HistoryResponse struct {
	Jobs []core.JobSummary `json:"jobs"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistorySize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, r, fmt.Errorf("invalid number for limit: %q", v), http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistorySize)
	}

	jobs, err := s.service.History(r.Context(), limit)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []core.JobSummary{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Jobs: jobs})
}

// handleJobEvents streams progress snapshots as Server-Sent Events. The
// event id is the percentage; a reconnecting client passes lastEventId (or
// Last-Event-ID) to skip snapshots it has seen. Jobs not running in this
// process get their stored snapshot followed by the complete event.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	lastEventID := -1
	raw := r.URL.Query().Get("lastEventId")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			lastEventID = n
		}
	}

	progressCh, err := s.service.SubscribeProgress(jobID)
	if errors.Is(err, core.ErrJobNotFound) {
		progressCh, err = s.storedProgress(r.Context(), jobID)
	}
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, errors.New("streaming not supported"), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case snap, ok := <-progressCh:
			if !ok {
				fmt.Fprint(w, "event: complete\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if snap.Percentage <= lastEventID && !snap.Status.Terminal() {
				continue
			}
			lastEventID = snap.Percentage

			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", snap.Percentage, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) storedProgress(ctx context.Context, jobID string) (<-chan core.ProgressSnapshot, error) {
	snap, err := s.service.GetProgress(ctx, jobID)
	if err != nil {
		return nil, err
	}
	ch := make(chan core.ProgressSnapshot, 1)
	ch <- snap
	close(ch)
	return ch, nil
}

// HealthResponse reports each dependency as "ok" or its error.
type HealthResponse struct {
	Status string                `json:"status"`
	Checks map[string]string     `json:"checks"`
	Jobs   core.JobLimiterStatus `json:"jobs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	status := http.StatusOK
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	resp.Jobs = s.service.LimiterStatus()
	writeJSON(w, status, resp)
}
