package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/sensorlog/internal/config"
	"github.com/JonMunkholm/sensorlog/internal/core"
)

type countingWriter struct {
	mu   sync.Mutex
	rows int
}

func (w *countingWriter) WriteBatch(_ context.Context, rows []core.NormalizedRow) (core.WriteResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows += len(rows)
	return core.WriteResult{Inserted: len(rows)}, nil
}

type staticCatalog struct{}

func (staticCatalog) Collection(_ context.Context, id string) (*core.Collection, error) {
	if id != "coll-1" {
		return nil, fmt.Errorf("%w: %s", core.ErrCollectionNotFound, id)
	}
	return &core.Collection{ID: id, Sensors: []core.Sensor{{ID: "sensor-1", SerialNumber: "EL-1001"}}}, nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, RequestTimeout: 5 * time.Second},
		Ingest: config.IngestConfig{
			UploadDir:   t.TempDir(),
			MaxFileSize: 1 << 20,
		},
		Security: config.SecurityConfig{CORSOrigins: []string{"*"}},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, checks ...HealthCheck) (*Server, *core.Service) {
	t.Helper()
	svc, err := core.NewService(core.Dependencies{
		Writer:  &countingWriter{},
		Catalog: staticCatalog{},
	}, core.Options{MaxConcurrentJobs: 2, MaxWaitTime: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return NewServer(svc, cfg, checks...), svc
}

type upload struct {
	name    string
	content string
}

func multipartBody(t *testing.T, sensorID string, files ...upload) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if sensorID != "" {
		require.NoError(t, mw.WriteField("sensorId", sensorID))
	}
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.name)
		require.NoError(t, err)
		_, err = part.Write([]byte(f.content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

const validCSV = "Data/Hora;Temperatura;Umidade\n" +
	"05/03/2024 10:00:00;4,2;55\n" +
	"05/03/2024 10:05:00;4,3;56\n"

func submit(t *testing.T, srv *Server, collection string, files ...upload) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, "", files...)
	req := httptest.NewRequest(http.MethodPost, "/api/collections/"+collection+"/jobs", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(ActorHeader, "ana")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func get(srv *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestSubmitJobAndFetchStatus(t *testing.T) {
	srv, svc := newTestServer(t, testConfig(t))

	rec := submit(t, srv, "coll-1", upload{"freezer.csv", validCSV})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := svc.Wait(ctx, resp.JobID)
	require.NoError(t, err)

	rec = get(srv, "/api/jobs/"+resp.JobID)
	require.Equal(t, http.StatusOK, rec.Code)
	var job core.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, core.JobCompleted, job.Status)
	assert.Equal(t, "ana", job.CreatedBy)
	require.Len(t, job.Results, 1)
	assert.Equal(t, "freezer.csv", job.Results[0].FileName)
	assert.Equal(t, 2, job.Results[0].RecordsProcessed)

	rec = get(srv, "/api/jobs/"+resp.JobID+"/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap core.ProgressSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 100, snap.Percentage)
	assert.Equal(t, 1, snap.Total)

	rec = get(srv, "/api/jobs?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Jobs, 1)
	assert.Equal(t, resp.JobID, hist.Jobs[0].ID)
}

func TestSubmitJobRemovesUploadsAfterCompletion(t *testing.T) {
	cfg := testConfig(t)
	srv, svc := newTestServer(t, cfg)

	rec := submit(t, srv, "coll-1", upload{"freezer.csv", validCSV})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := svc.Wait(ctx, resp.JobID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(cfg.Ingest.UploadDir)
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitJobErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingest.MaxFileSize = 64
	srv, _ := newTestServer(t, cfg)

	rec := submit(t, srv, "coll-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "FILE004", errResp.Code)

	rec = submit(t, srv, "coll-1", upload{"big.csv", strings.Repeat("x", 65)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "FILE001", errResp.Code)
}

func TestGetUnknownJob(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t))

	for _, path := range []string{"/api/jobs/nope", "/api/jobs/nope/progress", "/api/jobs/nope/events"} {
		rec := get(srv, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		var errResp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
		assert.Equal(t, "JOB001", errResp.Code, path)
	}
}

func TestListJobsRejectsBadLimit(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t))
	rec := get(srv, "/api/jobs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobEventsStream(t *testing.T) {
	srv, svc := newTestServer(t, testConfig(t))

	rec := submit(t, srv, "coll-1", upload{"freezer.csv", validCSV})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/api/jobs/" + resp.JobID + "/events")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	var events []string
	var last core.ProgressSnapshot
	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		line := sc.Text()
		if ev, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, ev)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && data != "{}" {
			require.NoError(t, json.Unmarshal([]byte(data), &last))
		}
	}

	require.NotEmpty(t, events)
	assert.Equal(t, "complete", events[len(events)-1])
	assert.Equal(t, 100, last.Percentage)

	job, err := svc.GetStatus(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobCompleted, job.Status)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t),
		HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }},
	)
	rec := get(srv, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	srv, _ = newTestServer(t, testConfig(t),
		HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
	)
	rec = get(srv, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "connection refused", health.Checks["redis"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrJobNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", core.ErrTooManyJobs), http.StatusServiceUnavailable},
		{core.ErrNoFiles, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
