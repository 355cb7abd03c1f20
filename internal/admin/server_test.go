package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/selextract/scrape-engine/internal/engine"
	"github.com/selextract/scrape-engine/internal/metrics"
	queuememory "github.com/selextract/scrape-engine/internal/queue/memory"
	storagememory "github.com/selextract/scrape-engine/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fixedIDGen struct{ id string }

func (g fixedIDGen) NewID() (string, error) { return g.id, nil }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestServer(t *testing.T) (*Server, *storagememory.JobStore, *queuememory.Queue) {
	t.Helper()

	jobs := storagememory.NewJobStore()
	queue := queuememory.NewQueue(8)
	srv := NewServer(
		jobs,
		queue,
		fixedIDGen{id: "job-1"},
		fixedClock{now: time.Unix(1700000000, 0).UTC()},
		zap.NewNop(),
	)
	return srv, jobs, queue
}

func submitBody(t *testing.T, config string) *bytes.Buffer {
	t.Helper()

	payload := map[string]any{
		"owner_id": "owner-1",
		"type":     "simple",
		"config":   json.RawMessage(config),
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestSubmitJobAcceptsAndEnqueues(t *testing.T) {
	t.Parallel()

	srv, jobs, queue := newTestServer(t)

	config := `{"urls":["https://example.com"],"selectors":{"title":"h1"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/", submitBody(t, config))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-1", resp["job_id"])

	job, err := jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, engine.JobStatusPending, job.Status)
	require.Equal(t, "owner-1", job.OwnerID)

	msg, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", msg.JobID)
	require.Equal(t, engine.JobTypeSimple, msg.JobType)
}

func TestSubmitJobRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	srv, _, queue := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/", submitBody(t, `{"selectors":{"title":"h1"}}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "urls")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := queue.Dequeue(ctx)
	require.Error(t, err, "invalid job must not reach the queue")
}

func TestSubmitJobRequiresOwner(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	body := bytes.NewBufferString(`{"type":"simple","config":{"urls":["https://example.com"],"selectors":{"t":"h1"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "owner_id")
}

func TestGetJobStatusNotFound(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/nope/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJobConflictsWhenTerminal(t *testing.T) {
	t.Parallel()

	srv, jobs, _ := newTestServer(t)

	require.NoError(t, jobs.CreateJob(context.Background(), engine.Job{ID: "job-9"}))
	require.NoError(t, jobs.FinalizeJob(context.Background(), engine.Finalization{
		JobID:       "job-9",
		Status:      engine.JobStatusCompleted,
		CompletedAt: time.Now(),
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-9/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelJobSetsFlag(t *testing.T) {
	t.Parallel()

	srv, jobs, _ := newTestServer(t)
	require.NoError(t, jobs.CreateJob(context.Background(), engine.Job{ID: "job-2"}))

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-2/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	cancelled, err := jobs.IsCancelled(context.Background(), "job-2")
	require.NoError(t, err)
	require.True(t, cancelled)
}

func TestGetJobAttempts(t *testing.T) {
	t.Parallel()

	srv, jobs, _ := newTestServer(t)
	require.NoError(t, jobs.CreateJob(context.Background(), engine.Job{ID: "job-3"}))
	require.NoError(t, jobs.FinalizeJob(context.Background(), engine.Finalization{
		JobID:  "job-3",
		Status: engine.JobStatusCompleted,
		Attempts: []engine.ExecutionAttempt{
			{URL: "https://example.com", Success: true, Attempts: 1},
		},
		CompletedAt: time.Now(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-3/attempts", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		JobID    string                    `json:"job_id"`
		Attempts []engine.ExecutionAttempt `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-3", resp.JobID)
	require.Len(t, resp.Attempts, 1)
	require.True(t, resp.Attempts[0].Success)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}
