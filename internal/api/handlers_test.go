package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msetz/fanq/internal/events"
	"github.com/msetz/fanq/internal/log"
	"github.com/msetz/fanq/internal/queue"
)

// stubStore is an in-memory RunStore for handler tests.
type stubStore struct {
	jobs map[string]*queue.Job
}

func (s *stubStore) GetJob(_ context.Context, jobID string) (*queue.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return j, nil
}

func (s *stubStore) JobsForRun(_ context.Context, _ string) ([]*queue.Job, error) {
	out := make([]*queue.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *stubStore) Summary(_ context.Context, runID string) (*queue.RunSummary, error) {
	sum := &queue.RunSummary{RunID: runID, ByStatus: make(map[queue.Status]int)}
	for _, j := range s.jobs {
		sum.ByStatus[j.Status]++
		sum.Total++
	}
	return sum, nil
}

func newTestServer(t *testing.T, apiKey string) (*Server, *stubStore) {
	t.Helper()
	store := &stubStore{jobs: map[string]*queue.Job{
		"j-1": {ID: "j-1", RunID: "run-1", InputPath: "a.fastq", OutputPath: "a.csv", Status: queue.StatusSucceeded},
		"j-2": {ID: "j-2", RunID: "run-1", InputPath: "b.fastq", OutputPath: "b.csv", Status: queue.StatusRunning},
	}}
	s := New(Config{Listen: "127.0.0.1:0", APIKey: apiKey}, store, "run-1", events.NewHub(16), log.WithComponent("api-test"))
	return s, store
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-1", resp.RunID)
}

func TestGetRunSummary(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/run", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.ByStatus["succeeded"])
	assert.Equal(t, 1, resp.ByStatus["running"])
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp, 2)
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthRequiredWhenKeyConfigured(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "secret-key")
	router := s.setupRoutes()

	// No token -> 401.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/run", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong token -> 401.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/run", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Correct token -> 200.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/run", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Healthz stays open.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsStreamReplaysBuffer(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	s.hub.Publish(events.TypeJobCompleted, "run-1", map[string]string{"job_id": "j-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "event: job.completed")
	assert.Contains(t, body, `"job_id":"j-1"`)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestEventsStreamScopedToRun(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	s.hub.Publish(events.TypeJobCompleted, "run-1", map[string]string{"job_id": "j-1"})
	s.hub.Publish(events.TypeJobCompleted, "run-other", map[string]string{"job_id": "x-9"})
	s.hub.Publish(events.TypeRunCompleted, "run-1", map[string]string{"run_id": "run-1"})

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, `"job_id":"j-1"`)
	assert.NotContains(t, body, "x-9", "events from other runs must not leak into the stream")
}

func TestEventsStreamClosesAfterRunCompletion(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	s.hub.Publish(events.TypeRunCompleted, "run-1", map[string]string{"run_id": "run-1"})

	// No request deadline: the handler itself must return once the
	// completion event has been delivered.
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.setupRoutes().ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after run completion")
	}
	assert.Contains(t, rec.Body.String(), "event: run.completed")
}

func TestEventsStreamResumesFromLastEventID(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	s.hub.Publish(events.TypeJobCompleted, "run-1", map[string]string{"job_id": "j-1"})
	s.hub.Publish(events.TypeJobCompleted, "run-1", map[string]string{"job_id": "j-2"})
	s.hub.Publish(events.TypeRunCompleted, "run-1", nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.NotContains(t, body, `"job_id":"j-1"`, "already-delivered event must not be replayed")
	assert.Contains(t, body, `"job_id":"j-2"`)
}
