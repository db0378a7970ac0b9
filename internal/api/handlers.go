package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/msetz/fanq/internal/queue"
)

// HealthzResponse is the GET /healthz payload.
type HealthzResponse struct {
	Status        string `json:"status"`
	RunID         string `json:"run_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// RunResponse is the GET /v1/run payload.
type RunResponse struct {
	RunID    string         `json:"run_id"`
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// JobResponse is the per-job payload for job endpoints.
type JobResponse struct {
	JobID       string     `json:"job_id"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(j *queue.Job) JobResponse {
	return JobResponse{
		JobID:       j.ID,
		InputPath:   j.InputPath,
		OutputPath:  j.OutputPath,
		Status:      string(j.Status),
		ExitCode:    j.ExitCode,
		Error:       j.LastError,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		RunID:         s.runID,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleGetRun handles GET /v1/run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Summary(r.Context(), s.runID)
	if err != nil {
		s.logger.Error("failed to summarize run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to summarize run")
		return
	}

	resp := RunResponse{
		RunID:    summary.RunID,
		Total:    summary.Total,
		ByStatus: make(map[string]int, len(summary.ByStatus)),
	}
	for status, count := range summary.ByStatus {
		resp.ByStatus[string(status)] = count
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleListJobs handles GET /v1/jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.JobsForRun(r.Context(), s.runID)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, toJobResponse(j))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGetJob handles GET /v1/jobs/{jobID}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.GetJob(r.Context(), jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
