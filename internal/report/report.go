// Package report builds the terminal and JSON summaries of a dispatch run.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/msetz/fanq/internal/queue"
)

// JobLine is one job's outcome in the summary.
type JobLine struct {
	JobID      string `json:"job_id"`
	InputPath  string `json:"input_path"`
	OutputPath string `json:"output_path"`
	Status     string `json:"status"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Summary is the structured representation of a completed (or in-flight) run.
type Summary struct {
	RunID        string    `json:"run_id"`
	Total        int       `json:"total"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	LaunchFailed int       `json:"launch_failed"`
	TimedOut     int       `json:"timed_out"`
	Pending      int       `json:"pending"`
	Elapsed      float64   `json:"elapsed_seconds"`
	StartedAt    time.Time `json:"started_at"`
	Jobs         []JobLine `json:"jobs"`
}

// Build assembles a Summary from the run's jobs.
func Build(runID string, jobs []*queue.Job, startedAt time.Time, elapsed time.Duration) *Summary {
	s := &Summary{
		RunID:     runID,
		Total:     len(jobs),
		Elapsed:   elapsed.Seconds(),
		StartedAt: startedAt,
		Jobs:      make([]JobLine, 0, len(jobs)),
	}

	for _, j := range jobs {
		line := JobLine{
			JobID:      j.ID,
			InputPath:  j.InputPath,
			OutputPath: j.OutputPath,
			Status:     string(j.Status),
			ExitCode:   j.ExitCode,
		}
		if j.LastError != nil {
			line.Error = *j.LastError
		}
		s.Jobs = append(s.Jobs, line)

		switch j.Status {
		case queue.StatusSucceeded:
			s.Succeeded++
		case queue.StatusFailed:
			s.Failed++
		case queue.StatusLaunchFailed:
			s.LaunchFailed++
		case queue.StatusTimedOut:
			s.TimedOut++
		default:
			s.Pending++
		}
	}
	return s
}

// AllSucceeded reports whether every job reached succeeded.
func (s *Summary) AllSucceeded() bool {
	return s.Total > 0 && s.Succeeded == s.Total
}

// ExitCode maps the run outcome to a process exit code: 0 iff every job
// succeeded.
func (s *Summary) ExitCode() int {
	if s.AllSucceeded() {
		return 0
	}
	return 1
}

// Render produces the terminal-friendly run report.
func (s *Summary) Render() string {
	var out strings.Builder
	fmt.Fprintf(&out, "Dispatch Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", s.RunID)
	fmt.Fprintf(&out, "Inputs      : %d\n", s.Total)
	fmt.Fprintf(&out, "Succeeded   : %d\n", s.Succeeded)
	if s.Failed > 0 {
		fmt.Fprintf(&out, "Failed      : %d\n", s.Failed)
	}
	if s.LaunchFailed > 0 {
		fmt.Fprintf(&out, "Launch fail : %d\n", s.LaunchFailed)
	}
	if s.TimedOut > 0 {
		fmt.Fprintf(&out, "Timed out   : %d\n", s.TimedOut)
	}
	if s.Pending > 0 {
		fmt.Fprintf(&out, "Pending     : %d\n", s.Pending)
	}
	fmt.Fprintf(&out, "Elapsed     : %.1fs\n", s.Elapsed)
	fmt.Fprintf(&out, "\n")

	for _, j := range s.Jobs {
		fmt.Fprintf(&out, "[%s] %s -> %s\n", j.Status, j.InputPath, j.OutputPath)
		if j.Error != "" {
			fmt.Fprintf(&out, "    error: %s\n", j.Error)
		}
	}
	return out.String()
}
